package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/errtrack"
	"github.com/immune-gmbh/dsas/pkg/task"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// handleTrackNew registers a freshly submitted analysis: the document
// already exists on disk, the index row and the untracked marker are
// the controller's business.
func (ctrl *Controller) handleTrackNew(wctx *workCtx) error {
	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	if a.State != analysis.StatePendingIdentification {
		return fmt.Errorf(
			"analysis can only be tracked in state '%s', is '%s'",
			analysis.StatePendingIdentification, a.State,
		)
	}
	if err := a.Settings.Validate(); err != nil {
		return err
	}
	if err := ctrl.Analyses.Track(wctx.ctx, a); err != nil {
		return err
	}
	ctrl.removeUntrackedMarker(wctx)
	logger.FromCtx(wctx.ctx).Infof("tracking new analysis '%s'", a.ID)
	return nil
}

// handleIdentificationDone applies the identification result. Three
// outcomes exist: the target was selected for analysis, a target was
// identified but deselected, or nothing was identified at all. The
// last case only cancels the analysis when the deployment is
// configured to do so.
func (ctrl *Controller) handleIdentificationDone(wctx *workCtx) error {
	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	if a.State != analysis.StatePendingIdentification {
		return fmt.Errorf(
			"identification result arrived in state '%s', expected '%s'",
			a.State, analysis.StatePendingIdentification,
		)
	}

	ident, err := ctrl.Analyses.LoadIdentification(a.ID)
	if err != nil {
		if analysis.IsMissingArtifact(err) {
			a.SetFatal("identification reported success but left no result artifact")
			return nil
		}
		return err
	}
	a.Errors.Errors = append(a.Errors.Errors, ident.Errors...)

	switch {
	case ident.Selected:
		if ident.Target != nil {
			a.Target = ident.Target
		}
		if a.Settings.Manual {
			return a.SetState(analysis.StateWaitingManual)
		}
		return a.SetState(analysis.StatePendingPre)

	case ident.Identified:
		// A target was identified but ruled out for analysis.
		return a.SetState(analysis.StateNoSelected)

	default:
		if ctrl.CancelUnidentified {
			return a.SetState(analysis.StateNoSelected)
		}
		// Unidentified targets still go through pre-processing, which
		// may know better.
		return a.SetState(analysis.StatePendingPre)
	}
}

// handleManualDone replaces the settings of an analysis an operator
// held in manual mode and releases it into pre-processing.
func (ctrl *Controller) handleManualDone(wctx *workCtx, settings analysis.Settings) error {
	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	if a.State != analysis.StateWaitingManual {
		return fmt.Errorf(
			"manual settings arrived in state '%s', expected '%s'",
			a.State, analysis.StateWaitingManual,
		)
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	// The flag marks the analysis as manually configured for the rest
	// of its life, no matter what the operator sent.
	settings.Manual = true
	a.Settings = settings
	return a.SetState(analysis.StatePendingPre)
}

// handlePreDone folds the pre-processing result into the analysis,
// determines the final platforms and creates the tasks. Platforms no
// resource exists for are skipped; an analysis without a single
// created task fails.
func (ctrl *Controller) handlePreDone(wctx *workCtx) error {
	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	if a.State != analysis.StatePendingPre {
		return fmt.Errorf(
			"pre result arrived in state '%s', expected '%s'",
			a.State, analysis.StatePendingPre,
		)
	}

	pre, err := ctrl.Analyses.LoadPre(a.ID)
	if err != nil {
		if analysis.IsMissingArtifact(err) {
			a.SetFatal("pre work reported success but left no result artifact")
			return nil
		}
		return err
	}
	ctrl.mergeProcessingErrors(wctx, a)

	a.UpdateFromReport(pre.Score, pre.Tags, pre.Families)
	if pre.Target != nil {
		a.Target = pre.Target
	}
	if len(pre.Command) > 0 {
		a.Settings.Command = pre.Command
	}
	if pre.Browser != "" {
		a.Settings.Browser = pre.Browser
	}
	ctrl.ensureTargetIdentity(wctx, a)

	if len(pre.Platforms) > 0 {
		a.OverwritePlatforms(pre.Platforms)
	} else if a.Target != nil {
		a.OverwritePlatforms(a.DetermineFinalPlatforms(a.Target.Platforms))
	}

	created, skipped, err := task.CreateAll(wctx.ctx, ctrl.Tasks, a, ctrl.Finder)
	if err != nil {
		var noTasks task.ErrNoTasksCreated
		if errors.As(err, &noTasks) {
			for _, skip := range skipped {
				a.Errors.Errors = append(a.Errors.Errors, skip.Reason)
			}
			a.SetFatal(noTasks.Error())
			return nil
		}
		return err
	}

	logger.FromCtx(wctx.ctx).Infof(
		"created %d tasks for analysis '%s', skipped %d platforms",
		len(created), a.ID, len(skipped),
	)
	if err := a.SetState(analysis.StateTasksPending); err != nil {
		return err
	}
	if ctrl.OnTasksAdded != nil {
		ctrl.OnTasksAdded()
	}
	return nil
}

// handleWorkFailed fails the analysis or task a processing stage
// crashed on. Crashes are not retried; the stage already logged what
// it could.
func (ctrl *Controller) handleWorkFailed(wctx *workCtx, m WorkFailedMsg) error {
	reason := fmt.Sprintf("%s work failed", m.Kind)
	if m.Error != "" {
		reason += ": " + m.Error
	}

	if m.Kind == KindPost && m.TaskID != "" {
		t, err := wctx.Task(m.TaskID)
		if err != nil {
			return err
		}
		return ctrl.failTask(wctx, t, reason)
	}

	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	ctrl.mergeProcessingErrors(wctx, a)
	a.SetFatal(reason)
	return nil
}

// handleTaskRunning marks a scheduled task as handed to a machine.
func (ctrl *Controller) handleTaskRunning(wctx *workCtx, taskID, node, machine string) error {
	t, err := wctx.Task(taskID)
	if err != nil {
		return err
	}
	if err := t.SetState(task.StateRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Node = node
	t.Machine = machine
	t.StartedOn = &now

	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	state := task.StateRunning
	return a.UpdateTask(taskID, analysis.TaskSummaryUpdate{
		State: &state, Node: &node, StartedOn: &now,
	})
}

// handleTaskRequeue puts a task whose node or machine died back into
// the pending pool.
func (ctrl *Controller) handleTaskRequeue(wctx *workCtx, taskID string) error {
	t, err := wctx.Task(taskID)
	if err != nil {
		return err
	}
	if err := t.Requeue(); err != nil {
		return err
	}
	if err := ctrl.Store.SetTasksScheduled(wctx.ctx, false, taskID); err != nil {
		return err
	}

	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	state := task.StatePending
	empty := ""
	if err := a.UpdateTask(taskID, analysis.TaskSummaryUpdate{State: &state, Node: &empty}); err != nil {
		return err
	}
	if ctrl.OnTasksAdded != nil {
		ctrl.OnTasksAdded()
	}
	return nil
}

// handleTaskRunDone records a finished machine run and hands the task
// to post-processing. Run errors the machine side left behind are
// merged into the task document; the merge deletes the source file, so
// a replayed message cannot duplicate them.
func (ctrl *Controller) handleTaskRunDone(wctx *workCtx, taskID string) error {
	t, err := wctx.Task(taskID)
	if err != nil {
		return err
	}
	if err := t.SetState(task.StateRunCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.StoppedOn = &now
	if err := errtrack.MergeFile(&t.Errors, ctrl.Paths.Task(taskID).RunErrors()); err != nil {
		logger.FromCtx(wctx.ctx).Warnf("unable to merge run errors of task '%s': %v", taskID, err)
	}

	// The run result exists on disk, post-processing can start right
	// away.
	if err := t.SetState(task.StatePendingPost); err != nil {
		return err
	}

	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	state := task.StatePendingPost
	return a.UpdateTask(taskID, analysis.TaskSummaryUpdate{State: &state, StoppedOn: &now})
}

// handleTaskRunFailed fails a task whose machine run went wrong and
// re-evaluates the final analysis state.
func (ctrl *Controller) handleTaskRunFailed(wctx *workCtx, taskID, reason string) error {
	t, err := wctx.Task(taskID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "task run failed"
	}
	if err := errtrack.MergeFile(&t.Errors, ctrl.Paths.Task(taskID).RunErrors()); err != nil {
		logger.FromCtx(wctx.ctx).Warnf("unable to merge run errors of task '%s': %v", taskID, err)
	}
	return ctrl.failTask(wctx, t, reason)
}

// handlePostDone folds a task report into the task and its analysis.
func (ctrl *Controller) handlePostDone(wctx *workCtx, taskID string) error {
	if !workdir.ValidTaskID(taskID) {
		return workdir.ErrInvalidID{ID: taskID}
	}
	t, err := wctx.Task(taskID)
	if err != nil {
		return err
	}
	if t.State != task.StatePendingPost {
		return fmt.Errorf(
			"post result for task '%s' arrived in state '%s', expected '%s'",
			taskID, t.State, task.StatePendingPost,
		)
	}

	report, err := ctrl.Tasks.LoadReport(taskID)
	if err != nil {
		if task.IsMissingReport(err) {
			return ctrl.failTask(wctx, t, "post work reported success but left no report")
		}
		return err
	}
	if err := errtrack.MergeFile(&t.Errors, ctrl.Paths.Task(taskID).ProcessingErrors()); err != nil {
		logger.FromCtx(wctx.ctx).Warnf("unable to merge processing errors of task '%s': %v", taskID, err)
	}

	if report.Score > t.Score {
		t.Score = report.Score
	}
	if err := t.SetState(task.StateReported); err != nil {
		return err
	}

	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	a.UpdateFromReport(report.Score, report.Tags, report.Families)
	state := task.StateReported
	if err := a.UpdateTask(taskID, analysis.TaskSummaryUpdate{State: &state, Score: &t.Score}); err != nil {
		return err
	}
	return ctrl.updateFinalState(wctx, a)
}

// failTask moves a task into its absorbing failure state and
// re-evaluates the analysis.
func (ctrl *Controller) failTask(wctx *workCtx, t *task.Task, reason string) error {
	t.SetFatal(reason)
	a, err := wctx.Analysis()
	if err != nil {
		return err
	}
	state := task.StateFatalError
	if err := a.UpdateTask(t.ID, analysis.TaskSummaryUpdate{State: &state}); err != nil {
		return err
	}
	a.Errors.Errors = append(a.Errors.Errors, fmt.Sprintf("task '%s': %s", t.ID, reason))
	return ctrl.updateFinalState(wctx, a)
}

// updateFinalState finishes the analysis once no task can make progress
// anymore. The task documents the workCtx modified are not yet saved,
// so the in-memory summaries decide, not the index.
func (ctrl *Controller) updateFinalState(wctx *workCtx, a *analysis.Analysis) error {
	reported := 0
	for _, summary := range a.Tasks {
		if !task.IsTerminal(summary.State) {
			return nil
		}
		if summary.State == task.StateReported {
			reported++
		}
	}

	if reported == 0 {
		a.SetFatal("all tasks of the analysis failed")
		return nil
	}
	return a.SetState(analysis.StateFinished)
}

// mergeProcessingErrors folds the processing error file of the analysis
// into the document. Merging deletes the source, which keeps replays
// idempotent.
func (ctrl *Controller) mergeProcessingErrors(wctx *workCtx, a *analysis.Analysis) {
	path := ctrl.Paths.Analysis(a.ID).ProcessingErrors()
	if err := errtrack.MergeFile(&a.Errors, path); err != nil {
		logger.FromCtx(wctx.ctx).Warnf("unable to merge processing errors of analysis '%s': %v", a.ID, err)
	}
}

// ensureTargetIdentity fills in the identity hashes of a file target if
// the pre stage did not. Failure to hash is recorded, not fatal.
func (ctrl *Controller) ensureTargetIdentity(wctx *workCtx, a *analysis.Analysis) {
	if a.Target == nil || a.Target.Category != analysis.CategoryFile || a.Target.HasIdentity() {
		return
	}
	sample := ctrl.Paths.Analysis(a.ID).Sample()
	if err := a.Target.FileIdentity(sample); err != nil {
		a.Errors.Errors = append(a.Errors.Errors, err.Error())
	}
}

// removeUntrackedMarker clears the discovery marker of an analysis.
func (ctrl *Controller) removeUntrackedMarker(wctx *workCtx) {
	path := ctrl.Paths.Untracked(wctx.analysisID)
	if err := removeIfExists(path); err != nil {
		logger.FromCtx(wctx.ctx).Warnf("unable to remove untracked marker '%s': %v", path, err)
	}
}
