package task

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// ResourceFinder answers whether the deployment has the resources to
// run a task at all. Backed by the scheduler's view of the nodes.
type ResourceFinder interface {
	HasPlatform(platform, osVersion string, tags []string) bool
	HasRoute(route analysis.Route) bool
}

// Skipped records one requested platform no task was created for.
type Skipped struct {
	Platform analysis.Platform
	Reason   string
}

// ErrNoTasksCreated implements "error", for the description see Error.
type ErrNoTasksCreated struct {
	AnalysisID string
	Reasons    []string
}

func (err ErrNoTasksCreated) Error() string {
	return fmt.Sprintf(
		"no tasks could be created for analysis '%s': %s",
		err.AnalysisID, strings.Join(err.Reasons, "; "),
	)
}

// CreateAll creates one task per requested platform of the analysis.
// Platforms no node can serve are skipped and recorded on the analysis
// instead of failing it; only a fully empty result is an error. Tasks
// that were created are registered in the index in one batch and
// summarized on the analysis document.
func CreateAll(ctx context.Context, repo *Repository, a *analysis.Analysis, finder ResourceFinder) ([]*Task, []Skipped, error) {
	if len(a.Settings.Platforms) == 0 {
		return nil, nil, ErrNoTasksCreated{
			AnalysisID: a.ID,
			Reasons:    []string{"no platforms were requested or identified"},
		}
	}

	var (
		created []*Task
		skipped []Skipped
	)
	// Task numbers stay contiguous: skipped platforms do not burn one.
	number := 0
	for _, p := range a.Settings.Platforms {
		eff := a.Settings.EffectiveSettings(p)
		if !finder.HasPlatform(p.Platform, p.OSVersion, p.Tags) {
			skipped = append(skipped, Skipped{
				Platform: p,
				Reason:   fmt.Sprintf("no machine with platform '%s' exists", p),
			})
			continue
		}
		if !eff.Route.Empty() && !finder.HasRoute(eff.Route) {
			skipped = append(skipped, Skipped{
				Platform: p,
				Reason:   fmt.Sprintf("no node can provide route '%s' for platform '%s'", eff.Route, p),
			})
			continue
		}

		number++
		t := &Task{
			ID:          workdir.TaskID(a.ID, number),
			Kind:        a.Kind,
			Number:      number,
			AnalysisID:  a.ID,
			CreatedOn:   time.Now().UTC(),
			State:       StatePending,
			Priority:    a.Settings.Priority,
			Platform:    p.Platform,
			OSVersion:   p.OSVersion,
			MachineTags: p.Tags,
			Command:     eff.Command,
			Browser:     eff.Browser,
			Route:       eff.Route,
			Timeout:     a.Settings.Timeout,
		}

		taskPaths := repo.paths.Task(t.ID)
		for _, dir := range []string{taskPaths.Dir(), taskPaths.Logs()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("unable to create task directory '%s': %w", dir, err)
			}
		}
		if err := repo.docs.Save(taskPaths.Document(), t); err != nil {
			return nil, nil, err
		}
		created = append(created, t)
	}

	if len(created) == 0 {
		reasons := make([]string, 0, len(skipped))
		for _, skip := range skipped {
			reasons = append(reasons, skip.Reason)
		}
		return nil, skipped, ErrNoTasksCreated{AnalysisID: a.ID, Reasons: reasons}
	}

	rows := make([]storage.TaskRow, 0, len(created))
	for _, t := range created {
		row := storage.TaskRow{
			ID:         t.ID,
			Kind:       t.Kind,
			Number:     t.Number,
			CreatedOn:  t.CreatedOn,
			AnalysisID: t.AnalysisID,
			Priority:   t.Priority,
			State:      t.State,
			Platform:   t.Platform,
			OSVersion:  t.OSVersion,
			Route:      t.Route.Type,
		}
		row.SetMachineTags(t.MachineTags)
		rows = append(rows, row)
	}
	if err := repo.index.InsertTasks(ctx, rows); err != nil {
		return nil, nil, err
	}

	for _, t := range created {
		a.Tasks = append(a.Tasks, analysis.TaskSummary{
			ID:        t.ID,
			Platform:  t.Platform,
			OSVersion: t.OSVersion,
			State:     t.State,
		})
	}
	for _, skip := range skipped {
		a.Errors.Errors = append(a.Errors.Errors, skip.Reason)
	}
	return created, skipped, nil
}
