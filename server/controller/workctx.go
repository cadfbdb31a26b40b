package controller

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/task"
)

// workCtx carries the documents one work item touches. Documents are
// loaded lazily and written back exactly once when the item finishes,
// so a handler can mutate freely without caring about persistence
// order. The caller holds the analysis lock for the whole lifetime of
// the workCtx.
type workCtx struct {
	ctx        context.Context
	ctrl       *Controller
	analysisID string

	analysis *analysis.Analysis
	tasks    map[string]*task.Task
}

func newWorkCtx(ctx context.Context, ctrl *Controller, analysisID string) *workCtx {
	return &workCtx{
		ctx:        ctx,
		ctrl:       ctrl,
		analysisID: analysisID,
		tasks:      map[string]*task.Task{},
	}
}

// Analysis loads the analysis document on first use.
func (wctx *workCtx) Analysis() (*analysis.Analysis, error) {
	if wctx.analysis != nil {
		return wctx.analysis, nil
	}
	a, err := wctx.ctrl.Analyses.Load(wctx.analysisID)
	if err != nil {
		return nil, err
	}
	wctx.analysis = a
	return a, nil
}

// Task loads a task document of this analysis on first use.
func (wctx *workCtx) Task(taskID string) (*task.Task, error) {
	if t, ok := wctx.tasks[taskID]; ok {
		return t, nil
	}
	t, err := wctx.ctrl.Tasks.Load(taskID)
	if err != nil {
		return nil, err
	}
	wctx.tasks[taskID] = t
	return t, nil
}

// close persists every document the handler touched.
func (wctx *workCtx) close() error {
	var result *multierror.Error
	for _, t := range wctx.tasks {
		if err := wctx.ctrl.Tasks.Save(wctx.ctx, t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if wctx.analysis != nil {
		if err := wctx.ctrl.Analyses.Save(wctx.ctx, wctx.analysis); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
