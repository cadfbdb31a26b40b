// Package controller implements the state controller of the sandbox:
// it consumes lifecycle events from the control socket and moves
// analyses and tasks through their states, one locked analysis at a
// time.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/tidwall/gjson"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/ipc"
	"github.com/immune-gmbh/dsas/pkg/lockmap"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/task"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// DefaultWorkers is the size of the state transition worker pool.
const DefaultWorkers = 6

const pollInterval = time.Second

// Controller owns the analysis and task lifecycles. All mutation of a
// given analysis happens under its lockmap entry, inside one of the
// pool workers.
type Controller struct {
	Workers            int
	CancelUnidentified bool

	Locks    *lockmap.LockMap
	Analyses *analysis.Repository
	Tasks    *task.Repository
	Store    *storage.Storage
	Paths    *workdir.Root
	Finder   task.ResourceFinder

	// OnTasksAdded pokes the scheduler after new pending tasks appeared.
	// Optional.
	OnTasksAdded func()

	// CountMachines reports how many machines the node layer tracks,
	// for the status reply. Optional.
	CountMachines func() int

	queue  workQueue
	server *ipc.Server

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Start brings up the worker pool and the control socket server.
// Blocks until ctx is canceled or Stop is called.
func (ctrl *Controller) Start(ctx context.Context) error {
	ctx = beltctx.WithField(ctx, "module", "controller")

	ctrl.mu.Lock()
	if ctrl.started {
		ctrl.mu.Unlock()
		return fmt.Errorf("controller is already running")
	}
	workers := ctrl.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	ctrl.stop = make(chan struct{})
	ctrl.started = true
	ctrl.server = &ipc.Server{
		SocketPath: ctrl.Paths.ControllerSocket(),
		Handler:    ctrl.handleMessage,
	}
	ctrl.mu.Unlock()

	for i := 0; i < workers; i++ {
		ctrl.wg.Add(1)
		go ctrl.worker(beltctx.WithField(ctx, "worker", i))
	}

	logger.FromCtx(ctx).Infof("state controller running with %d workers", workers)
	err := ctrl.server.Start(ctx)
	ctrl.Stop()
	ctrl.wg.Wait()
	return err
}

// Stop shuts the worker pool and the socket server down.
func (ctrl *Controller) Stop() {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if !ctrl.started {
		return
	}
	ctrl.started = false
	close(ctrl.stop)
	ctrl.server.Stop()
}

// handleMessage dispatches one framed control message. Unknown subjects
// are ignored; transition messages are queued for the worker pool.
func (ctrl *Controller) handleMessage(ctx context.Context, msg json.RawMessage) (any, error) {
	subject := gjson.GetBytes(msg, "subject").String()
	switch subject {
	case SubjectTrackNew:
		var m TrackNewMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		return nil, ctrl.queueFor(m.AnalysisID, "track new analysis", func(wctx *workCtx) error {
			return ctrl.handleTrackNew(wctx)
		})
	case SubjectManualSetSettings:
		var m ManualSetSettingsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		return nil, ctrl.queueFor(m.AnalysisID, "apply manual settings", func(wctx *workCtx) error {
			return ctrl.handleManualDone(wctx, m.Settings)
		})
	case SubjectWorkDone:
		var m WorkDoneMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		return nil, ctrl.queueWorkDone(m)
	case SubjectWorkFailed:
		var m WorkFailedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		describe := fmt.Sprintf("handle failed %s work", m.Kind)
		return nil, ctrl.queueFor(m.AnalysisID, describe, func(wctx *workCtx) error {
			return ctrl.handleWorkFailed(wctx, m)
		})
	case SubjectTaskRunDone:
		var m TaskRunDoneMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		return nil, ctrl.queueFor(m.AnalysisID, "handle completed task run", func(wctx *workCtx) error {
			return ctrl.handleTaskRunDone(wctx, m.TaskID)
		})
	case SubjectTaskRunFailed:
		var m TaskRunFailedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		return nil, ctrl.queueFor(m.AnalysisID, "handle failed task run", func(wctx *workCtx) error {
			return ctrl.handleTaskRunFailed(wctx, m.TaskID, m.Error)
		})
	case SubjectStatus:
		return ctrl.statusReply(ctx)
	default:
		logger.FromCtx(ctx).Debugf("ignoring control message with unknown subject '%s'", subject)
		return nil, nil
	}
}

func (ctrl *Controller) queueWorkDone(m WorkDoneMsg) error {
	switch m.Kind {
	case KindIdentification:
		return ctrl.queueFor(m.AnalysisID, "handle finished identification", func(wctx *workCtx) error {
			return ctrl.handleIdentificationDone(wctx)
		})
	case KindPre:
		return ctrl.queueFor(m.AnalysisID, "handle finished pre work", func(wctx *workCtx) error {
			return ctrl.handlePreDone(wctx)
		})
	case KindPost:
		return ctrl.queueFor(m.AnalysisID, "handle finished post work", func(wctx *workCtx) error {
			return ctrl.handlePostDone(wctx, m.TaskID)
		})
	default:
		return fmt.Errorf("unknown work kind '%s'", m.Kind)
	}
}

// queueFor registers lock intent for the analysis and queues the work
// item. The two-phase registration guarantees the lock entry survives
// until the worker picks the item up.
func (ctrl *Controller) queueFor(analysisID, describe string, handle func(wctx *workCtx) error) error {
	if !workdir.ValidAnalysisID(analysisID) {
		return workdir.ErrInvalidID{ID: analysisID}
	}
	ctrl.Locks.InformWork(analysisID)
	ctrl.queue.push(workItem{analysisID: analysisID, describe: describe, handle: handle})
	return nil
}

// TrackAnalysis mirrors the tracknew control message for in-process
// callers like the untracked directory watcher.
func (ctrl *Controller) TrackAnalysis(analysisID string) error {
	return ctrl.queueFor(analysisID, "track new analysis", func(wctx *workCtx) error {
		return ctrl.handleTrackNew(wctx)
	})
}

// TaskRunning is called by the scheduler when a task was handed to a
// machine.
func (ctrl *Controller) TaskRunning(taskID, node, machine string) error {
	analysisID, _, err := workdir.SplitTaskID(taskID)
	if err != nil {
		return err
	}
	return ctrl.queueFor(analysisID, "mark task running", func(wctx *workCtx) error {
		return ctrl.handleTaskRunning(wctx, taskID, node, machine)
	})
}

// RequeueTask is called by the scheduler when a task's node or machine
// died before producing a result.
func (ctrl *Controller) RequeueTask(taskID string) error {
	analysisID, _, err := workdir.SplitTaskID(taskID)
	if err != nil {
		return err
	}
	return ctrl.queueFor(analysisID, "requeue task", func(wctx *workCtx) error {
		return ctrl.handleTaskRequeue(wctx, taskID)
	})
}

// TaskRunDone mirrors the taskrundone control message for in-process
// callers.
func (ctrl *Controller) TaskRunDone(taskID string) error {
	analysisID, _, err := workdir.SplitTaskID(taskID)
	if err != nil {
		return err
	}
	return ctrl.queueFor(analysisID, "handle completed task run", func(wctx *workCtx) error {
		return ctrl.handleTaskRunDone(wctx, taskID)
	})
}

// TaskRunFailed mirrors the taskrunfailed control message for
// in-process callers.
func (ctrl *Controller) TaskRunFailed(taskID, reason string) error {
	analysisID, _, err := workdir.SplitTaskID(taskID)
	if err != nil {
		return err
	}
	return ctrl.queueFor(analysisID, "handle failed task run", func(wctx *workCtx) error {
		return ctrl.handleTaskRunFailed(wctx, taskID, reason)
	})
}

func (ctrl *Controller) statusReply(ctx context.Context) (*StatusReply, error) {
	analyses, err := ctrl.Store.CountAnalysesByState(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := ctrl.Store.CountTasksByState(ctx)
	if err != nil {
		return nil, err
	}
	reply := &StatusReply{
		AnalysesByState: analyses,
		TasksByState:    tasks,
		QueuedWork:      ctrl.queue.size(),
	}
	if ctrl.CountMachines != nil {
		reply.TrackedMachines = ctrl.CountMachines()
	}
	return reply, nil
}

func (ctrl *Controller) worker(ctx context.Context) {
	defer ctrl.wg.Done()
	for {
		item, ok := ctrl.queue.pop()
		if !ok {
			select {
			case <-ctrl.stop:
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		ctrl.process(ctx, item)
	}
}

// process runs one work item under the analysis lock. A handler error
// or panic is logged and the item is dropped without touching the
// documents; handlers that detect a broken stage fail the analysis
// themselves through SetFatal.
func (ctrl *Controller) process(ctx context.Context, item workItem) {
	log := logger.FromCtx(ctx)

	unlocker := ctrl.Locks.Lock(item.analysisID)
	defer ctrl.Locks.InformWorkDone(item.analysisID)
	defer unlocker.Unlock()

	wctx := newWorkCtx(ctx, ctrl, item.analysisID)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return item.handle(wctx)
	}()

	if err != nil {
		log.Errorf("unable to %s for analysis '%s': %v", item.describe, item.analysisID, err)
		return
	}
	if err := wctx.close(); err != nil {
		log.Errorf("unable to persist changes of analysis '%s': %v", item.analysisID, err)
	}
}
