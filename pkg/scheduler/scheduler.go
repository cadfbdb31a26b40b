// Package scheduler assigns pending tasks to machines on ready nodes
// and supervises the resulting runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/machinery"
	"github.com/immune-gmbh/dsas/pkg/node"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/task"
)

// DefaultStarters is the number of concurrent task starts.
const DefaultStarters = 4

const rescanInterval = 5 * time.Second

// TaskEvents is what the scheduler reports back to the state
// controller.
type TaskEvents interface {
	TaskRunning(taskID, nodeName, machineName string) error
	TaskRunDone(taskID string) error
	TaskRunFailed(taskID, reason string) error
	RequeueTask(taskID string) error
}

// startItem is one scheduled task handed to a starter.
type startItem struct {
	row     storage.TaskRow
	node    node.Node
	machine *machinery.Machine
}

// Scheduler matches unscheduled pending tasks against the machines of
// the tracked nodes. It wakes up on change events (new tasks, freed
// machines) and rescans periodically as a safety net.
type Scheduler struct {
	Starters int

	Events TaskEvents
	Store  *storage.Storage
	Tasks  *task.Repository

	// CancelAbandoned fails tasks that were mid-run when the process
	// last went down instead of giving them a fresh attempt.
	CancelAbandoned bool

	// DumpMachines, if set, is called after machine bookkeeping
	// changed and once per rescan.
	DumpMachines func()

	// RescanInterval overrides the periodic rescan period. Zero uses
	// the default.
	RescanInterval time.Duration

	mu      sync.Mutex
	nodes   []node.Node
	changes chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// AddNode registers a node with the tracker. Nodes cannot be removed;
// a broken one reports itself not ready.
func (sched *Scheduler) AddNode(n node.Node) {
	sched.mu.Lock()
	sched.nodes = append(sched.nodes, n)
	sched.mu.Unlock()
	sched.Poke()
}

func (sched *Scheduler) readyNodes() []node.Node {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	nodes := make([]node.Node, 0, len(sched.nodes))
	for _, n := range sched.nodes {
		if n.Ready() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// HasPlatform implements task.ResourceFinder over all ready nodes.
func (sched *Scheduler) HasPlatform(platform, osVersion string, tags []string) bool {
	for _, n := range sched.readyNodes() {
		if n.Machines().HasMachineWith(platform, osVersion, tags) {
			return true
		}
	}
	return false
}

// HasRoute implements task.ResourceFinder over all ready nodes.
func (sched *Scheduler) HasRoute(route analysis.Route) bool {
	if route.Empty() {
		return true
	}
	for _, n := range sched.readyNodes() {
		for _, available := range n.Routes() {
			if available == route.Type {
				return true
			}
		}
	}
	return false
}

// Poke wakes the scheduling loop up. Never blocks.
func (sched *Scheduler) Poke() {
	sched.mu.Lock()
	changes := sched.changes
	sched.mu.Unlock()
	if changes == nil {
		return
	}
	select {
	case changes <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop and the starter pool. Blocks until
// ctx is canceled or Stop is called.
func (sched *Scheduler) Start(ctx context.Context) error {
	ctx = beltctx.WithField(ctx, "module", "scheduler")

	sched.mu.Lock()
	if sched.started {
		sched.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	starters := sched.Starters
	if starters < 1 {
		starters = DefaultStarters
	}
	sched.changes = make(chan struct{}, 1)
	sched.stop = make(chan struct{})
	sched.started = true
	stop := sched.stop
	sched.mu.Unlock()

	items := make(chan startItem)
	for i := 0; i < starters; i++ {
		sched.wg.Add(1)
		go sched.starter(beltctx.WithField(ctx, "starter", i), items)
	}

	if err := sched.recoverAbandoned(ctx); err != nil {
		logger.FromCtx(ctx).Errorf("unable to recover abandoned tasks: %v", err)
	}

	logger.FromCtx(ctx).Infof("scheduler running with %d task starters", starters)
	interval := sched.RescanInterval
	if interval <= 0 {
		interval = rescanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sched.schedule(ctx, items)
		select {
		case <-ctx.Done():
			close(items)
			sched.wg.Wait()
			return nil
		case <-stop:
			close(items)
			sched.wg.Wait()
			return nil
		case <-sched.changes:
		case <-ticker.C:
			// Machine state on disk goes stale otherwise when nothing
			// happens for a while.
			sched.dump()
		}
	}
}

// Stop shuts the scheduling loop down.
func (sched *Scheduler) Stop() {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if !sched.started {
		return
	}
	sched.started = false
	close(sched.stop)
}

// recoverAbandoned handles tasks that were scheduled when the process
// last went down. Their runs are gone; the tasks are either requeued
// for a fresh attempt or, with CancelAbandoned, failed.
func (sched *Scheduler) recoverAbandoned(ctx context.Context) error {
	rows, err := sched.Store.ScheduledTasks(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := sched.Store.SetTasksScheduled(ctx, false, row.ID); err != nil {
			return err
		}
		if sched.CancelAbandoned {
			logger.FromCtx(ctx).Warnf("cancelling abandoned task '%s'", row.ID)
			err = sched.Events.TaskRunFailed(row.ID, "the run was abandoned by a daemon restart")
		} else {
			logger.FromCtx(ctx).Warnf("requeueing abandoned task '%s'", row.ID)
			err = sched.Events.RequeueTask(row.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// schedule assigns as many unscheduled pending tasks as the machines
// allow. Priority order comes from the index query.
func (sched *Scheduler) schedule(ctx context.Context, items chan<- startItem) {
	log := logger.FromCtx(ctx)
	rows, err := sched.Store.UnscheduledPendingTasks(ctx)
	if err != nil {
		log.Errorf("unable to query pending tasks: %v", err)
		return
	}

	for _, row := range rows {
		n, machine := sched.acquireMachine(row)
		if n == nil {
			continue
		}

		if err := sched.Store.SetTasksScheduled(ctx, true, row.ID); err != nil {
			log.Errorf("unable to mark task '%s' scheduled: %v", row.ID, err)
			n.Machines().Release(machine.Name)
			continue
		}
		if err := sched.Events.TaskRunning(row.ID, n.Name(), machine.Name); err != nil {
			log.Errorf("unable to report task '%s' running: %v", row.ID, err)
		}
		sched.dump()

		select {
		case items <- startItem{row: row, node: n, machine: machine}:
		case <-ctx.Done():
			return
		}
	}
}

func (sched *Scheduler) acquireMachine(row storage.TaskRow) (node.Node, *machinery.Machine) {
	for _, n := range sched.readyNodes() {
		machine, err := n.Machines().AcquireFor(
			row.ID, row.Platform, row.OSVersion, row.GetMachineTags(),
		)
		if err == nil {
			return n, machine
		}
	}
	return nil, nil
}

// starter performs one machine run after another.
func (sched *Scheduler) starter(ctx context.Context, items <-chan startItem) {
	defer sched.wg.Done()
	log := logger.FromCtx(ctx)

	for item := range items {
		err := sched.runTask(ctx, item)
		if err != nil {
			log.Errorf("run of task '%s' failed: %v", item.row.ID, err)
			if reportErr := sched.Events.TaskRunFailed(item.row.ID, err.Error()); reportErr != nil {
				log.Errorf("unable to report failure of task '%s': %v", item.row.ID, reportErr)
			}
		} else if err := sched.Events.TaskRunDone(item.row.ID); err != nil {
			log.Errorf("unable to report completion of task '%s': %v", item.row.ID, err)
		}

		if err := item.node.Machines().Release(item.machine.Name); err != nil {
			log.Errorf("unable to release machine '%s': %v", item.machine.Name, err)
		}
		sched.dump()
		sched.Poke()
	}
}

func (sched *Scheduler) runTask(ctx context.Context, item startItem) error {
	t, err := sched.Tasks.Load(item.row.ID)
	if err != nil {
		return err
	}
	return item.node.StartTask(ctx, t, item.machine)
}

func (sched *Scheduler) dump() {
	if sched.DumpMachines != nil {
		sched.DumpMachines()
	}
}
