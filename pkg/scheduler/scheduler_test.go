package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/machinery"
	"github.com/immune-gmbh/dsas/pkg/observability"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/task"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

type fakeNode struct {
	name     string
	machines *machinery.List
	routes   []string
	startErr error

	mu      sync.Mutex
	started []string
}

func (n *fakeNode) Name() string              { return n.name }
func (n *fakeNode) Ready() bool               { return true }
func (n *fakeNode) Machines() *machinery.List { return n.machines }
func (n *fakeNode) Routes() []string          { return n.routes }

func (n *fakeNode) StartTask(ctx context.Context, t *task.Task, m *machinery.Machine) error {
	n.mu.Lock()
	n.started = append(n.started, t.ID)
	n.mu.Unlock()
	return n.startErr
}

func (n *fakeNode) startedTasks() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.started...)
}

type eventRecorder struct {
	mu       sync.Mutex
	running  []string
	done     []string
	failed   []string
	requeued []string
}

func (r *eventRecorder) TaskRunning(taskID, nodeName, machineName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = append(r.running, taskID)
	return nil
}

func (r *eventRecorder) TaskRunDone(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, taskID)
	return nil
}

func (r *eventRecorder) TaskRunFailed(taskID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, taskID)
	return nil
}

func (r *eventRecorder) RequeueTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued = append(r.requeued, taskID)
	return nil
}

func (r *eventRecorder) snapshot() (running, done, failed, requeued []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.running...), append([]string{}, r.done...),
		append([]string{}, r.failed...), append([]string{}, r.requeued...)
}

type schedEnv struct {
	sched  *Scheduler
	events *eventRecorder
	repo   *task.Repository
	index  *storage.Storage
	paths  *workdir.Root
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	ctx := context.Background()

	paths, err := workdir.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, paths.EnsureLayout())

	docs, err := docfile.New(16)
	require.NoError(t, err)

	index, err := storage.New("sqlite3", ":memory:", observability.NewLogger(ctx))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	require.NoError(t, index.InitSchema(ctx))

	events := &eventRecorder{}
	repo := task.NewRepository(docs, paths, index)
	return &schedEnv{
		sched:  &Scheduler{Starters: 2, Events: events, Store: index, Tasks: repo},
		events: events,
		repo:   repo,
		index:  index,
		paths:  paths,
	}
}

type allowAll struct{}

func (allowAll) HasPlatform(platform, osVersion string, tags []string) bool { return true }
func (allowAll) HasRoute(route analysis.Route) bool                         { return true }

func (env *schedEnv) createTasks(t *testing.T, platforms ...analysis.Platform) []*task.Task {
	t.Helper()
	a := analysis.New(workdir.NewAnalysisID(time.Now()), analysis.Settings{
		Priority:  1,
		Platforms: platforms,
	}, nil)
	require.NoError(t, os.MkdirAll(env.paths.Analysis(a.ID).Dir(), 0o755))
	created, _, err := task.CreateAll(context.Background(), env.repo, a, allowAll{})
	require.NoError(t, err)
	return created
}

func (env *schedEnv) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.sched.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func windowsList() *machinery.List {
	return machinery.NewList(
		&machinery.Machine{Name: "win10-1", Platform: "windows", OSVersion: "10", Machinery: "qemu", State: machinery.StatePoweroff},
	)
}

func TestResourceFinder(t *testing.T) {
	env := newSchedEnv(t)
	env.sched.AddNode(&fakeNode{name: "a", machines: windowsList(), routes: []string{"vpn"}})

	require.True(t, env.sched.HasPlatform("windows", "10", nil))
	require.False(t, env.sched.HasPlatform("linux", "", nil))
	require.True(t, env.sched.HasRoute(analysis.Route{}))
	require.True(t, env.sched.HasRoute(analysis.Route{Type: "vpn"}))
	require.False(t, env.sched.HasRoute(analysis.Route{Type: "tor"}))
}

func TestScheduleAndRun(t *testing.T) {
	env := newSchedEnv(t)
	n := &fakeNode{name: "local", machines: windowsList()}
	env.sched.AddNode(n)
	dumps := 0
	var dumpMu sync.Mutex
	env.sched.DumpMachines = func() {
		dumpMu.Lock()
		dumps++
		dumpMu.Unlock()
	}

	created := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	env.run(t)

	require.Eventually(t, func() bool {
		_, done, _, _ := env.events.snapshot()
		return len(done) == 1
	}, 10*time.Second, 50*time.Millisecond)

	running, done, failed, _ := env.events.snapshot()
	require.Equal(t, []string{created[0].ID}, running)
	require.Equal(t, []string{created[0].ID}, done)
	require.Empty(t, failed)
	require.Equal(t, []string{created[0].ID}, n.startedTasks())

	// The machine went back into the pool.
	require.Eventually(t, func() bool {
		return n.machines.CountAvailable() == 1
	}, 5*time.Second, 50*time.Millisecond)
	dumpMu.Lock()
	defer dumpMu.Unlock()
	require.GreaterOrEqual(t, dumps, 2)
}

func TestPeriodicMachineDump(t *testing.T) {
	env := newSchedEnv(t)
	env.sched.RescanInterval = 20 * time.Millisecond
	dumps := 0
	var dumpMu sync.Mutex
	env.sched.DumpMachines = func() {
		dumpMu.Lock()
		dumps++
		dumpMu.Unlock()
	}

	// Nothing is queued and nothing changes; the rescan ticker alone
	// keeps the dump fresh.
	env.run(t)

	require.Eventually(t, func() bool {
		dumpMu.Lock()
		defer dumpMu.Unlock()
		return dumps >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunFailureReported(t *testing.T) {
	env := newSchedEnv(t)
	n := &fakeNode{
		name:     "local",
		machines: windowsList(),
		startErr: fmt.Errorf("snapshot restore blew up"),
	}
	env.sched.AddNode(n)

	created := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	env.run(t)

	require.Eventually(t, func() bool {
		_, _, failed, _ := env.events.snapshot()
		return len(failed) == 1
	}, 10*time.Second, 50*time.Millisecond)

	_, done, failed, _ := env.events.snapshot()
	require.Empty(t, done)
	require.Equal(t, []string{created[0].ID}, failed)
}

func TestNoMachineNoSchedule(t *testing.T) {
	env := newSchedEnv(t)
	n := &fakeNode{name: "local", machines: machinery.NewList()}
	env.sched.AddNode(n)
	env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	env.run(t)

	time.Sleep(300 * time.Millisecond)
	running, _, _, _ := env.events.snapshot()
	require.Empty(t, running)
	rows, err := env.index.UnscheduledPendingTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1, "task must stay queued until a machine exists")
}

func TestRecoverAbandoned(t *testing.T) {
	env := newSchedEnv(t)
	created := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	require.NoError(t, env.index.SetTasksScheduled(context.Background(), true, created[0].ID))

	env.run(t)

	require.Eventually(t, func() bool {
		_, _, _, requeued := env.events.snapshot()
		return len(requeued) == 1
	}, 5*time.Second, 50*time.Millisecond)

	rows, err := env.index.ScheduledTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows, "the scheduled flag must be cleared")
}

func TestCancelAbandoned(t *testing.T) {
	env := newSchedEnv(t)
	env.sched.CancelAbandoned = true
	created := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	require.NoError(t, env.index.SetTasksScheduled(context.Background(), true, created[0].ID))

	env.run(t)

	require.Eventually(t, func() bool {
		_, _, failed, _ := env.events.snapshot()
		return len(failed) == 1
	}, 5*time.Second, 50*time.Millisecond)

	_, _, failed, requeued := env.events.snapshot()
	require.Equal(t, []string{created[0].ID}, failed)
	require.Empty(t, requeued)
}

func TestPriorityOrder(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	low := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	high := env.createTasks(t, analysis.Platform{Platform: "windows", OSVersion: "10"})
	_, err := env.index.DB.ExecContext(ctx,
		"UPDATE tasks SET priority = 9 WHERE id = ?", high[0].ID)
	require.NoError(t, err)

	rows, err := env.index.UnscheduledPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, high[0].ID, rows[0].ID)
	require.Equal(t, low[0].ID, rows[1].ID)
}
