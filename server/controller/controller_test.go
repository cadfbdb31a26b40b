package controller

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/errtrack"
	"github.com/immune-gmbh/dsas/pkg/ipc"
	"github.com/immune-gmbh/dsas/pkg/lockmap"
	"github.com/immune-gmbh/dsas/pkg/observability"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/task"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

type allowAllFinder struct{}

func (allowAllFinder) HasPlatform(platform, osVersion string, tags []string) bool { return true }
func (allowAllFinder) HasRoute(route analysis.Route) bool                         { return true }

type denyAllFinder struct{}

func (denyAllFinder) HasPlatform(platform, osVersion string, tags []string) bool { return false }
func (denyAllFinder) HasRoute(route analysis.Route) bool                         { return false }

type testEnv struct {
	ctrl  *Controller
	paths *workdir.Root
	docs  *docfile.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	paths, err := workdir.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, paths.EnsureLayout())

	docs, err := docfile.New(32)
	require.NoError(t, err)

	index, err := storage.New("sqlite3", ":memory:", observability.NewLogger(ctx))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	require.NoError(t, index.InitSchema(ctx))

	ctrl := &Controller{
		Locks:    lockmap.NewLockMap(),
		Analyses: analysis.NewRepository(docs, paths, index),
		Tasks:    task.NewRepository(docs, paths, index),
		Store:    index,
		Paths:    paths,
		Finder:   allowAllFinder{},
	}
	return &testEnv{ctrl: ctrl, paths: paths, docs: docs}
}

// drain synchronously processes everything queued, the way a pool
// worker would.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		item, ok := env.ctrl.queue.pop()
		if !ok {
			return
		}
		env.ctrl.process(ctx, item)
	}
}

func (env *testEnv) submit(t *testing.T, settings analysis.Settings) *analysis.Analysis {
	t.Helper()
	a := analysis.New(workdir.NewAnalysisID(time.Now()), settings, nil)
	require.NoError(t, os.MkdirAll(env.paths.Analysis(a.ID).Dir(), 0o755))
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Document(), a))
	require.NoError(t, os.WriteFile(env.paths.Untracked(a.ID), nil, 0o644))
	return a
}

func (env *testEnv) dispatch(t *testing.T, msg any) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	reply, err := env.ctrl.handleMessage(context.Background(), b)
	require.NoError(t, err)
	require.Nil(t, reply)
	env.drain(t)
}

func (env *testEnv) loadAnalysis(t *testing.T, id string) *analysis.Analysis {
	t.Helper()
	a, err := env.ctrl.Analyses.Load(id)
	require.NoError(t, err)
	return a
}

func (env *testEnv) loadTask(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := env.ctrl.Tasks.Load(id)
	require.NoError(t, err)
	return tk
}

func defaultSettings() analysis.Settings {
	return analysis.Settings{
		Priority:  1,
		Platforms: []analysis.Platform{{Platform: "windows", OSVersion: "10"}},
	}
}

func TestTrackNew(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, defaultSettings())

	env.dispatch(t, TrackNewMsg{Subject: SubjectTrackNew, AnalysisID: a.ID})

	counts, err := env.ctrl.Store.CountAnalysesByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts[analysis.StatePendingIdentification])
	_, err = os.Stat(env.paths.Untracked(a.ID))
	require.True(t, os.IsNotExist(err), "untracked marker must be removed")
}

func TestIdentificationBranches(t *testing.T) {
	writeIdent := func(env *testEnv, id string, ident analysis.Identification) {
		require.NoError(t, env.docs.Save(env.paths.Analysis(id).Ident(), &ident))
	}
	identDone := func(env *testEnv, id string) {
		env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindIdentification, AnalysisID: id})
	}

	t.Run("selected", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.submit(t, defaultSettings())
		writeIdent(env, a.ID, analysis.Identification{
			Selected: true, Identified: true,
			Target: &analysis.Target{Category: analysis.CategoryFile, Filename: "x.exe"},
		})
		identDone(env, a.ID)

		loaded := env.loadAnalysis(t, a.ID)
		require.Equal(t, analysis.StatePendingPre, loaded.State)
		require.Equal(t, "x.exe", loaded.Target.Filename)
	})

	t.Run("selected manual", func(t *testing.T) {
		env := newTestEnv(t)
		settings := defaultSettings()
		settings.Manual = true
		a := env.submit(t, settings)
		writeIdent(env, a.ID, analysis.Identification{Selected: true, Identified: true})
		identDone(env, a.ID)
		require.Equal(t, analysis.StateWaitingManual, env.loadAnalysis(t, a.ID).State)
	})

	t.Run("identified but not selected", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.submit(t, defaultSettings())
		writeIdent(env, a.ID, analysis.Identification{Selected: false, Identified: true})
		identDone(env, a.ID)
		require.Equal(t, analysis.StateNoSelected, env.loadAnalysis(t, a.ID).State)
	})

	t.Run("unidentified continues by default", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.submit(t, defaultSettings())
		writeIdent(env, a.ID, analysis.Identification{})
		identDone(env, a.ID)
		require.Equal(t, analysis.StatePendingPre, env.loadAnalysis(t, a.ID).State)
	})

	t.Run("unidentified canceled when configured", func(t *testing.T) {
		env := newTestEnv(t)
		env.ctrl.CancelUnidentified = true
		a := env.submit(t, defaultSettings())
		writeIdent(env, a.ID, analysis.Identification{})
		identDone(env, a.ID)
		require.Equal(t, analysis.StateNoSelected, env.loadAnalysis(t, a.ID).State)
	})

	t.Run("missing artifact is fatal", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.submit(t, defaultSettings())
		identDone(env, a.ID)

		loaded := env.loadAnalysis(t, a.ID)
		require.Equal(t, analysis.StateFatalError, loaded.State)
		require.NotEmpty(t, loaded.Errors.Fatal)
	})
}

func TestManualSettings(t *testing.T) {
	env := newTestEnv(t)
	settings := defaultSettings()
	settings.Manual = true
	a := env.submit(t, settings)
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Ident(),
		&analysis.Identification{Selected: true, Identified: true}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindIdentification, AnalysisID: a.ID})
	require.Equal(t, analysis.StateWaitingManual, env.loadAnalysis(t, a.ID).State)

	chosen := analysis.Settings{
		Priority:  3,
		Platforms: []analysis.Platform{{Platform: "linux"}},
	}
	env.dispatch(t, ManualSetSettingsMsg{
		Subject: SubjectManualSetSettings, AnalysisID: a.ID, Settings: chosen,
	})

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StatePendingPre, loaded.State)
	require.Equal(t, 3, loaded.Settings.Priority)
	// Stays flagged as manually configured even though the operator
	// message did not set the flag.
	require.True(t, loaded.Settings.Manual)
	require.Equal(t, "linux", loaded.Settings.Platforms[0].Platform)
}

// advanceToPendingPre walks a fresh analysis to the pre stage.
func advanceToPendingPre(t *testing.T, env *testEnv, settings analysis.Settings) *analysis.Analysis {
	t.Helper()
	a := env.submit(t, settings)
	env.dispatch(t, TrackNewMsg{Subject: SubjectTrackNew, AnalysisID: a.ID})
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Ident(),
		&analysis.Identification{Selected: true, Identified: true}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindIdentification, AnalysisID: a.ID})
	require.Equal(t, analysis.StatePendingPre, env.loadAnalysis(t, a.ID).State)
	return a
}

func TestPreDoneCreatesTasks(t *testing.T) {
	env := newTestEnv(t)
	poked := 0
	env.ctrl.OnTasksAdded = func() { poked++ }

	a := advanceToPendingPre(t, env, analysis.Settings{
		Priority: 1,
		Platforms: []analysis.Platform{
			{Platform: "windows", OSVersion: "10"},
			{Platform: "linux"},
		},
	})
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Pre(), &analysis.Pre{
		Score: 4, Tags: []string{"macros"},
	}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindPre, AnalysisID: a.ID})

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateTasksPending, loaded.State)
	require.Equal(t, 4, loaded.Score)
	require.Equal(t, []string{"macros"}, loaded.Tags)
	require.Len(t, loaded.Tasks, 2)
	require.Equal(t, 1, poked)

	tk := env.loadTask(t, loaded.Tasks[0].ID)
	require.Equal(t, task.StatePending, tk.State)
	require.Equal(t, "windows", tk.Platform)
}

func TestPreDonePlatformOverwrite(t *testing.T) {
	env := newTestEnv(t)
	a := advanceToPendingPre(t, env, defaultSettings())
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Pre(), &analysis.Pre{
		Platforms: []analysis.Platform{{Platform: "linux"}, {Platform: "android"}},
	}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindPre, AnalysisID: a.ID})

	loaded := env.loadAnalysis(t, a.ID)
	require.Len(t, loaded.Tasks, 2)
	require.Equal(t, "linux", loaded.Tasks[0].Platform)
	require.Equal(t, "android", loaded.Tasks[1].Platform)
}

func TestPreDoneNoResources(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.Finder = denyAllFinder{}
	a := advanceToPendingPre(t, env, defaultSettings())
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Pre(), &analysis.Pre{}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindPre, AnalysisID: a.ID})

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateFatalError, loaded.State)
	require.NotEmpty(t, loaded.Errors.Errors, "skip reasons must be recorded")
}

func TestWorkFailed(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, defaultSettings())
	env.dispatch(t, WorkFailedMsg{
		Subject: SubjectWorkFailed, Kind: KindIdentification,
		AnalysisID: a.ID, Error: "yara rules unreadable",
	})

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateFatalError, loaded.State)
	require.Contains(t, loaded.Errors.Fatal[0], "yara rules unreadable")
}

// advanceToTasksPending walks an analysis all the way to created tasks.
func advanceToTasksPending(t *testing.T, env *testEnv, settings analysis.Settings) *analysis.Analysis {
	t.Helper()
	a := advanceToPendingPre(t, env, settings)
	require.NoError(t, env.docs.Save(env.paths.Analysis(a.ID).Pre(), &analysis.Pre{}))
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindPre, AnalysisID: a.ID})
	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateTasksPending, loaded.State)
	return loaded
}

func TestTaskLifecycleToFinished(t *testing.T) {
	env := newTestEnv(t)
	a := advanceToTasksPending(t, env, defaultSettings())
	taskID := a.Tasks[0].ID

	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-1"))
	env.drain(t)
	tk := env.loadTask(t, taskID)
	require.Equal(t, task.StateRunning, tk.State)
	require.Equal(t, "win10-1", tk.Machine)
	require.NotNil(t, tk.StartedOn)

	// The machine side leaves run errors behind; they must be merged
	// exactly once.
	runErrors := errtrack.New()
	runErrors.AddError("agent connection flapped")
	require.NoError(t, runErrors.WriteFile(env.paths.Task(taskID).RunErrors()))

	env.dispatch(t, TaskRunDoneMsg{Subject: SubjectTaskRunDone, AnalysisID: a.ID, TaskID: taskID})
	tk = env.loadTask(t, taskID)
	require.Equal(t, task.StatePendingPost, tk.State)
	require.Contains(t, tk.Errors.Errors, "agent connection flapped")
	_, err := os.Stat(env.paths.Task(taskID).RunErrors())
	require.True(t, os.IsNotExist(err), "merged error file must be deleted")

	require.NoError(t, env.docs.Save(env.paths.Task(taskID).Report(), &task.Report{
		Score: 9, Tags: []string{"ransomware"}, Families: []string{"lockbit"},
	}))
	env.dispatch(t, WorkDoneMsg{
		Subject: SubjectWorkDone, Kind: KindPost, AnalysisID: a.ID, TaskID: taskID,
	})

	tk = env.loadTask(t, taskID)
	require.Equal(t, task.StateReported, tk.State)
	require.Equal(t, 9, tk.Score)

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateFinished, loaded.State)
	require.Equal(t, 9, loaded.Score)
	require.Equal(t, []string{"ransomware"}, loaded.Tags)
	require.Equal(t, []string{"lockbit"}, loaded.Families)
}

func TestTaskRunFailedFailsAnalysis(t *testing.T) {
	env := newTestEnv(t)
	a := advanceToTasksPending(t, env, defaultSettings())
	taskID := a.Tasks[0].ID

	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-1"))
	env.drain(t)
	env.dispatch(t, TaskRunFailedMsg{
		Subject: SubjectTaskRunFailed, AnalysisID: a.ID, TaskID: taskID,
		Error: "machine never reached running",
	})

	require.Equal(t, task.StateFatalError, env.loadTask(t, taskID).State)
	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateFatalError, loaded.State)
	require.Contains(t, loaded.Errors.Fatal[0], "all tasks of the analysis failed")
}

func TestTaskRequeue(t *testing.T) {
	env := newTestEnv(t)
	a := advanceToTasksPending(t, env, defaultSettings())
	taskID := a.Tasks[0].ID

	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-1"))
	env.drain(t)
	require.NoError(t, env.ctrl.RequeueTask(taskID))
	env.drain(t)

	tk := env.loadTask(t, taskID)
	require.Equal(t, task.StatePending, tk.State)
	require.Empty(t, tk.Node)
	require.Empty(t, tk.Machine)

	// The task can go through a full second attempt.
	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-2"))
	env.drain(t)
	require.Equal(t, task.StateRunning, env.loadTask(t, taskID).State)
}

func TestPostDoneMissingReportFailsTask(t *testing.T) {
	env := newTestEnv(t)
	a := advanceToTasksPending(t, env, defaultSettings())
	taskID := a.Tasks[0].ID

	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-1"))
	env.drain(t)
	env.dispatch(t, TaskRunDoneMsg{Subject: SubjectTaskRunDone, AnalysisID: a.ID, TaskID: taskID})
	env.dispatch(t, WorkDoneMsg{
		Subject: SubjectWorkDone, Kind: KindPost, AnalysisID: a.ID, TaskID: taskID,
	})

	require.Equal(t, task.StateFatalError, env.loadTask(t, taskID).State)
	require.Equal(t, analysis.StateFatalError, env.loadAnalysis(t, a.ID).State)
}

func TestUnknownSubjectIgnored(t *testing.T) {
	env := newTestEnv(t)
	reply, err := env.ctrl.handleMessage(context.Background(),
		json.RawMessage(`{"subject":"frobnicate"}`))
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Zero(t, env.ctrl.queue.size())
}

func TestInvalidAnalysisIDRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ctrl.handleMessage(context.Background(),
		json.RawMessage(`{"subject":"tracknew","analysis_id":"../../evil"}`))
	require.Error(t, err)
	require.Zero(t, env.ctrl.queue.size())
}

func TestRejectedWorkLeavesAnalysisUntouched(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, defaultSettings())

	// Pre work done without ever passing identification: the state
	// check rejects the item, the analysis stays where it was.
	env.dispatch(t, WorkDoneMsg{Subject: SubjectWorkDone, Kind: KindPre, AnalysisID: a.ID})

	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StatePendingIdentification, loaded.State)
	require.Empty(t, loaded.Errors.Fatal)
}

func TestReplayedWorkDoneIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	settings := defaultSettings()
	settings.Platforms = []analysis.Platform{
		{Platform: "windows", OSVersion: "10"},
		{Platform: "linux"},
	}
	a := advanceToTasksPending(t, env, settings)
	require.Len(t, a.Tasks, 2)
	taskID := a.Tasks[0].ID

	require.NoError(t, env.ctrl.TaskRunning(taskID, "local", "win10-1"))
	env.drain(t)
	env.dispatch(t, TaskRunDoneMsg{Subject: SubjectTaskRunDone, AnalysisID: a.ID, TaskID: taskID})
	require.NoError(t, env.docs.Save(env.paths.Task(taskID).Report(), &task.Report{Score: 5}))
	done := WorkDoneMsg{
		Subject: SubjectWorkDone, Kind: KindPost, AnalysisID: a.ID, TaskID: taskID,
	}
	env.dispatch(t, done)

	require.Equal(t, task.StateReported, env.loadTask(t, taskID).State)
	require.Equal(t, analysis.StateTasksPending, env.loadAnalysis(t, a.ID).State)

	// The IPC layer may deliver a completion notice twice. The second
	// copy is rejected by the state check and must change nothing.
	env.dispatch(t, done)

	require.Equal(t, task.StateReported, env.loadTask(t, taskID).State)
	require.Equal(t, task.StatePending, env.loadTask(t, a.Tasks[1].ID).State)
	loaded := env.loadAnalysis(t, a.ID)
	require.Equal(t, analysis.StateTasksPending, loaded.State)
	require.Empty(t, loaded.Errors.Fatal)
}

func TestServerIntegration(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.Workers = 2
	env.ctrl.CountMachines = func() int { return 3 }
	a := env.submit(t, defaultSettings())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.ctrl.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	var client *ipc.Client
	require.Eventually(t, func() bool {
		var err error
		client, err = ipc.Dial(env.paths.ControllerSocket())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer client.Close()

	require.NoError(t, client.Notify(TrackNewMsg{Subject: SubjectTrackNew, AnalysisID: a.ID}))
	require.Eventually(t, func() bool {
		_, err := os.Stat(env.paths.Untracked(a.ID))
		return os.IsNotExist(err)
	}, 10*time.Second, 100*time.Millisecond)

	var status StatusReply
	require.NoError(t, client.Request(map[string]string{"subject": SubjectStatus}, &status))
	require.Equal(t, 1, status.AnalysesByState[analysis.StatePendingIdentification])
	require.Equal(t, 3, status.TrackedMachines)
}
