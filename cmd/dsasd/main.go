package main

import (
	"context"
	"encoding/json"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/docfile"
	"github.com/immune-gmbh/dsas/pkg/lockmap"
	"github.com/immune-gmbh/dsas/pkg/machinery"
	"github.com/immune-gmbh/dsas/pkg/machinery/qemu"
	"github.com/immune-gmbh/dsas/pkg/node"
	"github.com/immune-gmbh/dsas/pkg/observability"
	"github.com/immune-gmbh/dsas/pkg/scheduler"
	"github.com/immune-gmbh/dsas/pkg/storage"
	"github.com/immune-gmbh/dsas/pkg/task"
	"github.com/immune-gmbh/dsas/pkg/untracked"
	"github.com/immune-gmbh/dsas/pkg/workdir"
	"github.com/immune-gmbh/dsas/server/controller"
)

const docCacheSizeDefault = 256

func assertNoError(ctx context.Context, err error) {
	if err != nil {
		logger.FromCtx(ctx).Fatalf("%v", err)
	}
}

func usageExit() {
	pflag.Usage()
	os.Exit(2) // The default Go's exitcode on flag.Parse() problems
}

func main() {
	logLevel := logger.LevelInfo // the default value

	pflag.Var(&logLevel, "log-level", "logging level")
	netPprofAddr := pflag.String("net-pprof-addr", "", "if non-empty then listens with net/http/pprof")
	workDir := pflag.String("workdir", "/srv/dsas", "the sandbox work directory")
	rdbmsDriver := pflag.String("rdbms-driver", "sqlite3", "")
	rdbmsDSN := pflag.String("rdbms-dsn", "", "defaults to a sqlite database inside the work directory")
	workers := pflag.Uint("workers", controller.DefaultWorkers, "amount of state transition workers")
	starters := pflag.Uint("starters", scheduler.DefaultStarters, "amount of concurrent task starts")
	cancelUnidentified := pflag.Bool("cancel-unidentified", false, "cancel analyses whose target could not be identified instead of analyzing them anyway")
	cancelAbandoned := pflag.Bool("cancel-abandoned", false, "fail tasks that were mid-run during the last shutdown instead of requeueing them")
	docCacheSize := pflag.Int("doc-cache-size", docCacheSizeDefault, "defines the size of the entity document read cache")
	machineryConfig := pflag.String("machinery-config", "", "path to a QEMU machinery configuration file")
	nodeRoutes := pflag.StringSlice("node-routes", nil, "network route types this node provides")
	pflag.Parse()
	if pflag.NArg() != 0 {
		usageExit()
	}

	ctx := observability.WithBelt(
		context.Background(),
		logLevel,
		"DSAS", true,
	)
	log := logger.FromCtx(ctx)

	if *netPprofAddr != "" {
		go func() {
			err := http.ListenAndServe(*netPprofAddr, nil)
			log.Errorf("unable to start listening for https/net/pprof: %v", err)
		}()
	}

	paths, err := workdir.New(*workDir)
	assertNoError(ctx, err)
	assertNoError(ctx, paths.EnsureLayout())

	docs, err := docfile.New(*docCacheSize)
	assertNoError(ctx, err)

	dsn := *rdbmsDSN
	if dsn == "" && *rdbmsDriver == "sqlite3" {
		dsn = filepath.Join(paths.Base(), "dsas.db")
	}
	stor, err := storage.New(*rdbmsDriver, dsn, log)
	assertNoError(ctx, err)
	defer stor.Close()
	assertNoError(ctx, stor.InitSchema(ctx))

	machines := machinery.NewList()
	if *machineryConfig != "" {
		cfg, err := loadMachineryConfig(*machineryConfig)
		assertNoError(ctx, err)
		driver := qemu.New(*cfg, paths, qemu.ExecRunner{})
		assertNoError(ctx, driver.Init(ctx))
		assertNoError(ctx, driver.CleanAll(ctx))
		assertNoError(ctx, machinery.Register(driver))
		machines.Add(driver.Machines()...)
		log.Infof("machinery '%s' provides %d machines", driver.Name(), machines.Count())
	} else {
		log.Warnf("no machinery configured, tasks will never be scheduled")
	}
	assertNoError(ctx, machines.Dump(paths.MachinesDump()))

	taskRepo := task.NewRepository(docs, paths, stor)
	sched := &scheduler.Scheduler{
		Starters:        int(*starters),
		CancelAbandoned: *cancelAbandoned,
		Store:           stor,
		Tasks:           taskRepo,
		DumpMachines: func() {
			if err := machines.Dump(paths.MachinesDump()); err != nil {
				log.Errorf("unable to dump machine list: %v", err)
			}
		},
	}
	sched.AddNode(&node.Local{MachineList: machines, RouteTypes: *nodeRoutes})

	ctrl := &controller.Controller{
		Workers:            int(*workers),
		CancelUnidentified: *cancelUnidentified,
		Locks:              lockmap.NewLockMap(),
		Analyses:           analysis.NewRepository(docs, paths, stor),
		Tasks:              taskRepo,
		Store:              stor,
		Paths:              paths,
		Finder:             sched,
		OnTasksAdded:       sched.Poke,
		CountMachines:      machines.Count,
	}
	sched.Events = ctrl

	watcher := &untracked.Watcher{
		Paths: paths,
		OnUntracked: func(analysisID string) {
			if err := ctrl.TrackAnalysis(analysisID); err != nil {
				log.Errorf("unable to queue tracking of analysis '%s': %v", analysisID, err)
			}
		},
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- ctrl.Start(runCtx) }()
	go func() { errs <- sched.Start(runCtx) }()
	go func() { errs <- watcher.Run(runCtx) }()

	<-runCtx.Done()
	log.Infof("shutting down")
	ctrl.Stop()
	sched.Stop()

	var result *multierror.Error
	for i := 0; i < 3; i++ {
		result = multierror.Append(result, <-errs)
	}
	for _, driver := range machinery.All() {
		result = multierror.Append(result, driver.CleanAll(ctx))
	}
	assertNoError(ctx, result.ErrorOrNil())
	log.Infof("bye")
}

func loadMachineryConfig(path string) (*qemu.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg qemu.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "qemu"
	}
	if cfg.DisposableDir == "" {
		cfg.DisposableDir = filepath.Join(filepath.Dir(path), "disposables")
	}
	return &cfg, nil
}
