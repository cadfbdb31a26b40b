// Package qemu drives QEMU/KVM analysis machines: it boots them from
// memory snapshots into disposable disk overlays and controls them over
// the QEMU machine protocol.
package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/cpuid/v2"

	"github.com/immune-gmbh/dsas/pkg/machinery"
	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// MachineConfig describes one configured QEMU machine.
type MachineConfig struct {
	Name      string   `json:"name"`
	Platform  string   `json:"platform"`
	OSVersion string   `json:"os_version,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	IP        string   `json:"ip,omitempty"`
	BaseImage string   `json:"base_image"`
	Snapshot  string   `json:"snapshot"`
	StartArgs []string `json:"start_args"`
}

// Config is the configuration of one QEMU machinery instance.
type Config struct {
	Name          string          `json:"name"`
	QEMUSystem    string          `json:"qemu_system"`
	QEMUImg       string          `json:"qemu_img"`
	DisposableDir string          `json:"disposable_dir"`
	Machines      []MachineConfig `json:"machines"`
}

// Run states reported by query-status that the driver understands.
// Anything else means the machine is doing something the driver never
// asked for, which is treated as a hard error.
var runStateMapping = map[string]string{
	"inmigrate":   machinery.StateStarting,
	"postmigrate": machinery.StatePaused,
	"paused":      machinery.StatePaused,
	"running":     machinery.StateRunning,
}

func mapRunState(machineName, status string) (string, error) {
	state, ok := runStateMapping[status]
	if !ok {
		return "", machinery.ErrMachineryFailure{
			Machinery: "qemu",
			Err:       fmt.Errorf("machine '%s' reports unknown run state '%s'", machineName, status),
		}
	}
	return state, nil
}

type instance struct {
	mu sync.Mutex

	cfg            MachineConfig
	machine        *machinery.Machine
	compression    Compression
	qmp            *QMPClient
	proc           Process
	disposableDisk string
}

// QEMU implements machinery.Machinery for QEMU/KVM machines.
type QEMU struct {
	cfg    Config
	paths  *workdir.Root
	runner Runner

	qmpTimeout   time.Duration
	socketTries  int
	stopTries    int
	tryInterval  time.Duration
	bootDeadline time.Duration

	mu        sync.Mutex
	instances map[string]*instance
}

// New returns an uninitialized QEMU machinery over the given config.
func New(cfg Config, paths *workdir.Root, runner Runner) *QEMU {
	if cfg.QEMUSystem == "" {
		cfg.QEMUSystem = "qemu-system-x86_64"
	}
	if cfg.QEMUImg == "" {
		cfg.QEMUImg = "qemu-img"
	}
	return &QEMU{
		cfg:          cfg,
		paths:        paths,
		runner:       runner,
		qmpTimeout:   30 * time.Second,
		socketTries:  5,
		stopTries:    2,
		tryInterval:  time.Second,
		bootDeadline: 2 * time.Minute,
		instances:    map[string]*instance{},
	}
}

func (q *QEMU) Name() string {
	return q.cfg.Name
}

// Init verifies the host and every configured machine. Machines with a
// broken snapshot, a missing disk or unusable start arguments fail the
// whole driver; a machinery with half its machines misconfigured is an
// operator error, not something to limp along with.
func (q *QEMU) Init(ctx context.Context) error {
	log := logger.FromCtx(ctx)

	for _, binary := range []string{q.cfg.QEMUSystem, q.cfg.QEMUImg} {
		if _, err := exec.LookPath(binary); err != nil {
			return machinery.ErrMachineryFailure{
				Machinery: q.cfg.Name,
				Err:       fmt.Errorf("required binary '%s' not found: %w", binary, err),
			}
		}
	}
	if !hostSupportsAccel() {
		log.Warnf("no hardware virtualization support detected, machines will run without KVM")
	}

	if err := os.MkdirAll(q.cfg.DisposableDir, 0o755); err != nil {
		return machinery.ErrMachineryFailure{
			Machinery: q.cfg.Name,
			Err:       fmt.Errorf("unable to create disposable disk directory: %w", err),
		}
	}

	var result *multierror.Error
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, mcfg := range q.cfg.Machines {
		inst, err := q.initMachine(mcfg)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		q.instances[mcfg.Name] = inst
		log.Debugf(
			"machine '%s' verified, snapshot compression '%s'",
			mcfg.Name, inst.compression,
		)
	}
	if err := result.ErrorOrNil(); err != nil {
		return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
	}
	return nil
}

func (q *QEMU) initMachine(mcfg MachineConfig) (*instance, error) {
	if _, ok := q.instances[mcfg.Name]; ok {
		return nil, fmt.Errorf("machine '%s' is configured twice", mcfg.Name)
	}
	if err := ValidateStartArgs(mcfg.Name, mcfg.StartArgs); err != nil {
		return nil, err
	}
	if _, err := os.Stat(mcfg.BaseImage); err != nil {
		return nil, fmt.Errorf("base image of machine '%s': %w", mcfg.Name, err)
	}
	compression, err := ValidateSnapshot(mcfg.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("machine '%s': %w", mcfg.Name, err)
	}

	return &instance{
		cfg:         mcfg,
		compression: compression,
		machine: &machinery.Machine{
			Name:      mcfg.Name,
			Platform:  mcfg.Platform,
			OSVersion: mcfg.OSVersion,
			Tags:      mcfg.Tags,
			IP:        mcfg.IP,
			Machinery: q.cfg.Name,
			State:     machinery.StatePoweroff,
		},
	}, nil
}

func (q *QEMU) Machines() []*machinery.Machine {
	q.mu.Lock()
	defer q.mu.Unlock()
	machines := make([]*machinery.Machine, 0, len(q.instances))
	for _, mcfg := range q.cfg.Machines {
		if inst, ok := q.instances[mcfg.Name]; ok {
			machines = append(machines, inst.machine)
		}
	}
	return machines
}

func (q *QEMU) instance(name string) (*instance, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	inst, ok := q.instances[name]
	if !ok {
		return nil, machinery.ErrMachineNotFound{Name: name}
	}
	return inst, nil
}

// RestoreStart boots a machine from its memory snapshot. The disk the
// machine sees is a fresh qcow2 overlay over the base image, thrown
// away on stop, so a sample can never dirty the golden image.
func (q *QEMU) RestoreStart(ctx context.Context, name string) error {
	log := logger.FromCtx(ctx)
	inst, err := q.instance(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.proc != nil {
		return machinery.ErrUnexpectedState{
			Machine:  name,
			State:    inst.machine.State,
			Expected: machinery.StatePoweroff,
		}
	}

	disposableDisk := filepath.Join(q.cfg.DisposableDir, name+"_disposable.qcow2")
	_, err = q.runner.Run(ctx, q.cfg.QEMUImg,
		"create", "-f", "qcow2", "-b", inst.cfg.BaseImage, "-F", "qcow2", disposableDisk,
	)
	if err != nil {
		return machinery.ErrMachineryFailure{
			Machinery: q.cfg.Name,
			Err:       fmt.Errorf("unable to create disposable disk for '%s': %w", name, err),
		}
	}
	inst.disposableDisk = disposableDisk

	incoming, err := inst.compression.IncomingCommand(inst.cfg.Snapshot)
	if err != nil {
		q.cleanLocked(ctx, inst)
		return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
	}
	socket := q.paths.MachinerySocket(q.cfg.Name, name)
	os.Remove(socket)

	args := expandStartArgs(inst.cfg.StartArgs, disposableDisk)
	args = append(args,
		"-qmp", "unix:"+socket+",server,nowait",
		"-incoming", incoming,
	)

	log.Debugf("starting machine '%s': %s %v", name, q.cfg.QEMUSystem, args)
	proc, err := q.runner.Start(ctx, q.cfg.QEMUSystem, args...)
	if err != nil {
		q.cleanLocked(ctx, inst)
		return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
	}
	inst.proc = proc
	inst.machine.State = machinery.StateStarting

	qmp, err := q.connectQMP(ctx, inst, socket)
	if err != nil {
		q.stopProcessLocked(ctx, inst)
		q.cleanLocked(ctx, inst)
		return err
	}
	inst.qmp = qmp

	if err := q.waitRunningLocked(ctx, inst); err != nil {
		q.stopProcessLocked(ctx, inst)
		q.cleanLocked(ctx, inst)
		return err
	}
	inst.machine.State = machinery.StateRunning
	return nil
}

// connectQMP waits for the monitor socket to come up. The emulator
// exiting during the wait is reported instead of a useless dial error.
func (q *QEMU) connectQMP(ctx context.Context, inst *instance, socket string) (*QMPClient, error) {
	var lastErr error
	for try := 0; try < q.socketTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.tryInterval):
			}
		}
		if inst.proc.Exited() {
			return nil, machinery.ErrMachineryFailure{
				Machinery: q.cfg.Name,
				Err:       fmt.Errorf("emulator of machine '%s' exited during start", inst.cfg.Name),
			}
		}

		qmp := NewQMPClient(socket, q.qmpTimeout)
		if err := qmp.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		return qmp, nil
	}
	return nil, machinery.ErrMachineryFailure{
		Machinery: q.cfg.Name,
		Err: fmt.Errorf(
			"monitor of machine '%s' never became reachable: %w", inst.cfg.Name, lastErr,
		),
	}
}

// waitRunningLocked polls the run state until the snapshot restore
// completed. A machine that comes up paused is resumed.
func (q *QEMU) waitRunningLocked(ctx context.Context, inst *instance) error {
	deadline := time.Now().Add(q.bootDeadline)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := inst.qmp.QueryStatus(ctx)
		if err != nil {
			return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
		}
		state, err := mapRunState(inst.cfg.Name, status)
		if err != nil {
			return err
		}

		switch state {
		case machinery.StateRunning:
			return nil
		case machinery.StatePaused:
			if err := inst.qmp.Command(ctx, "cont"); err != nil {
				return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
			}
		}

		if time.Now().After(deadline) {
			return machinery.ErrStateTimeout{
				Machine:   inst.cfg.Name,
				WantState: machinery.StateRunning,
				Waited:    q.bootDeadline,
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.tryInterval):
		}
	}
}

// Stop powers a machine off: a polite quit over the monitor first, a
// kill if the emulator does not exit in time.
func (q *QEMU) Stop(ctx context.Context, name string) error {
	log := logger.FromCtx(ctx)
	inst, err := q.instance(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.proc == nil {
		return machinery.ErrUnexpectedState{
			Machine:  name,
			State:    machinery.StatePoweroff,
			Expected: machinery.StateRunning,
		}
	}
	inst.machine.State = machinery.StateStopping

	if inst.qmp != nil {
		if err := inst.qmp.Command(ctx, "quit"); err != nil {
			log.Debugf("quit command for machine '%s' failed: %v", name, err)
		}
	}
	for try := 0; try < q.stopTries && !inst.proc.Exited(); try++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.tryInterval):
		}
	}
	q.stopProcessLocked(ctx, inst)
	q.cleanLocked(ctx, inst)
	return nil
}

// HandlePaused resumes a machine that reports a paused run state.
func (q *QEMU) HandlePaused(ctx context.Context, name string) error {
	inst, err := q.instance(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.qmp == nil {
		return machinery.ErrUnexpectedState{
			Machine:  name,
			State:    machinery.StatePoweroff,
			Expected: machinery.StatePaused,
		}
	}
	if err := inst.qmp.Command(ctx, "cont"); err != nil {
		return machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
	}
	inst.machine.State = machinery.StateRunning
	return nil
}

// State queries the live run state of a machine.
func (q *QEMU) State(ctx context.Context, name string) (string, error) {
	inst, err := q.instance(name)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.proc == nil || inst.proc.Exited() {
		return machinery.StatePoweroff, nil
	}
	status, err := inst.qmp.QueryStatus(ctx)
	if err != nil {
		return "", machinery.ErrMachineryFailure{Machinery: q.cfg.Name, Err: err}
	}
	return mapRunState(name, status)
}

// CleanAll force-stops every machine and removes its leftovers. Used at
// startup to recover from a crashed run and at shutdown.
func (q *QEMU) CleanAll(ctx context.Context) error {
	q.mu.Lock()
	instances := make([]*instance, 0, len(q.instances))
	for _, inst := range q.instances {
		instances = append(instances, inst)
	}
	q.mu.Unlock()

	var result *multierror.Error
	for _, inst := range instances {
		inst.mu.Lock()
		q.stopProcessLocked(ctx, inst)
		q.cleanLocked(ctx, inst)
		leftover := filepath.Join(q.cfg.DisposableDir, inst.cfg.Name+"_disposable.qcow2")
		if err := os.Remove(leftover); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
		inst.mu.Unlock()
	}
	return result.ErrorOrNil()
}

func (q *QEMU) stopProcessLocked(ctx context.Context, inst *instance) {
	if inst.proc == nil || inst.proc.Exited() {
		return
	}
	if err := inst.proc.Kill(); err != nil {
		logger.FromCtx(ctx).Warnf(
			"unable to kill emulator of machine '%s': %v", inst.cfg.Name, err,
		)
	}
}

func (q *QEMU) cleanLocked(ctx context.Context, inst *instance) {
	if inst.qmp != nil {
		inst.qmp.Close()
		inst.qmp = nil
	}
	inst.proc = nil
	if inst.disposableDisk != "" {
		if err := os.Remove(inst.disposableDisk); err != nil && !os.IsNotExist(err) {
			logger.FromCtx(ctx).Warnf(
				"unable to remove disposable disk of machine '%s': %v", inst.cfg.Name, err,
			)
		}
		inst.disposableDisk = ""
	}
	inst.machine.State = machinery.StatePoweroff
}

// hostSupportsAccel reports whether the host offers hardware
// virtualization for KVM.
func hostSupportsAccel() bool {
	if cpuid.CPU.Supports(cpuid.VMX) || cpuid.CPU.Supports(cpuid.SVM) {
		return true
	}
	_, err := os.Stat("/dev/kvm")
	return err == nil
}
