package qemu

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Process is a started emulator process. Wrapped behind an interface so
// tests can drive the driver without booting anything.
type Process interface {
	// Exited reports whether the process has terminated.
	Exited() bool
	// Kill terminates the process without ceremony.
	Kill() error
	// Wait blocks until the process terminates.
	Wait() error
}

// Runner starts and runs host commands for the driver: qemu-system for
// machines, qemu-img for disk work.
type Runner interface {
	// Run executes a command to completion and returns its combined
	// output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a long-running process.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command '%s' failed: %w: %s", name, err, out)
	}
	return out, nil
}

func (ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start '%s': %w", name, err)
	}
	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
	}()
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
