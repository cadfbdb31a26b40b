package machinery

import (
	"context"
)

// Machine states as reported by the drivers.
const (
	StatePoweroff = "poweroff"
	StateStarting = "starting"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateStopping = "stopping"
	StateError    = "error"
)

// Machine is one analysis machine of a machinery driver. The scheduler
// hands a machine to at most one task at a time; Lock bookkeeping lives
// on the List the machine belongs to.
type Machine struct {
	Name           string   `json:"name"`
	Label          string   `json:"label,omitempty"`
	Platform       string   `json:"platform"`
	OSVersion      string   `json:"os_version,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	IP             string   `json:"ip,omitempty"`
	Machinery      string   `json:"machinery"`
	State          string   `json:"state"`
	Locked         bool     `json:"locked"`
	LockedBy       string   `json:"locked_by,omitempty"`
	Disabled       bool     `json:"disabled"`
	DisabledReason string   `json:"disabled_reason,omitempty"`
}

// Available reports whether the machine can be handed to a task.
func (m *Machine) Available() bool {
	return !m.Locked && !m.Disabled
}

// Fulfills reports whether the machine satisfies the given requirements.
// Empty requirement fields match anything.
func (m *Machine) Fulfills(platform, osVersion string, tags []string) bool {
	if platform != "" && m.Platform != platform {
		return false
	}
	if osVersion != "" && m.OSVersion != osVersion {
		return false
	}
	have := map[string]struct{}{}
	for _, tag := range m.Tags {
		have[tag] = struct{}{}
	}
	for _, tag := range tags {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// Machinery is a driver for one kind of analysis machine. Drivers are
// expected to be safe for concurrent use; the scheduler calls them from
// multiple task starters at once.
type Machinery interface {
	// Name is the unique configured name of this driver instance.
	Name() string

	// Init discovers and verifies the configured machines.
	Init(ctx context.Context) error

	// Machines returns the machines this driver owns.
	Machines() []*Machine

	// RestoreStart boots a machine from its snapshot into a disposable
	// copy of its disk. The machine must currently be powered off.
	RestoreStart(ctx context.Context, name string) error

	// Stop powers a machine off, forcefully if it does not cooperate.
	Stop(ctx context.Context, name string) error

	// HandlePaused resumes a machine that booted into a paused state.
	HandlePaused(ctx context.Context, name string) error

	// State queries the current state of a machine.
	State(ctx context.Context, name string) (string, error)

	// CleanAll releases the leftovers of all machines, running or not.
	// Called once during startup and once during shutdown.
	CleanAll(ctx context.Context) error
}
