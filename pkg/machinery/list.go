package machinery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// List is the scheduler's view of every machine of every loaded
// machinery. All lock and state bookkeeping goes through it.
type List struct {
	mu       sync.RWMutex
	machines []*Machine
}

// NewList returns a list over the given machines.
func NewList(machines ...*Machine) *List {
	return &List{machines: machines}
}

// Add appends the machines of a freshly initialized machinery.
func (l *List) Add(machines ...*Machine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.machines = append(l.machines, machines...)
}

// Count returns the total number of machines.
func (l *List) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.machines)
}

// CountAvailable returns the number of machines a task could lock right
// now.
func (l *List) CountAvailable() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, m := range l.machines {
		if m.Available() {
			count++
		}
	}
	return count
}

// HasMachineWith reports whether any non-disabled machine fulfills the
// requirements, locked or not. Used for the resource check at task
// creation: a locked machine frees up eventually, a missing one never.
func (l *List) HasMachineWith(platform, osVersion string, tags []string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.machines {
		if !m.Disabled && m.Fulfills(platform, osVersion, tags) {
			return true
		}
	}
	return false
}

// AcquireFor locks an available machine fulfilling the requirements for
// the given task.
func (l *List) AcquireFor(taskID, platform, osVersion string, tags []string) (*Machine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.machines {
		if !m.Available() || !m.Fulfills(platform, osVersion, tags) {
			continue
		}
		m.Locked = true
		m.LockedBy = taskID
		return m, nil
	}
	return nil, ErrNoMachineAvailable{Platform: platform, OSVersion: osVersion, Tags: tags}
}

// Release unlocks a machine after its task is done with it.
func (l *List) Release(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.byName(name)
	if m == nil {
		return ErrMachineNotFound{Name: name}
	}
	m.Locked = false
	m.LockedBy = ""
	return nil
}

// Disable takes a misbehaving machine out of rotation.
func (l *List) Disable(name, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.byName(name)
	if m == nil {
		return ErrMachineNotFound{Name: name}
	}
	m.Disabled = true
	m.DisabledReason = reason
	return nil
}

// SetState updates the bookkept state of a machine.
func (l *List) SetState(name, state string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.byName(name)
	if m == nil {
		return ErrMachineNotFound{Name: name}
	}
	m.State = state
	return nil
}

// Snapshot returns copies of all machines for read-only consumers.
func (l *List) Snapshot() []Machine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	machines := make([]Machine, 0, len(l.machines))
	for _, m := range l.machines {
		machines = append(machines, *m)
	}
	return machines
}

// Dump atomically writes the machine list to path, so other processes
// can read the deployment's machine inventory.
func (l *List) Dump(path string) error {
	b, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("unable to serialize machine list: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("unable to create temp file for machine dump: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("unable to write machine dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to close machine dump: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to replace machine dump '%s': %w", path, err)
	}
	return nil
}

// LoadDump reads a machine list dump written by Dump.
func LoadDump(path string) ([]Machine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read machine dump '%s': %w", path, err)
	}
	var machines []Machine
	if err := json.Unmarshal(b, &machines); err != nil {
		return nil, fmt.Errorf("unable to parse machine dump '%s': %w", path, err)
	}
	return machines, nil
}

func (l *List) byName(name string) *Machine {
	for _, m := range l.machines {
		if m.Name == name {
			return m
		}
	}
	return nil
}
