package machinery

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = map[string]Machinery{}
)

// Register adds an initialized machinery driver to the process-wide
// registry. Registering the same name twice is a programming error.
func Register(m Machinery) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[m.Name()]; ok {
		return fmt.Errorf("machinery '%s' is already registered", m.Name())
	}
	registry[m.Name()] = m
	return nil
}

// Get returns a registered machinery by name.
func Get(name string) (Machinery, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no machinery '%s' is registered", name)
	}
	return m, nil
}

// All returns every registered machinery, ordered by name.
func All() []Machinery {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	machineries := make([]Machinery, 0, len(names))
	for _, name := range names {
		machineries = append(machineries, registry[name])
	}
	return machineries
}

// Unregister removes a machinery from the registry. Used on shutdown
// and by tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}
