package errtrack

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Container is the append-only diagnostics log attached to an analysis or
// task document. Merging containers is associative; a merged source file is
// deleted afterwards so re-merging the same diagnostics twice is guarded.
type Container struct {
	Errors []string `json:"errors"`
	Fatal  []string `json:"fatal"`
}

func (c *Container) Empty() bool {
	return len(c.Errors) == 0 && len(c.Fatal) == 0
}

func (c *Container) Merge(other Container) {
	c.Errors = append(c.Errors, other.Errors...)
	c.Fatal = append(c.Fatal, other.Fatal...)
}

// AsError flattens the container into a single error value, or nil if empty.
func (c *Container) AsError() error {
	var result *multierror.Error
	for _, s := range c.Errors {
		result = multierror.Append(result, fmt.Errorf("%s", s))
	}
	for _, s := range c.Fatal {
		result = multierror.Append(result, fmt.Errorf("fatal: %s", s))
	}
	return result.ErrorOrNil()
}

// Tracker accumulates diagnostics during one unit of work. It is safe for
// concurrent use.
type Tracker struct {
	mu        sync.Mutex
	container Container
}

func New() *Tracker {
	return &Tracker{}
}

// AddError records a non-fatal diagnostic.
func (t *Tracker) AddError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.container.Errors = append(t.container.Errors, msg)
}

// FatalError records a diagnostic that caused the owning entity to reach its
// fatal terminal state.
func (t *Tracker) FatalError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.container.Fatal = append(t.container.Fatal, msg)
}

func (t *Tracker) HasErrors() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.container.Empty()
}

// Container returns a copy of the accumulated diagnostics.
func (t *Tracker) Container() Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := Container{}
	cp.Errors = append(cp.Errors, t.container.Errors...)
	cp.Fatal = append(cp.Fatal, t.container.Fatal...)
	return cp
}

// WriteFile dumps the accumulated diagnostics to a container file, to be
// merged into the owning entity by the state controller later.
func (t *Tracker) WriteFile(path string) error {
	c := t.Container()
	b, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("unable to serialize errors container: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("unable to write errors container '%s': %w", path, err)
	}
	return nil
}

// MergeFile merges the container file at path into dst and deletes the file.
// A missing file is not an error: there simply were no diagnostics, or they
// were merged before.
func MergeFile(dst *Container, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("unable to read errors container '%s': %w", path, err)
	}

	var src Container
	if err := json.Unmarshal(b, &src); err != nil {
		return fmt.Errorf("unable to parse errors container '%s': %w", path, err)
	}

	dst.Merge(src)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to delete merged errors container '%s': %w", path, err)
	}
	return nil
}
