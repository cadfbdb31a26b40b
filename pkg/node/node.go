// Package node abstracts where a task's machine run happens. The only
// implementation today runs machines on the local host; the interface
// keeps the scheduler ignorant of that.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/immune-gmbh/dsas/pkg/machinery"
	"github.com/immune-gmbh/dsas/pkg/task"
)

// DefaultRunDuration is how long a machine runs a task when the task
// does not bring its own timeout.
const DefaultRunDuration = 120 * time.Second

// Node is one place that can run tasks on analysis machines.
type Node interface {
	// Name identifies the node in task documents and logs.
	Name() string

	// Ready reports whether the node currently accepts work.
	Ready() bool

	// Machines is the node's machine pool.
	Machines() *machinery.List

	// Routes lists the network route types this node can provide.
	Routes() []string

	// StartTask performs the machine run of a task on the given,
	// already acquired machine. Blocks until the run is over.
	StartTask(ctx context.Context, t *task.Task, machine *machinery.Machine) error
}

// Local runs analysis machines on this host through the registered
// machinery drivers.
type Local struct {
	NodeName    string
	MachineList *machinery.List
	RouteTypes  []string
}

func (n *Local) Name() string {
	if n.NodeName == "" {
		return "local"
	}
	return n.NodeName
}

func (n *Local) Ready() bool {
	return n.MachineList.Count() > 0
}

func (n *Local) Machines() *machinery.List {
	return n.MachineList
}

func (n *Local) Routes() []string {
	return n.RouteTypes
}

// StartTask boots the machine from its snapshot, lets the sample run
// for the task's timeout and powers the machine back off. The stop
// also runs when the run is aborted, a machine must never outlive its
// task.
func (n *Local) StartTask(ctx context.Context, t *task.Task, machine *machinery.Machine) error {
	log := logger.FromCtx(ctx)
	driver, err := machinery.Get(machine.Machinery)
	if err != nil {
		return err
	}

	if err := driver.RestoreStart(ctx, machine.Name); err != nil {
		return fmt.Errorf("unable to start machine '%s' for task '%s': %w", machine.Name, t.ID, err)
	}
	defer func() {
		// The stop must happen even when ctx is already canceled.
		if err := driver.Stop(context.Background(), machine.Name); err != nil {
			log.Errorf("unable to stop machine '%s' after task '%s': %v", machine.Name, t.ID, err)
		}
	}()

	duration := DefaultRunDuration
	if t.Timeout > 0 {
		duration = time.Duration(t.Timeout) * time.Second
	}
	log.Infof("task '%s' running on machine '%s' for %s", t.ID, machine.Name, duration)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
	}
	return nil
}
