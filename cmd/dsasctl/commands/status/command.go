package status

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands"
	"github.com/immune-gmbh/dsas/pkg/ipc"
	"github.com/immune-gmbh/dsas/server/controller"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	timeoutFlag *time.Duration
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return ""
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "show the state counters of the running daemon"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.timeoutFlag = flag.Duration("timeout", ipc.DefaultTimeout, "socket request timeout")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("error: too many parameters")}
	}

	client, err := ipc.DialTimeout(cfg.Paths.ControllerSocket(), *cmd.timeoutFlag)
	if err != nil {
		return fmt.Errorf("unable to reach the daemon at '%s': %w", cfg.Paths.ControllerSocket(), err)
	}
	defer client.Close()

	var reply controller.StatusReply
	if err := client.Request(map[string]string{"subject": controller.SubjectStatus}, &reply); err != nil {
		return fmt.Errorf("unable to query the daemon status: %w", err)
	}

	if cfg.IsQuiet {
		return nil
	}

	printCounters("Analyses", reply.AnalysesByState)
	printCounters("Tasks", reply.TasksByState)
	fmt.Printf("\nQueued work:      %d\n", reply.QueuedWork)
	fmt.Printf("Tracked machines: %d\n", reply.TrackedMachines)
	return nil
}

var stateColors = map[string]*color.Color{
	"fatal_error": color.New(color.FgRed),
	"finished":    color.New(color.FgGreen),
	"reported":    color.New(color.FgGreen),
	"running":     color.New(color.FgCyan),
}

func printCounters(title string, counters map[string]int) {
	fmt.Printf("%s:\n", title)
	states := make([]string, 0, len(counters))
	for state := range counters {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		c := stateColors[state]
		if c == nil {
			c = color.New()
		}
		c.Printf("    %-24s %d\n", state, counters[state])
	}
}
