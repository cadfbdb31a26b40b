package machines

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/immune-gmbh/dsas/cmd/dsasctl/commands"
	"github.com/immune-gmbh/dsas/pkg/machinery"
)

// Command is the implementation of `commands.Command`.
type Command struct {
	allFlag *bool
}

// Usage prints the syntax of arguments for this command
func (cmd Command) Usage() string {
	return ""
}

// Description explains what this verb commands to do
func (cmd Command) Description() string {
	return "list the machines known to the daemon"
}

// SetupFlagSet is called to allow the command implementation
// to setup which option flags it has.
func (cmd *Command) SetupFlagSet(flag *flag.FlagSet) {
	cmd.allFlag = flag.Bool("all", false, "include disabled machines")
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
func (cmd Command) Execute(ctx context.Context, cfg commands.Config, args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("error: too many parameters")}
	}

	dump, err := machinery.LoadDump(cfg.Paths.MachinesDump())
	if err != nil {
		return fmt.Errorf("unable to load the machine dump (is the daemon running?): %w", err)
	}

	fmt.Printf("%-20s %-12s %-12s %-10s %-15s %-20s %s\n",
		"NAME", "PLATFORM", "OS VERSION", "STATE", "IP", "TAGS", "LOCKED BY")
	for _, m := range dump {
		if m.Disabled && !*cmd.allFlag {
			continue
		}
		c := color.New()
		switch {
		case m.Disabled:
			c = color.New(color.FgRed)
		case m.Locked:
			c = color.New(color.FgYellow)
		case m.State == machinery.StateRunning:
			c = color.New(color.FgCyan)
		}
		lockedBy := m.LockedBy
		if m.Disabled {
			lockedBy = "disabled: " + m.DisabledReason
		}
		c.Printf("%-20s %-12s %-12s %-10s %-15s %-20s %s\n",
			m.Name, m.Platform, m.OSVersion, m.State, m.IP,
			strings.Join(m.Tags, ","), lockedBy)
	}
	return nil
}
