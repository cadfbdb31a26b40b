// Package commands defines the verb interface of dsasctl.
package commands

import (
	"context"
	"flag"
	"fmt"

	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// Command is one dsasctl verb.
type Command interface {
	// Usage prints the syntax of arguments for this command
	Usage() string

	// Description explains what this verb commands to do
	Description() string

	// SetupFlagSet is called to allow the command implementation
	// to setup which option flags it has.
	SetupFlagSet(flag *flag.FlagSet)

	// Execute is the main function here. It is responsible to
	// start the execution of the command.
	//
	// `args` are the arguments left unused by verb itself and options.
	Execute(ctx context.Context, cfg Config, args []string) error
}

// Config carries the knobs shared by all verbs.
type Config struct {
	IsQuiet bool
	Paths   *workdir.Root
}

// ExitCoder is an error signature used to override the exitcode in the end
// of main.main.
type ExitCoder interface {
	ExitCode() int
}

type ErrArgs struct {
	Err error
}

func (err ErrArgs) Error() string {
	return fmt.Sprintf("invalid arguments: %v", err.Err)
}

func (err ErrArgs) Unwrap() error {
	return err.Err
}

func (err ErrArgs) ExitCode() int {
	return 2
}
