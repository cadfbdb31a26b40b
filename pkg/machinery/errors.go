package machinery

import (
	"fmt"
	"strings"
	"time"
)

// ErrMachineNotFound implements "error", for the description see Error.
type ErrMachineNotFound struct {
	Name string
}

func (err ErrMachineNotFound) Error() string {
	return fmt.Sprintf("machine '%s' does not exist", err.Name)
}

// ErrNoMachineAvailable implements "error", for the description see Error.
type ErrNoMachineAvailable struct {
	Platform  string
	OSVersion string
	Tags      []string
}

func (err ErrNoMachineAvailable) Error() string {
	requirements := err.Platform
	if err.OSVersion != "" {
		requirements += " " + err.OSVersion
	}
	if len(err.Tags) > 0 {
		requirements += " [" + strings.Join(err.Tags, ",") + "]"
	}
	return fmt.Sprintf("no machine fulfilling '%s' is available", requirements)
}

// ErrUnexpectedState implements "error", for the description see Error.
type ErrUnexpectedState struct {
	Machine  string
	State    string
	Expected string
}

func (err ErrUnexpectedState) Error() string {
	return fmt.Sprintf(
		"machine '%s' is in state '%s', expected '%s'",
		err.Machine, err.State, err.Expected,
	)
}

// ErrStateTimeout implements "error", for the description see Error.
type ErrStateTimeout struct {
	Machine   string
	WantState string
	Waited    time.Duration
}

func (err ErrStateTimeout) Error() string {
	return fmt.Sprintf(
		"machine '%s' did not reach state '%s' within %s",
		err.Machine, err.WantState, err.Waited,
	)
}

// ErrMachineryFailure implements "error", for the description see Error.
type ErrMachineryFailure struct {
	Machinery string
	Err       error
}

func (err ErrMachineryFailure) Error() string {
	return fmt.Sprintf("machinery '%s' failed: %v", err.Machinery, err.Err)
}

func (err ErrMachineryFailure) Unwrap() error {
	return err.Err
}
