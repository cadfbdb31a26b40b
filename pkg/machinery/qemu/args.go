package qemu

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// DisposableDiskPlaceholder must appear in the configured start
// arguments of every machine; it is replaced with the path of the
// per-boot disposable disk copy.
const DisposableDiskPlaceholder = "%DISPOSABLE_DISK_PATH%"

// Arguments the driver must control itself. A machine configured with
// any of these would fight the snapshot restore or the monitor setup.
var illegalStartArgs = []string{
	"-incoming",
	"-monitor",
	"-qmp",
	"-qmp-pretty",
	"-loadvm",
	"-no-shutdown",
	"-snapshot",
}

// ErrInvalidStartArgs implements "error", for the description see Error.
type ErrInvalidStartArgs struct {
	Machine string
	Err     error
}

func (err ErrInvalidStartArgs) Error() string {
	return fmt.Sprintf("invalid start arguments for machine '%s': %v", err.Machine, err.Err)
}

func (err ErrInvalidStartArgs) Unwrap() error {
	return err.Err
}

// ValidateStartArgs checks the configured QEMU arguments of a machine:
// the disposable disk placeholder must be present and none of the
// driver-controlled arguments may be.
func ValidateStartArgs(machineName string, args []string) error {
	var result *multierror.Error

	placeholder := false
	for _, arg := range args {
		if strings.Contains(arg, DisposableDiskPlaceholder) {
			placeholder = true
		}
		for _, illegal := range illegalStartArgs {
			if arg == illegal {
				result = multierror.Append(result, fmt.Errorf(
					"argument '%s' is controlled by the driver and cannot be configured", illegal,
				))
			}
		}
	}
	if !placeholder {
		result = multierror.Append(result, fmt.Errorf(
			"arguments must reference the disposable disk via '%s'", DisposableDiskPlaceholder,
		))
	}

	if err := result.ErrorOrNil(); err != nil {
		return ErrInvalidStartArgs{Machine: machineName, Err: err}
	}
	return nil
}

// expandStartArgs substitutes the disposable disk placeholder.
func expandStartArgs(args []string, disposableDisk string) []string {
	expanded := make([]string, len(args))
	for idx, arg := range args {
		expanded[idx] = strings.ReplaceAll(arg, DisposableDiskPlaceholder, disposableDisk)
	}
	return expanded
}
