package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Root is the working directory of one DSAS deployment. Every entity document,
// stage result artifact and unix socket lives at a deterministic path under
// it, keyed by analysis or task id.
type Root struct {
	base string
}

var (
	analysisIDRe = regexp.MustCompile(`^[0-9]{8}-[A-Z0-9]{6}$`)
	taskIDRe     = regexp.MustCompile(`^[0-9]{8}-[A-Z0-9]{6}_[0-9]+$`)
)

// ErrInvalidID implements "error", for the description see Error.
type ErrInvalidID struct {
	ID string
}

func (err ErrInvalidID) Error() string {
	return fmt.Sprintf("invalid analysis or task id: '%s'", err.ID)
}

// New returns a Root for the given base directory. The directory itself is
// not created; call EnsureLayout for that.
func New(base string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve work directory '%s': %w", base, err)
	}
	return &Root{base: abs}, nil
}

// EnsureLayout creates the fixed directory skeleton under the root.
func (r *Root) EnsureLayout() error {
	for _, dir := range []string{
		r.base,
		r.AnalysesDir(),
		r.UntrackedDir(),
		r.SocketsDir(),
		filepath.Join(r.SocketsDir(), "machinery"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("unable to create directory '%s': %w", dir, err)
		}
	}
	return nil
}

func (r *Root) Base() string          { return r.base }
func (r *Root) AnalysesDir() string   { return filepath.Join(r.base, "analyses") }
func (r *Root) UntrackedDir() string  { return filepath.Join(r.base, "untracked") }
func (r *Root) SocketsDir() string    { return filepath.Join(r.base, "sockets") }
func (r *Root) MachinesDump() string  { return filepath.Join(r.base, "machines.json") }
func (r *Root) ControllerSocket() string {
	return filepath.Join(r.SocketsDir(), "controller.sock")
}

// MachinerySocket returns the per-machine control-protocol socket path of a
// machinery driver.
func (r *Root) MachinerySocket(machineryName, machineName string) string {
	return filepath.Join(r.SocketsDir(), "machinery", machineryName+"_"+machineName+".sock")
}

// Untracked returns the path of a marker file in the untracked directory.
func (r *Root) Untracked(analysisID string) string {
	return filepath.Join(r.UntrackedDir(), analysisID)
}

// Analysis returns the path bundle of one analysis.
func (r *Root) Analysis(analysisID string) AnalysisPaths {
	return AnalysisPaths{dir: filepath.Join(r.AnalysesDir(), analysisID)}
}

// Task returns the path bundle of one task. The task directory is nested
// under its parent analysis directory.
func (r *Root) Task(taskID string) TaskPaths {
	analysisID, _, _ := SplitTaskID(taskID)
	return TaskPaths{dir: filepath.Join(r.AnalysesDir(), analysisID, taskID)}
}

// AnalysisPaths resolves the well-known files of one analysis.
type AnalysisPaths struct {
	dir string
}

func (p AnalysisPaths) Dir() string      { return p.dir }
func (p AnalysisPaths) Document() string { return filepath.Join(p.dir, "analysis.json") }

// Sample is the submitted file of a file-category analysis.
func (p AnalysisPaths) Sample() string { return filepath.Join(p.dir, "sample") }

// Ident is the identification stage result artifact.
func (p AnalysisPaths) Ident() string { return filepath.Join(p.dir, "ident.json") }

// Pre is the pre-analysis stage result artifact.
func (p AnalysisPaths) Pre() string { return filepath.Join(p.dir, "pre.json") }

// ProcessingErrors is written by processing workers and merged into the
// analysis document by the controller.
func (p AnalysisPaths) ProcessingErrors() string {
	return filepath.Join(p.dir, "processing-errors.json")
}

// TaskPaths resolves the well-known files of one task.
type TaskPaths struct {
	dir string
}

func (p TaskPaths) Dir() string      { return p.dir }
func (p TaskPaths) Document() string { return filepath.Join(p.dir, "task.json") }

// Report is the post-analysis stage result artifact.
func (p TaskPaths) Report() string { return filepath.Join(p.dir, "report.json") }

func (p TaskPaths) RunErrors() string {
	return filepath.Join(p.dir, "run-errors.json")
}

func (p TaskPaths) ProcessingErrors() string {
	return filepath.Join(p.dir, "processing-errors.json")
}

func (p TaskPaths) Logs() string { return filepath.Join(p.dir, "logs") }

// NewAnalysisID generates a fresh analysis id: a day component for operator
// ergonomics plus a random component for uniqueness.
func NewAnalysisID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
	return now.UTC().Format("20060102") + "-" + suffix
}

// TaskID derives the deterministic id of task 'number' of an analysis.
func TaskID(analysisID string, number int) string {
	return fmt.Sprintf("%s_%d", analysisID, number)
}

// SplitTaskID splits a task id into its analysis id and task number.
func SplitTaskID(taskID string) (analysisID string, number int, err error) {
	idx := strings.LastIndex(taskID, "_")
	if idx < 0 {
		return "", 0, ErrInvalidID{ID: taskID}
	}
	number, err = strconv.Atoi(taskID[idx+1:])
	if err != nil {
		return "", 0, ErrInvalidID{ID: taskID}
	}
	return taskID[:idx], number, nil
}

// ValidAnalysisID reports whether a string is shaped like an analysis id.
// Used before joining untrusted ids into filesystem paths.
func ValidAnalysisID(id string) bool {
	return analysisIDRe.MatchString(id)
}

// ValidTaskID reports whether a string is shaped like a task id.
func ValidTaskID(id string) bool {
	return taskIDRe.MatchString(id)
}
