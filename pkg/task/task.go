package task

import (
	"fmt"
	"time"

	"github.com/immune-gmbh/dsas/pkg/analysis"
	"github.com/immune-gmbh/dsas/pkg/errtrack"
)

// Task lifecycle states. Forward-only, with one absorbing failure
// state. The only backwards edge is the explicit requeue of a task
// whose node or machine died before a result was produced.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateRunCompleted = "run_completed"
	StatePendingPost  = "pending_post"
	StateReported     = "reported"
	StateFatalError   = "fatal_error"
)

var humanStates = map[string]string{
	StatePending:      "Pending",
	StateRunning:      "Running",
	StateRunCompleted: "Run completed",
	StatePendingPost:  "Pending post",
	StateReported:     "Reported",
	StateFatalError:   "Fatal error",
}

// HumanState returns the operator-facing name of a state.
func HumanState(state string) string {
	if human, ok := humanStates[state]; ok {
		return human
	}
	return state
}

var nextStates = map[string][]string{
	StatePending:      {StateRunning, StateFatalError},
	StateRunning:      {StateRunCompleted, StateFatalError},
	StateRunCompleted: {StatePendingPost, StateFatalError},
	StatePendingPost:  {StateReported, StateFatalError},
}

// IsTerminal reports whether no further transitions are accepted.
func IsTerminal(state string) bool {
	return state == StateReported || state == StateFatalError
}

// ErrIllegalTransition implements "error", for the description see Error.
type ErrIllegalTransition struct {
	TaskID string
	From   string
	To     string
}

func (err ErrIllegalTransition) Error() string {
	return fmt.Sprintf(
		"illegal task state transition for '%s': '%s' -> '%s'",
		err.TaskID, err.From, err.To,
	)
}

// Task is the per-platform unit of machine work of an analysis. One
// task runs on one machine and produces one report.
type Task struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Number      int                `json:"number"`
	AnalysisID  string             `json:"analysis_id"`
	CreatedOn   time.Time          `json:"created_on"`
	State       string             `json:"state"`
	Priority    int                `json:"priority"`
	Platform    string             `json:"platform"`
	OSVersion   string             `json:"os_version,omitempty"`
	MachineTags []string           `json:"machine_tags,omitempty"`
	Command     []string           `json:"command,omitempty"`
	Browser     string             `json:"browser,omitempty"`
	Route       analysis.Route     `json:"route,omitempty"`
	Timeout     int                `json:"timeout,omitempty"`
	Node        string             `json:"node,omitempty"`
	Machine     string             `json:"machine,omitempty"`
	StartedOn   *time.Time         `json:"started_on,omitempty"`
	StoppedOn   *time.Time         `json:"stopped_on,omitempty"`
	Score       int                `json:"score"`
	Errors      errtrack.Container `json:"errors"`

	loadedState string
	loadedScore int
	loadedNode  string
}

// SetState advances the task to the given state.
func (t *Task) SetState(newState string) error {
	for _, allowed := range nextStates[t.State] {
		if newState == allowed {
			t.State = newState
			return nil
		}
	}
	return ErrIllegalTransition{TaskID: t.ID, From: t.State, To: newState}
}

// SetFatal moves the task into the absorbing failure state and records
// the reason. A no-op if the task already failed.
func (t *Task) SetFatal(reason string) {
	if t.State == StateReported {
		// A reported task stays reported; only record the reason.
		if reason != "" {
			t.Errors.Errors = append(t.Errors.Errors, reason)
		}
		return
	}
	t.State = StateFatalError
	if reason != "" {
		t.Errors.Fatal = append(t.Errors.Fatal, reason)
	}
}

// Requeue puts a started task back into the pending state so the
// scheduler picks it up again. Only valid while no result exists yet.
func (t *Task) Requeue() error {
	if t.State != StatePending && t.State != StateRunning {
		return ErrIllegalTransition{TaskID: t.ID, From: t.State, To: StatePending}
	}
	t.State = StatePending
	t.Node = ""
	t.Machine = ""
	t.StartedOn = nil
	return nil
}

// Report is the result document the post-processing stage leaves behind
// in the task directory.
type Report struct {
	Score    int      `json:"score"`
	Tags     []string `json:"tags,omitempty"`
	Families []string `json:"families,omitempty"`
	Machine  string   `json:"machine,omitempty"`
}
