package analysis

import (
	"fmt"
)

// Analysis lifecycle states. The graph is a forward-only DAG with one
// absorbing failure state; terminal states accept no further transitions.
const (
	StatePendingIdentification = "pending_identification"
	StateWaitingManual         = "waiting_manual"
	StateNoSelected            = "no_selected"
	StatePendingPre            = "pending_pre"
	StateTasksPending          = "tasks_pending"
	StateFinished              = "finished"
	StateFatalError            = "fatal_error"
)

var humanStates = map[string]string{
	StatePendingIdentification: "Pending identification",
	StateWaitingManual:         "Waiting manual",
	StateNoSelected:            "No selected target",
	StatePendingPre:            "Pending pre",
	StateTasksPending:          "Tasks pending",
	StateFinished:              "Finished",
	StateFatalError:            "Fatal error",
}

// HumanState returns the operator-facing name of a state.
func HumanState(state string) string {
	if human, ok := humanStates[state]; ok {
		return human
	}
	return state
}

var nextStates = map[string][]string{
	StatePendingIdentification: {StateWaitingManual, StateNoSelected, StatePendingPre, StateFatalError},
	StateWaitingManual:         {StatePendingPre, StateFatalError},
	StatePendingPre:            {StateTasksPending, StateNoSelected, StateFatalError},
	StateTasksPending:          {StateFinished, StateFatalError},
}

// IsTerminal reports whether no further transitions are accepted from state.
func IsTerminal(state string) bool {
	return state == StateFinished || state == StateNoSelected || state == StateFatalError
}

// ErrIllegalTransition implements "error", for the description see Error.
type ErrIllegalTransition struct {
	AnalysisID string
	From       string
	To         string
}

func (err ErrIllegalTransition) Error() string {
	return fmt.Sprintf(
		"illegal analysis state transition for '%s': '%s' -> '%s'",
		err.AnalysisID, err.From, err.To,
	)
}

func validTransition(from, to string) bool {
	for _, allowed := range nextStates[from] {
		if to == allowed {
			return true
		}
	}
	return false
}
