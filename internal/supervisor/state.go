package supervisor

import "fmt"

// State is the lifecycle position of a single execution.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// validTransitions lists the states reachable from each non-terminal state.
var validTransitions = map[State][]State{
	StateIdle:      {StateLaunching},
	StateLaunching: {StateRunning, StateFailed, StateCancelled},
	StateRunning:   {StateSucceeded, StateFailed, StateCancelled},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
