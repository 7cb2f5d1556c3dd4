package core

import "fmt"

// State is the lifecycle state of a crash server.
type State string

const (
	// StateIdle is the initial state. Nothing is listening.
	StateIdle State = "idle"

	// StateStarted means the backend is listening and no client is bound.
	StateStarted State = "started"

	// StateClientRegistered means a client session is bound.
	StateClientRegistered State = "client_registered"

	// StateDumpInProgress is entered on the client's dump request and held
	// until the client exits. A second dump request in this state is rejected.
	StateDumpInProgress State = "dump_in_progress"

	// StateClientExited means the bound client terminated. A new client may
	// be registered from here.
	StateClientExited State = "client_exited"

	// StateStopped is terminal.
	StateStopped State = "stopped"
)

// AllStates returns all states in lifecycle order.
func AllStates() []State {
	return []State{
		StateIdle,
		StateStarted,
		StateClientRegistered,
		StateDumpInProgress,
		StateClientExited,
		StateStopped,
	}
}

// String returns the string representation.
func (s State) String() string {
	return string(s)
}

// ParseState converts a string to State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid state: %s", s)
}

// AcceptsClient reports whether a new client may be bound in this state.
func (s State) AcceptsClient() bool {
	return s == StateStarted || s == StateClientExited
}

// HasClient reports whether a client session is bound in this state.
func (s State) HasClient() bool {
	return s == StateClientRegistered || s == StateDumpInProgress
}

// Running reports whether the backend is listening in this state.
func (s State) Running() bool {
	return s != StateIdle && s != StateStopped
}

// CanTransition reports whether the state machine allows from -> to.
// Stopped is reachable from every state.
func CanTransition(from, to State) bool {
	if to == StateStopped {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateStarted
	case StateStarted:
		return to == StateClientRegistered
	case StateClientRegistered:
		return to == StateDumpInProgress || to == StateClientExited
	case StateDumpInProgress:
		return to == StateClientExited
	case StateClientExited:
		return to == StateClientRegistered
	default:
		return false
	}
}
