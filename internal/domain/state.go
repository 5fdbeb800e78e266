package domain

import "fmt"

// State is the lifecycle state of a managed service.
type State string

const (
	StateSleeping State = "sleeping"
	StateWaking   State = "waking"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// transitions lists every allowed edge of the lifecycle state machine.
// There is no terminal state: a service cycles for as long as it is registered.
//
// Error -> Stopping only happens on an administrative force-sleep.
var transitions = map[State][]State{
	StateSleeping: {StateWaking},
	StateWaking:   {StateRunning, StateError},
	StateRunning:  {StateStopping},
	StateStopping: {StateSleeping, StateError},
	StateError:    {StateWaking, StateStopping},
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Busy reports whether an asynchronous wake or stop sequence owns the service.
func (s State) Busy() bool {
	return s == StateWaking || s == StateStopping
}

func (s State) String() string { return string(s) }

// ParseState converts a string (ex: from an API query) into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", raw)
	}
	return s, nil
}
