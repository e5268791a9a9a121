// Package state defines the session lifecycle state machine: a pure
// transition table with validation and no I/O or locking of its own.
package state

import "fmt"

// State is a session lifecycle state. There is no terminal state; sessions
// persist until explicitly deleted.
type State string

const (
	Created        State = "CREATED"
	Running        State = "RUNNING"
	AwaitingInput  State = "AWAITING_INPUT"
	Interrupting   State = "INTERRUPTING"
	ErrorState     State = "ERROR"
)

// validTransitions is the authoritative transition table. A restart from
// ERROR is a valid transition, not a new session.
var validTransitions = map[State]map[State]bool{
	Created:       {Running: true},
	Running:       {AwaitingInput: true, Interrupting: true, ErrorState: true},
	AwaitingInput: {Running: true},
	Interrupting:  {AwaitingInput: true, ErrorState: true},
	ErrorState:    {Running: true},
}

// InvalidTransitionError reports a rejected state change. The session state
// is untouched when this is returned.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Valid reports whether s is a known lifecycle state.
func Valid(s State) bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether target is reachable from current.
func CanTransition(current, target State) bool {
	return validTransitions[current][target]
}

// Transition validates current -> target against the table and returns the
// new state, or an *InvalidTransitionError leaving state semantics untouched.
// Callers that mutate shared session records must hold the session's lock;
// Transition itself performs no locking so it composes inside a larger
// critical section.
func Transition(current, target State) (State, error) {
	if !CanTransition(current, target) {
		return current, &InvalidTransitionError{From: current, To: target}
	}
	return target, nil
}
