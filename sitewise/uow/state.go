package uow

import "fmt"

// State represents a unit of work lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// IsValid reports whether the state is part of the lifecycle.
func (state State) IsValid() bool {
	switch state {
	case StateCreated, StateActive, StateCommitted, StateRolledBack:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (state State) IsTerminal() bool {
	return state == StateCommitted || state == StateRolledBack
}

// CanTransitionTo reports whether a transition from state to next is allowed.
// A created unit may roll back without ever activating, covering binding
// failures between BeginTx and the tenant verification.
func (state State) CanTransitionTo(next State) bool {
	switch state {
	case StateCreated:
		return next == StateActive || next == StateRolledBack
	case StateActive:
		return next == StateCommitted || next == StateRolledBack
	case StateCommitted, StateRolledBack:
		return false
	default:
		return false
	}
}

func (state State) String() string {
	return string(state)
}

// ValidateTransition checks a lifecycle transition.
func ValidateTransition(from, to State) error {
	if !from.IsValid() {
		return fmt.Errorf("from state: invalid state %q", from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to state: invalid state %q", to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}

	return nil
}
