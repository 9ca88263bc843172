package outbox

import "fmt"

// Status is an outbox event lifecycle state.
type Status string

const (
	// StatusPending marks an event awaiting delivery. Retries stay pending
	// with a future next_attempt_at.
	StatusPending Status = "PENDING"
	// StatusDispatched marks an event acknowledged by the broker.
	StatusDispatched Status = "DISPATCHED"
	// StatusFailed marks an event that exhausted its dispatch attempts.
	// Failed is terminal; delivery for the aggregate stays blocked until an
	// operator requeues or discards the event.
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDispatched, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher will never touch the event again.
func (status Status) IsTerminal() bool {
	return status == StatusDispatched || status == StatusFailed
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusDispatched || next == StatusFailed
	case StatusDispatched, StatusFailed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
