package outbox

import "errors"

var (
	ErrEventRequired      = errors.New("outbox event is required")
	ErrEventNameRequired  = errors.New("outbox event name is required")
	ErrAggregateRequired  = errors.New("outbox aggregate type and id are required")
	ErrPayloadRequired    = errors.New("outbox payload is required")
	ErrPayloadTooLarge    = errors.New("outbox payload exceeds maximum allowed size")
	ErrPayloadNotJSON     = errors.New("outbox payload must be valid JSON (stored as JSONB)")
	ErrRepositoryRequired = errors.New("outbox repository is required")
	ErrPublisherRequired  = errors.New("outbox publisher is required")
	ErrDispatcherRunning  = errors.New("outbox dispatcher is already running")
	ErrStatusInvalid      = errors.New("invalid outbox status")
	ErrTransitionInvalid  = errors.New("invalid outbox status transition")
	ErrEventNotClaimable  = errors.New("outbox event is not in a claimable state")
)
