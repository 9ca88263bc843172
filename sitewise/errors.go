package sitewise

import "errors"

// Sentinel errors shared across the consistency core. Subpackages wrap these
// with operation detail; callers classify with errors.Is.
var (
	// ErrInvalidState signals an operation against a unit of work or outbox
	// event whose lifecycle state does not permit it.
	ErrInvalidState = errors.New("invalid state")

	// ErrTenantIsolationViolation signals that an operation would run without
	// a verified tenant binding, or against a different tenant than the one
	// bound to the session.
	ErrTenantIsolationViolation = errors.New("tenant isolation violation")

	// ErrVersionConflict signals that a resource's current version does not
	// match the version the caller read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIdempotencyConflict signals reuse of an idempotency key with a
	// different request fingerprint.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrTransientStorage signals a storage failure that a caller may retry
	// with backoff.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrDispatchFailure signals that publishing an outbox event failed.
	ErrDispatchFailure = errors.New("dispatch failure")
)

// Code is a stable machine-readable error code suitable for API responses
// and metrics labels. Codes never change once released.
type Code string

const (
	CodeInvalidState        Code = "INVALID_STATE"
	CodeTenantIsolation     Code = "TENANT_ISOLATION_VIOLATION"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeTransientStorage    Code = "TRANSIENT_STORAGE_ERROR"
	CodeDispatchFailure     Code = "DISPATCH_FAILURE"
	CodeUnknown             Code = "UNKNOWN"
)

// CodeOf maps an error chain to its stable code. Unrecognized errors map to
// CodeUnknown rather than failing, so callers can always attach a label.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrTenantIsolationViolation):
		return CodeTenantIsolation
	case errors.Is(err, ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdempotencyConflict
	case errors.Is(err, ErrTransientStorage):
		return CodeTransientStorage
	case errors.Is(err, ErrDispatchFailure):
		return CodeDispatchFailure
	default:
		return CodeUnknown
	}
}

// IsConflict reports whether err is a deterministic conflict that retrying
// the same request cannot resolve. Version and idempotency conflicts require
// the caller to re-read state or change the request; the core never retries
// them internally.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrIdempotencyConflict)
}

// IsRetryable reports whether err may succeed on retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) || errors.Is(err, ErrDispatchFailure)
}
