package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNoTenant signals that a context carries no tenant identity.
var ErrNoTenant = errors.New("no tenant in context")

// Context identifies the tenant an operation acts for, plus the actor for
// audit attribution. The zero value is invalid.
type Context struct {
	// ID is the tenant's opaque identifier.
	ID uuid.UUID
	// Actor identifies the user or system principal behind the operation.
	// Optional; audit rows record it when present.
	Actor string
}

// Valid reports whether the tenant identity is usable.
func (tc Context) Valid() bool {
	return tc.ID != uuid.Nil
}

// New creates a tenant context for the given tenant id.
func New(id uuid.UUID) Context {
	return Context{ID: id}
}

// WithActor returns a copy attributing operations to actor.
func (tc Context) WithActor(actor string) Context {
	tc.Actor = actor

	return tc
}

type contextKey struct{}

// Inject returns a context.Context carrying tc. Transport layers call this
// once per request after resolving the tenant.
func Inject(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the tenant identity placed by Inject.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok || !tc.Valid() {
		return Context{}, false
	}

	return tc, true
}

// Require extracts the tenant identity or fails with ErrNoTenant.
func Require(ctx context.Context) (Context, error) {
	tc, ok := FromContext(ctx)
	if !ok {
		return Context{}, ErrNoTenant
	}

	return tc, nil
}
