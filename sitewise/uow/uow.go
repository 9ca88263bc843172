package uow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
)

// Tx is the transaction surface a unit of work manages. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Kind distinguishes write units on the primary from read-only units on the
// replica.
type Kind string

const (
	KindWrite Kind = "write"
	KindRead  Kind = "read"
)

// UnitOfWork scopes a tenant-bound transaction. It is not safe for
// concurrent use by multiple goroutines, matching database/sql transactions.
type UnitOfWork struct {
	tx     Tx
	tenant tenant.Context
	kind   Kind

	mu    sync.Mutex
	state State
}

// Tx exposes the underlying transaction for repositories and the
// consistency helpers (idempotency, version, audit, outbox). Statements run
// through it inherit the tenant binding.
func (unit *UnitOfWork) Tx() Tx {
	return unit.tx
}

// Tenant returns the tenant this unit is bound to.
func (unit *UnitOfWork) Tenant() tenant.Context {
	return unit.tenant
}

// Kind reports whether the unit is a write or read unit.
func (unit *UnitOfWork) Kind() Kind {
	return unit.kind
}

// State returns the current lifecycle state.
func (unit *UnitOfWork) State() State {
	unit.mu.Lock()
	defer unit.mu.Unlock()

	return unit.state
}

func (unit *UnitOfWork) transition(to State) error {
	unit.mu.Lock()
	defer unit.mu.Unlock()

	if !unit.state.CanTransitionTo(to) {
		return fmt.Errorf("unit of work is %s, cannot %s: %w", unit.state, to, sitewise.ErrInvalidState)
	}

	unit.state = to

	return nil
}

// Commit finishes the unit, making its effects durable. Only an active unit
// commits; anything else reports ErrInvalidState.
func (unit *UnitOfWork) Commit() error {
	if err := unit.transition(StateCommitted); err != nil {
		return err
	}

	if err := unit.tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// Rollback discards the unit's effects. Rolling back a unit that already
// reached a terminal state reports ErrInvalidState; use Close in defers.
func (unit *UnitOfWork) Rollback() error {
	if err := unit.transition(StateRolledBack); err != nil {
		return err
	}

	if err := unit.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	return nil
}

// Close rolls back the unit unless it already reached a terminal state.
// It is safe to defer unconditionally.
func (unit *UnitOfWork) Close() error {
	unit.mu.Lock()

	if unit.state.IsTerminal() {
		unit.mu.Unlock()

		return nil
	}

	unit.state = StateRolledBack
	unit.mu.Unlock()

	if err := unit.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	return nil
}
