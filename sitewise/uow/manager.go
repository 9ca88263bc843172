package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/postgres"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// defaultSessionVariable is the transaction-local GUC row-level-security
// policies read, e.g. USING (tenant_id = current_setting('app.current_tenant')::uuid).
const defaultSessionVariable = "app.current_tenant"

var sessionVariablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*\.[a-z_][a-z0-9_]*$`)

// Package variables for test injection.
var (
	beginTxFn = func(ctx context.Context, pool *sql.DB, opts *sql.TxOptions) (Tx, error) {
		return pool.BeginTx(ctx, opts)
	}

	bindTenantFn = bindTenant
)

// Pools provides the primary and replica connection pools. *postgres.Client
// satisfies it.
type Pools interface {
	Primary(ctx context.Context) (*sql.DB, error)
	Replica(ctx context.Context) (*sql.DB, error)
}

var _ Pools = (*postgres.Client)(nil)

// Manager begins tenant-bound units of work on the cluster pools.
type Manager struct {
	pools      Pools
	sessionVar string
	logger     log.Logger
	tracer     trace.Tracer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) ManagerOption {
	return func(manager *Manager) {
		manager.logger = log.OrNop(logger)
	}
}

// WithTracer attaches a tracer for begin/commit spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(manager *Manager) {
		if tracer != nil {
			manager.tracer = tracer
		}
	}
}

// WithSessionVariable overrides the GUC name the tenant id is bound to.
func WithSessionVariable(name string) ManagerOption {
	return func(manager *Manager) {
		if name != "" {
			manager.sessionVar = name
		}
	}
}

// NewManager creates a unit of work manager over the given pools.
func NewManager(pools Pools, opts ...ManagerOption) (*Manager, error) {
	if pools == nil {
		return nil, errors.New("uow: pools are required")
	}

	manager := &Manager{
		pools:      pools,
		sessionVar: defaultSessionVariable,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("sitewise.noop"),
	}

	for _, opt := range opts {
		opt(manager)
	}

	if !sessionVariablePattern.MatchString(manager.sessionVar) {
		return nil, fmt.Errorf("uow: invalid session variable %q", manager.sessionVar)
	}

	return manager, nil
}

// BeginWrite starts a tenant-bound transaction on the write primary. The
// caller owns the unit: defer Close, then Commit on success.
func (manager *Manager) BeginWrite(ctx context.Context, tc tenant.Context) (*UnitOfWork, error) {
	ctx, span := manager.tracer.Start(ctx, "uow.begin_write")
	defer span.End()

	pool, err := manager.pools.Primary(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return manager.begin(ctx, pool, tc, KindWrite, nil)
}

// BeginRead starts a tenant-bound read-only transaction on the replica pool.
func (manager *Manager) BeginRead(ctx context.Context, tc tenant.Context) (*UnitOfWork, error) {
	ctx, span := manager.tracer.Start(ctx, "uow.begin_read")
	defer span.End()

	pool, err := manager.pools.Replica(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return manager.begin(ctx, pool, tc, KindRead, &sql.TxOptions{ReadOnly: true})
}

func (manager *Manager) begin(ctx context.Context, pool *sql.DB, tc tenant.Context, kind Kind, opts *sql.TxOptions) (*UnitOfWork, error) {
	if !tc.Valid() {
		return nil, fmt.Errorf("unit of work requires a tenant: %w", sitewise.ErrTenantIsolationViolation)
	}

	tx, err := beginTxFn(ctx, pool, opts)
	if err != nil {
		return nil, fmt.Errorf("begin %s transaction: %w: %v", kind, sitewise.ErrTransientStorage, err)
	}

	unit := &UnitOfWork{tx: tx, tenant: tc, kind: kind, state: StateCreated}

	if err := bindTenantFn(ctx, tx, manager.sessionVar, tc.ID); err != nil {
		if rbErr := unit.Close(); rbErr != nil {
			manager.logger.Log(ctx, log.LevelWarn, "rollback after failed tenant binding", log.Err(rbErr))
		}

		return nil, err
	}

	if err := unit.transition(StateActive); err != nil {
		return nil, err
	}

	manager.logger.Log(ctx, log.LevelDebug, "unit of work started",
		log.String("kind", string(kind)),
		log.String("tenant_id", tc.ID.String()),
	)

	return unit, nil
}

// bindTenant sets the session variable for the transaction and verifies the
// binding by reading it back. set_config with is_local=true scopes the value
// to the transaction, so it cannot leak onto the pooled connection.
func bindTenant(ctx context.Context, tx Tx, sessionVar string, tenantID uuid.UUID) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT set_config($1, $2, true)`, sessionVar, tenantID.String()); err != nil {
		return fmt.Errorf("bind tenant session variable: %w: %v", sitewise.ErrTransientStorage, err)
	}

	var bound string

	row := tx.QueryRowContext(ctx, `SELECT current_setting($1, true)`, sessionVar)
	if err := row.Scan(&bound); err != nil {
		return fmt.Errorf("verify tenant binding: %w: %v", sitewise.ErrTransientStorage, err)
	}

	return verifyBinding(bound, tenantID)
}

// verifyBinding checks the read-back session value against the tenant.
func verifyBinding(bound string, want uuid.UUID) error {
	got, err := uuid.Parse(bound)
	if err != nil {
		return fmt.Errorf("session variable holds %q: %w", bound, sitewise.ErrTenantIsolationViolation)
	}

	if got != want {
		return fmt.Errorf("session bound to tenant %s, expected %s: %w", got, want, sitewise.ErrTenantIsolationViolation)
	}

	return nil
}

// VerifyTenantBinding is a row-level-security self-test: it begins a write
// unit, which binds and reads back the session variable, then rolls back.
// Deploy checks call it to prove the cluster honors tenant binding before
// serving traffic.
func (manager *Manager) VerifyTenantBinding(ctx context.Context, tc tenant.Context) error {
	unit, err := manager.BeginWrite(ctx, tc)
	if err != nil {
		return err
	}

	return unit.Rollback()
}

// WithWrite runs fn inside a write unit of work. The unit commits when fn
// returns nil and rolls back otherwise, including on panic.
func (manager *Manager) WithWrite(ctx context.Context, tc tenant.Context, fn func(ctx context.Context, unit *UnitOfWork) error) error {
	return manager.with(ctx, tc, KindWrite, fn)
}

// WithRead runs fn inside a read-only unit of work on the replica.
func (manager *Manager) WithRead(ctx context.Context, tc tenant.Context, fn func(ctx context.Context, unit *UnitOfWork) error) error {
	return manager.with(ctx, tc, KindRead, fn)
}

func (manager *Manager) with(ctx context.Context, tc tenant.Context, kind Kind, fn func(ctx context.Context, unit *UnitOfWork) error) (err error) {
	var unit *UnitOfWork

	if kind == KindWrite {
		unit, err = manager.BeginWrite(ctx, tc)
	} else {
		unit, err = manager.BeginRead(ctx, tc)
	}

	if err != nil {
		return err
	}

	defer func() {
		if closeErr := unit.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err = fn(ctx, unit); err != nil {
		return err
	}

	return unit.Commit()
}
