package version

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrResourceRequired signals a missing resource type or id.
var ErrResourceRequired = errors.New("resource type and id are required")

// Ref identifies a versioned resource within a tenant.
type Ref struct {
	// Resource is the resource type, e.g. "page" or "product".
	Resource string
	// ID is the resource's identifier.
	ID uuid.UUID
}

func (ref Ref) validate() error {
	if strings.TrimSpace(ref.Resource) == "" || ref.ID == uuid.Nil {
		return ErrResourceRequired
	}

	return nil
}

// Store persists version rows inside the caller's transaction.
type Store interface {
	// CurrentForUpdate returns the resource's version with the row locked,
	// or ok=false when the resource has no version row yet.
	CurrentForUpdate(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref) (version int64, ok bool, err error)
	// Insert creates the first version row.
	Insert(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref, version int64) error
	// Update sets the resource's version.
	Update(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref, version int64) error
	// Current returns the version without locking, for read paths.
	Current(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref) (version int64, ok bool, err error)
}

// Unit is the unit of work surface the checker needs.
type Unit interface {
	Tx() uow.Tx
	Tenant() tenant.Context
	State() uow.State
}

// Checker performs check-and-bump version control over a Store.
type Checker struct {
	store  Store
	logger log.Logger
	tracer trace.Tracer
}

// CheckerOption customizes a Checker.
type CheckerOption func(*Checker)

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) CheckerOption {
	return func(checker *Checker) {
		checker.logger = log.OrNop(logger)
	}
}

// WithTracer attaches a tracer.
func WithTracer(tracer trace.Tracer) CheckerOption {
	return func(checker *Checker) {
		if tracer != nil {
			checker.tracer = tracer
		}
	}
}

// NewChecker creates a checker over store.
func NewChecker(store Store, opts ...CheckerOption) (*Checker, error) {
	if store == nil {
		return nil, errors.New("version: store is required")
	}

	checker := &Checker{
		store:  store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("sitewise.noop"),
	}

	for _, opt := range opts {
		opt(checker)
	}

	return checker, nil
}

// CheckAndBump verifies that the resource is still at expectedVersion and
// advances it by one, returning the new version. The version row stays
// locked until the unit commits, so concurrent writers to the same resource
// serialize here. expectedVersion 0 creates the resource at version 1.
func (checker *Checker) CheckAndBump(ctx context.Context, unit Unit, ref Ref, expectedVersion int64) (int64, error) {
	ctx, span := checker.tracer.Start(ctx, "version.check_and_bump")
	defer span.End()

	if err := ref.validate(); err != nil {
		return 0, err
	}

	if expectedVersion < 0 {
		return 0, fmt.Errorf("negative expected version %d: %w", expectedVersion, sitewise.ErrVersionConflict)
	}

	if unit.State() != uow.StateActive {
		return 0, fmt.Errorf("unit of work is %s: %w", unit.State(), sitewise.ErrInvalidState)
	}

	tc := unit.Tenant()
	tx := unit.Tx()

	current, ok, err := checker.store.CurrentForUpdate(ctx, tx, tc.ID, ref)
	if err != nil {
		return 0, fmt.Errorf("read version row: %w", err)
	}

	if !ok {
		if expectedVersion != 0 {
			return 0, fmt.Errorf("%s %s has no version row, expected %d: %w",
				ref.Resource, ref.ID, expectedVersion, sitewise.ErrVersionConflict)
		}

		if err := checker.store.Insert(ctx, tx, tc.ID, ref, 1); err != nil {
			return 0, fmt.Errorf("create version row: %w", err)
		}

		return 1, nil
	}

	if current != expectedVersion {
		checker.logger.Log(ctx, log.LevelDebug, "version conflict",
			log.String("resource", ref.Resource),
			log.String("resource_id", ref.ID.String()),
			log.Int64("expected", expectedVersion),
			log.Int64("current", current),
		)

		return 0, fmt.Errorf("%s %s is at version %d, expected %d: %w",
			ref.Resource, ref.ID, current, expectedVersion, sitewise.ErrVersionConflict)
	}

	next := current + 1

	if err := checker.store.Update(ctx, tx, tc.ID, ref, next); err != nil {
		return 0, fmt.Errorf("bump version row: %w", err)
	}

	return next, nil
}

// Current reads the resource's version without locking. Missing resources
// report version 0.
func (checker *Checker) Current(ctx context.Context, unit Unit, ref Ref) (int64, error) {
	if err := ref.validate(); err != nil {
		return 0, err
	}

	current, ok, err := checker.store.Current(ctx, unit.Tx(), unit.Tenant().ID, ref)
	if err != nil {
		return 0, fmt.Errorf("read version row: %w", err)
	}

	if !ok {
		return 0, nil
	}

	return current, nil
}
