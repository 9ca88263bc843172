package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultTTL   = 24 * time.Hour
	maxKeyLength = 255
)

var (
	// ErrKeyTooLong signals an idempotency key over 255 characters.
	ErrKeyTooLong = errors.New("idempotency key exceeds 255 characters")
	// ErrFingerprintRequired signals a missing request fingerprint.
	ErrFingerprintRequired = errors.New("request fingerprint is required")
)

// Record is a stored execution outcome.
type Record struct {
	TenantID    uuid.UUID
	Key         string
	Fingerprint string
	Response    []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists execution records inside the caller's transaction.
type Store interface {
	// Find returns the record for (tenant, key), locking it for the rest of
	// the transaction, or nil when absent.
	Find(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, key string) (*Record, error)
	// Insert persists a new record. A concurrent duplicate surfaces as
	// ErrIdempotencyConflict.
	Insert(ctx context.Context, tx uow.Tx, record Record) error
	// Delete removes the record for (tenant, key).
	Delete(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, key string) error
}

// Unit is the unit of work surface the guard needs. *uow.UnitOfWork
// satisfies it.
type Unit interface {
	Tx() uow.Tx
	Tenant() tenant.Context
	State() uow.State
}

// Result reports how ExecuteOnce concluded.
type Result struct {
	// Response is the operation's stored byte payload.
	Response []byte
	// Replayed is true when the response came from a previous execution.
	Replayed bool
}

// Guard coordinates execute-once semantics over a Store.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger log.Logger
	tracer trace.Tracer
	nowFn  func() time.Time
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithTTL overrides the 24h record lifetime. Expired records are treated as
// absent and replaced on the next execution.
func WithTTL(ttl time.Duration) GuardOption {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.ttl = ttl
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) GuardOption {
	return func(guard *Guard) {
		guard.logger = log.OrNop(logger)
	}
}

// WithTracer attaches a tracer.
func WithTracer(tracer trace.Tracer) GuardOption {
	return func(guard *Guard) {
		if tracer != nil {
			guard.tracer = tracer
		}
	}
}

// NewGuard creates a guard over store.
func NewGuard(store Store, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency: store is required")
	}

	guard := &Guard{
		store:  store,
		ttl:    defaultTTL,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("sitewise.noop"),
		nowFn:  time.Now,
	}

	for _, opt := range opts {
		opt(guard)
	}

	return guard, nil
}

// ExecuteOnce runs op at most once for (tenant, key).
//
// A stored record with the same fingerprint replays the stored response and
// skips op. The same key with a different fingerprint reports
// ErrIdempotencyConflict. Expired records are dropped and op runs fresh.
// An empty key disables deduplication: op executes directly and nothing is
// stored. The record insert travels in unit's transaction: if the caller
// rolls back, the key is free again.
func (guard *Guard) ExecuteOnce(ctx context.Context, unit Unit, key, fingerprint string, op func(ctx context.Context) ([]byte, error)) (Result, error) {
	ctx, span := guard.tracer.Start(ctx, "idempotency.execute_once")
	defer span.End()

	key = strings.TrimSpace(key)
	if key == "" {
		response, err := op(ctx)
		if err != nil {
			return Result{}, err
		}

		return Result{Response: response}, nil
	}

	if len(key) > maxKeyLength {
		return Result{}, ErrKeyTooLong
	}

	if strings.TrimSpace(fingerprint) == "" {
		return Result{}, ErrFingerprintRequired
	}

	if unit.State() != uow.StateActive {
		return Result{}, fmt.Errorf("unit of work is %s: %w", unit.State(), sitewise.ErrInvalidState)
	}

	tc := unit.Tenant()
	tx := unit.Tx()
	now := guard.nowFn().UTC()

	existing, err := guard.store.Find(ctx, tx, tc.ID, key)
	if err != nil {
		return Result{}, fmt.Errorf("find idempotency record: %w", err)
	}

	if existing != nil {
		if now.Before(existing.ExpiresAt) {
			if existing.Fingerprint != fingerprint {
				return Result{}, fmt.Errorf("key %q reused with a different request: %w", key, sitewise.ErrIdempotencyConflict)
			}

			guard.logger.Log(ctx, log.LevelDebug, "idempotent replay",
				log.String("tenant_id", tc.ID.String()),
				log.String("key", key),
			)

			return Result{Response: existing.Response, Replayed: true}, nil
		}

		if err := guard.store.Delete(ctx, tx, tc.ID, key); err != nil {
			return Result{}, fmt.Errorf("drop expired idempotency record: %w", err)
		}
	}

	response, err := op(ctx)
	if err != nil {
		return Result{}, err
	}

	record := Record{
		TenantID:    tc.ID,
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(guard.ttl),
	}

	if err := guard.store.Insert(ctx, tx, record); err != nil {
		return Result{}, fmt.Errorf("persist idempotency record: %w", err)
	}

	return Result{Response: response}, nil
}

// Fingerprint derives a stable request fingerprint from the identifying
// parts of a request, typically method, path, and canonical body.
func Fingerprint(parts ...string) string {
	hash := sha256.New()

	for _, part := range parts {
		hash.Write([]byte(part))
		hash.Write([]byte{0})
	}

	return hex.EncodeToString(hash.Sum(nil))
}
