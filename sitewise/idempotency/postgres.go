package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/internal/pgident"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
)

const (
	defaultTable = "idempotency_records"

	pgUniqueViolation = "23505"
)

// PostgresStore persists records in a per-tenant keyed table. The table
// carries a UNIQUE (tenant_id, key) constraint; row-level security scopes it
// to the bound tenant, and every query filters tenant_id explicitly as well.
type PostgresStore struct {
	table string
}

// PostgresStoreOption customizes a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithTable overrides the idempotency_records table name.
func WithTable(table string) PostgresStoreOption {
	return func(store *PostgresStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewPostgresStore creates a store over the given table.
func NewPostgresStore(opts ...PostgresStoreOption) (*PostgresStore, error) {
	store := &PostgresStore{table: defaultTable}

	for _, opt := range opts {
		opt(store)
	}

	if err := pgident.ValidatePath(store.table); err != nil {
		return nil, fmt.Errorf("idempotency table: %w", err)
	}

	return store, nil
}

// Find returns the record for (tenant, key) and locks it until the
// transaction ends, serializing concurrent retries of the same key.
func (store *PostgresStore) Find(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, key string) (*Record, error) {
	query := fmt.Sprintf(
		`SELECT tenant_id, key, fingerprint, response, created_at, expires_at
		 FROM %s
		 WHERE tenant_id = $1 AND key = $2
		 FOR UPDATE`,
		pgident.QuotePath(store.table),
	)

	var record Record

	row := tx.QueryRowContext(ctx, query, tenantID, key)
	if err := row.Scan(&record.TenantID, &record.Key, &record.Fingerprint, &record.Response, &record.CreatedAt, &record.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return &record, nil
}

// Insert persists a record. A unique violation means another transaction
// claimed the key first.
func (store *PostgresStore) Insert(ctx context.Context, tx uow.Tx, record Record) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (tenant_id, key, fingerprint, response, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pgident.QuotePath(store.table),
	)

	_, err := tx.ExecContext(ctx, query,
		record.TenantID, record.Key, record.Fingerprint, record.Response, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("key %q claimed concurrently: %w", record.Key, sitewise.ErrIdempotencyConflict)
		}

		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return nil
}

// Delete removes the record for (tenant, key).
func (store *PostgresStore) Delete(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, key string) error {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE tenant_id = $1 AND key = $2`,
		pgident.QuotePath(store.table),
	)

	if _, err := tx.ExecContext(ctx, query, tenantID, key); err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return nil
}

// DeleteExpired sweeps records past their expiry. It runs against a plain
// connection rather than a tenant-bound unit of work so a maintenance job
// can clean all tenants in one pass.
func (store *PostgresStore) DeleteExpired(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at <= now()`,
		pgident.QuotePath(store.table),
	)

	result, err := db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return affected, nil
}
