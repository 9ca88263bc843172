package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/internal/pgident"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
)

const defaultTable = "resource_versions"

// PostgresStore keeps one version row per (tenant, resource, resource id)
// with a UNIQUE constraint over the triple.
type PostgresStore struct {
	table string
}

// PostgresStoreOption customizes a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithTable overrides the resource_versions table name.
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
		return nil, fmt.Errorf("version table: %w", err)
	}

	return store, nil
}

// CurrentForUpdate returns the locked version row for ref.
func (store *PostgresStore) CurrentForUpdate(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref) (int64, bool, error) {
	query := fmt.Sprintf(
		`SELECT version FROM %s
		 WHERE tenant_id = $1 AND resource = $2 AND resource_id = $3
		 FOR UPDATE`,
		pgident.QuotePath(store.table),
	)

	return store.scanVersion(tx.QueryRowContext(ctx, query, tenantID, ref.Resource, ref.ID))
}

// Current returns the version row without locking.
func (store *PostgresStore) Current(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref) (int64, bool, error) {
	query := fmt.Sprintf(
		`SELECT version FROM %s
		 WHERE tenant_id = $1 AND resource = $2 AND resource_id = $3`,
		pgident.QuotePath(store.table),
	)

	return store.scanVersion(tx.QueryRowContext(ctx, query, tenantID, ref.Resource, ref.ID))
}

func (store *PostgresStore) scanVersion(row *sql.Row) (int64, bool, error) {
	var version int64

	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return version, true, nil
}

// Insert creates the first version row for ref.
func (store *PostgresStore) Insert(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref, version int64) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (tenant_id, resource, resource_id, version, updated_at)
		 VALUES ($1, $2, $3, $4, now())`,
		pgident.QuotePath(store.table),
	)

	if _, err := tx.ExecContext(ctx, query, tenantID, ref.Resource, ref.ID, version); err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return nil
}

// Update sets the version for ref. Updating a row that vanished mid-lock is
// a conflict, not a silent no-op.
func (store *PostgresStore) Update(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, ref Ref, version int64) error {
	query := fmt.Sprintf(
		`UPDATE %s SET version = $4, updated_at = now()
		 WHERE tenant_id = $1 AND resource = $2 AND resource_id = $3`,
		pgident.QuotePath(store.table),
	)

	result, err := tx.ExecContext(ctx, query, tenantID, ref.Resource, ref.ID, version)
	if err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("version row disappeared: %w", sitewise.ErrVersionConflict)
	}

	return nil
}
