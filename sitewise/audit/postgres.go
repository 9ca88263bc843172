package audit

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

const defaultTable = "audit_log"

// PostgresStore persists entries in an append-only table.
type PostgresStore struct {
	table string
}

// PostgresStoreOption customizes a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithTable overrides the audit_log table name.
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
		return nil, fmt.Errorf("audit table: %w", err)
	}

	return store, nil
}

// Insert appends an entry.
func (store *PostgresStore) Insert(ctx context.Context, tx uow.Tx, entry Entry) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (tenant_id, actor, resource, resource_id, event_type, version, patch, snapshot, meta, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pgident.QuotePath(store.table),
	)

	_, err := tx.ExecContext(ctx, query,
		entry.TenantID, entry.Actor, entry.Resource, entry.ResourceID, entry.EventType,
		entry.Version, []byte(entry.Patch), []byte(entry.Snapshot), []byte(entry.Meta), entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return nil
}

// ListByResource returns a resource's entries ordered by version.
func (store *PostgresStore) ListByResource(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID) ([]Entry, error) {
	query := fmt.Sprintf(
		`SELECT id, tenant_id, actor, resource, resource_id, event_type, version, patch, snapshot, meta, recorded_at
		 FROM %s
		 WHERE tenant_id = $1 AND resource = $2 AND resource_id = $3
		 ORDER BY version ASC`,
		pgident.QuotePath(store.table),
	)

	rows, err := tx.QueryContext(ctx, query, tenantID, resource, resourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return entries, nil
}

// FindByVersion returns the entry recorded at version, or nil.
func (store *PostgresStore) FindByVersion(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID, version int64) (*Entry, error) {
	query := fmt.Sprintf(
		`SELECT id, tenant_id, actor, resource, resource_id, event_type, version, patch, snapshot, meta, recorded_at
		 FROM %s
		 WHERE tenant_id = $1 AND resource = $2 AND resource_id = $3 AND version = $4`,
		pgident.QuotePath(store.table),
	)

	row := tx.QueryRowContext(ctx, query, tenantID, resource, resourceID, version)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return &entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry    Entry
		patch    []byte
		snapshot []byte
		meta     []byte
	)

	err := row.Scan(&entry.ID, &entry.TenantID, &entry.Actor, &entry.Resource, &entry.ResourceID,
		&entry.EventType, &entry.Version, &patch, &snapshot, &meta, &entry.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}

		return Entry{}, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	entry.Patch = patch
	entry.Snapshot = snapshot
	entry.Meta = meta

	return entry, nil
}
