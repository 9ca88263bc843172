package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/internal/pgident"
	"github.com/sitewise-io/lib-sitewise/sitewise/outbox"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
)

const (
	defaultTable      = "outbox_events"
	pgUniqueViolation = "23505"
)

// Repository persists outbox events. Writer-side operations run inside the
// caller's transaction; dispatcher-side operations run on the primary pool.
type Repository struct {
	db    *sql.DB
	table string
}

// Option customizes a Repository.
type Option func(*Repository)

// WithTable overrides the outbox table name.
func WithTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRepository creates a repository over db, which must be the write
// primary. db may be nil when the repository is used only as a writer store.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	repo := &Repository{db: db, table: defaultTable}

	for _, opt := range opts {
		opt(repo)
	}

	if err := pgident.ValidatePath(repo.table); err != nil {
		return nil, fmt.Errorf("outbox table: %w", err)
	}

	return repo, nil
}

var _ outbox.Store = (*Repository)(nil)

// InsertNext persists event with the aggregate's next sequence.
//
// The sequence subselect races with concurrent writers of the same
// aggregate; the unique index on (tenant_id, aggregate_type, aggregate_id,
// sequence) turns the loser into a retryable transient error instead of a
// duplicate sequence.
func (repo *Repository) InsertNext(ctx context.Context, tx uow.Tx, event *outbox.Event) (*outbox.Event, error) {
	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (id, tenant_id, aggregate_type, aggregate_id, sequence, event_name, payload, status, attempts, next_attempt_at, created_at)
		 SELECT $1, $2, $3, $4, COALESCE(MAX(sequence), 0) + 1, $5, $6, $7, 0, $8, $9
		 FROM %s
		 WHERE tenant_id = $2 AND aggregate_type = $3 AND aggregate_id = $4
		 RETURNING sequence`,
		pgident.QuotePath(repo.table), pgident.QuotePath(repo.table),
	)

	row := tx.QueryRowContext(ctx, query,
		event.ID, event.TenantID, event.AggregateType, event.AggregateID,
		event.EventName, []byte(event.Payload), string(event.Status),
		event.NextAttemptAt, event.CreatedAt)

	inserted := *event
	if err := row.Scan(&inserted.Sequence); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: concurrent enqueue for aggregate, retry", sitewise.ErrTransientStorage)
		}

		return nil, fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	return &inserted, nil
}

var _ outbox.Repository = (*Repository)(nil)

// ClaimDue claims up to limit deliverable events.
//
// SKIP LOCKED keeps concurrent dispatcher instances from blocking on the
// same rows. The NOT EXISTS guard withholds an event while any lower
// sequence of its aggregate is still undispatched, including terminally
// failed ones: a failed event blocks its aggregate until an operator acts.
// Claimed events get their next_attempt_at pushed out by lease so other
// instances skip them while the publish is in flight.
func (repo *Repository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	if repo.db == nil {
		return nil, fmt.Errorf("%w: repository has no database handle", sitewise.ErrTransientStorage)
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", sitewise.ErrTransientStorage, err)
	}

	events, err := repo.claimInTx(ctx, tx, now, lease, limit)
	if err != nil {
		_ = tx.Rollback()

		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", sitewise.ErrTransientStorage, err)
	}

	return events, nil
}

func (repo *Repository) claimInTx(ctx context.Context, tx *sql.Tx, now time.Time, lease time.Duration, limit int) ([]*outbox.Event, error) {
	table := pgident.QuotePath(repo.table)

	query := fmt.Sprintf(
		`SELECT id, tenant_id, aggregate_type, aggregate_id, sequence, event_name, payload, status, attempts, last_error, next_attempt_at, created_at, dispatched_at
		 FROM %s o
		 WHERE o.status = $1
		   AND o.next_attempt_at <= $2
		   AND NOT EXISTS (
			 SELECT 1 FROM %s prior
			 WHERE prior.tenant_id = o.tenant_id
			   AND prior.aggregate_type = o.aggregate_type
			   AND prior.aggregate_id = o.aggregate_id
			   AND prior.sequence < o.sequence
			   AND prior.status <> $3
		   )
		 ORDER BY o.created_at ASC, o.sequence ASC
		 LIMIT $4
		 FOR UPDATE OF o SKIP LOCKED`,
		table, table,
	)

	rows, err := tx.QueryContext(ctx, query,
		string(outbox.StatusPending), now, string(outbox.StatusDispatched), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim outbox events: %v", sitewise.ErrTransientStorage, err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, nil
	}

	leaseUntil := now.Add(lease)
	leaseQuery := fmt.Sprintf(`UPDATE %s SET next_attempt_at = $1 WHERE id = $2`, table)

	for _, event := range events {
		if _, err := tx.ExecContext(ctx, leaseQuery, leaseUntil, event.ID); err != nil {
			return nil, fmt.Errorf("%w: lease outbox event: %v", sitewise.ErrTransientStorage, err)
		}
	}

	return events, nil
}

// MarkDispatched finalizes a delivered event. The status predicate makes the
// update idempotent under redelivery.
func (repo *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, dispatched_at = $2, last_error = '' WHERE id = $3 AND status = $4`,
		pgident.QuotePath(repo.table),
	)

	return repo.exec(ctx, query, string(outbox.StatusDispatched), dispatchedAt, id, string(outbox.StatusPending))
}

// Reschedule records a failed attempt and a new due time.
func (repo *Repository) Reschedule(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET attempts = attempts + 1, last_error = $1, next_attempt_at = $2 WHERE id = $3 AND status = $4`,
		pgident.QuotePath(repo.table),
	)

	return repo.exec(ctx, query, lastError, nextAttemptAt, id, string(outbox.StatusPending))
}

// MarkFailed moves an event to the terminal failed state.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, attempts = attempts + 1, last_error = $2 WHERE id = $3 AND status = $4`,
		pgident.QuotePath(repo.table),
	)

	return repo.exec(ctx, query, string(outbox.StatusFailed), lastError, id, string(outbox.StatusPending))
}

// RequeueFailed returns a terminally failed event to the pending state with
// its attempt counter reset. Operator tooling only.
func (repo *Repository) RequeueFailed(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, attempts = 0, last_error = '', next_attempt_at = $2 WHERE id = $3 AND status = $4`,
		pgident.QuotePath(repo.table),
	)

	return repo.exec(ctx, query, string(outbox.StatusPending), now, id, string(outbox.StatusFailed))
}

// ListByAggregate returns an aggregate's events in sequence order, any
// status. Operator tooling uses it to inspect a blocked aggregate.
func (repo *Repository) ListByAggregate(ctx context.Context, tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID) ([]*outbox.Event, error) {
	if repo.db == nil {
		return nil, fmt.Errorf("%w: repository has no database handle", sitewise.ErrTransientStorage)
	}

	query := fmt.Sprintf(
		`SELECT id, tenant_id, aggregate_type, aggregate_id, sequence, event_name, payload, status, attempts, last_error, next_attempt_at, created_at, dispatched_at
		 FROM %s
		 WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		 ORDER BY sequence ASC`,
		pgident.QuotePath(repo.table),
	)

	rows, err := repo.db.QueryContext(ctx, query, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("%w: list aggregate events: %v", sitewise.ErrTransientStorage, err)
	}

	return scanEvents(rows)
}

// CountPending reports the backlog size across all tenants.
func (repo *Repository) CountPending(ctx context.Context) (int64, error) {
	if repo.db == nil {
		return 0, fmt.Errorf("%w: repository has no database handle", sitewise.ErrTransientStorage)
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, pgident.QuotePath(repo.table))

	var count int64
	if err := repo.db.QueryRowContext(ctx, query, string(outbox.StatusPending)).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count pending: %v", sitewise.ErrTransientStorage, err)
	}

	return count, nil
}

// DeleteDispatchedBefore prunes delivered events older than before and
// returns the number of rows removed.
func (repo *Repository) DeleteDispatchedBefore(ctx context.Context, before time.Time) (int64, error) {
	if repo.db == nil {
		return 0, fmt.Errorf("%w: repository has no database handle", sitewise.ErrTransientStorage)
	}

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE status = $1 AND dispatched_at < $2`,
		pgident.QuotePath(repo.table),
	)

	res, err := repo.db.ExecContext(ctx, query, string(outbox.StatusDispatched), before)
	if err != nil {
		return 0, fmt.Errorf("%w: prune dispatched: %v", sitewise.ErrTransientStorage, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune dispatched: %v", sitewise.ErrTransientStorage, err)
	}

	return deleted, nil
}

func (repo *Repository) exec(ctx context.Context, query string, args ...any) error {
	if repo.db == nil {
		return fmt.Errorf("%w: repository has no database handle", sitewise.ErrTransientStorage)
	}

	res, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", sitewise.ErrTransientStorage, err)
	}

	if affected == 0 {
		return outbox.ErrEventNotClaimable
	}

	return nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		var (
			event     outbox.Event
			status    string
			lastError sql.NullString
			payload   []byte
		)

		err := rows.Scan(&event.ID, &event.TenantID, &event.AggregateType, &event.AggregateID,
			&event.Sequence, &event.EventName, &payload, &status, &event.Attempts,
			&lastError, &event.NextAttemptAt, &event.CreatedAt, &event.DispatchedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan outbox event: %v", sitewise.ErrTransientStorage, err)
		}

		parsed, err := outbox.ParseStatus(status)
		if err != nil {
			return nil, err
		}

		event.Status = parsed
		event.Payload = payload
		event.LastError = lastError.String

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate outbox events: %v", sitewise.ErrTransientStorage, err)
	}

	return events, nil
}
