//go:build unit

package uow_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/audit"
	"github.com/sitewise-io/lib-sitewise/sitewise/outbox"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"github.com/sitewise-io/lib-sitewise/sitewise/version"
	"github.com/stretchr/testify/require"
)

// nopTx satisfies uow.Tx for stores that never touch SQL.
type nopTx struct{}

func (nopTx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }
func (nopTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) { return nil, nil }
func (nopTx) QueryRowContext(context.Context, string, ...any) *sql.Row        { return nil }
func (nopTx) Commit() error                                                   { return nil }
func (nopTx) Rollback() error                                                 { return nil }

// flowUnit satisfies the Unit surface of version, audit, and outbox at once.
type flowUnit struct {
	tc tenant.Context
}

func (unit *flowUnit) Tx() uow.Tx             { return nopTx{} }
func (unit *flowUnit) Tenant() tenant.Context { return unit.tc }
func (unit *flowUnit) State() uow.State       { return uow.StateActive }

type memVersionStore struct {
	versions map[string]int64
}

func (store *memVersionStore) key(tenantID uuid.UUID, ref version.Ref) string {
	return tenantID.String() + "/" + ref.Resource + "/" + ref.ID.String()
}

func (store *memVersionStore) CurrentForUpdate(_ context.Context, _ uow.Tx, tenantID uuid.UUID, ref version.Ref) (int64, bool, error) {
	current, ok := store.versions[store.key(tenantID, ref)]
	return current, ok, nil
}

func (store *memVersionStore) Insert(_ context.Context, _ uow.Tx, tenantID uuid.UUID, ref version.Ref, v int64) error {
	store.versions[store.key(tenantID, ref)] = v
	return nil
}

func (store *memVersionStore) Update(_ context.Context, _ uow.Tx, tenantID uuid.UUID, ref version.Ref, v int64) error {
	store.versions[store.key(tenantID, ref)] = v
	return nil
}

func (store *memVersionStore) Current(_ context.Context, _ uow.Tx, tenantID uuid.UUID, ref version.Ref) (int64, bool, error) {
	current, ok := store.versions[store.key(tenantID, ref)]
	return current, ok, nil
}

type memAuditStore struct {
	entries []audit.Entry
}

func (store *memAuditStore) Insert(_ context.Context, _ uow.Tx, entry audit.Entry) error {
	entry.ID = int64(len(store.entries) + 1)
	store.entries = append(store.entries, entry)

	return nil
}

func (store *memAuditStore) ListByResource(_ context.Context, _ uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID) ([]audit.Entry, error) {
	var matched []audit.Entry

	for _, entry := range store.entries {
		if entry.TenantID == tenantID && entry.Resource == resource && entry.ResourceID == resourceID {
			matched = append(matched, entry)
		}
	}

	return matched, nil
}

func (store *memAuditStore) FindByVersion(_ context.Context, _ uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID, v int64) (*audit.Entry, error) {
	for _, entry := range store.entries {
		if entry.TenantID == tenantID && entry.Resource == resource && entry.ResourceID == resourceID && entry.Version == v {
			found := entry
			return &found, nil
		}
	}

	return nil, nil
}

type memOutboxStore struct {
	sequences map[string]int64
	events    []*outbox.Event
}

func (store *memOutboxStore) InsertNext(_ context.Context, _ uow.Tx, event *outbox.Event) (*outbox.Event, error) {
	key := event.AggregateKey()
	store.sequences[key]++
	event.Sequence = store.sequences[key]
	event.CreatedAt = time.Now().UTC()
	store.events = append(store.events, event)

	return event, nil
}

// Exercises a full write cycle over one active unit: create a page, then
// update it with the version the first write produced. Version, audit, and
// outbox must agree on the two versions and the two sequences.
func TestWriteFlowBumpsVersionAuditsAndEnqueues(t *testing.T) {
	t.Parallel()

	versions := &memVersionStore{versions: map[string]int64{}}
	audits := &memAuditStore{}
	events := &memOutboxStore{sequences: map[string]int64{}}

	checker, err := version.NewChecker(versions)
	require.NoError(t, err)
	recorder, err := audit.NewRecorder(audits)
	require.NoError(t, err)
	writer, err := outbox.NewWriter(events)
	require.NoError(t, err)

	tc := tenant.New(uuid.New()).WithActor("editor@example.com")
	unit := &flowUnit{tc: tc}
	ctx := context.Background()

	pageID := uuid.New()
	ref := version.Ref{Resource: "page", ID: pageID}

	type page struct {
		Title string `json:"title"`
	}

	write := func(expectedVersion int64, before, after any, eventType string) int64 {
		t.Helper()

		bumped, err := checker.CheckAndBump(ctx, unit, ref, expectedVersion)
		require.NoError(t, err)

		_, err = recorder.Record(ctx, unit, audit.Change{
			Resource:   "page",
			ResourceID: pageID,
			EventType:  eventType,
			Version:    bumped,
			Before:     before,
			After:      after,
		})
		require.NoError(t, err)

		payload := fmt.Sprintf(`{"version":%d}`, bumped)
		_, err = writer.Enqueue(ctx, unit, "page", pageID, eventType, []byte(payload))
		require.NoError(t, err)

		return bumped
	}

	created := write(0, nil, page{Title: "Hello"}, "page.created")
	require.Equal(t, int64(1), created)

	updated := write(created, page{Title: "Hello"}, page{Title: "Hello again"}, "page.updated")
	require.Equal(t, int64(2), updated)

	current, ok, err := versions.Current(ctx, nopTx{}, tc.ID, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), current)

	trail, err := recorder.ListHistory(ctx, unit, "page", pageID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, int64(1), trail[0].Version)
	require.Equal(t, int64(2), trail[1].Version)
	require.Equal(t, "editor@example.com", trail[0].Actor)

	require.Len(t, events.events, 2)
	require.Equal(t, int64(1), events.events[0].Sequence)
	require.Equal(t, int64(2), events.events[1].Sequence)
	require.Equal(t, tc.ID, events.events[0].TenantID)

	// A stale writer replaying expected version 1 must not slip a third
	// change past the row lock's check.
	_, err = checker.CheckAndBump(ctx, unit, ref, created)
	require.ErrorIs(t, err, sitewise.ErrVersionConflict)
	require.Len(t, audits.entries, 2)
	require.Len(t, events.events, 2)
}
