//go:build unit

package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"github.com/stretchr/testify/require"
)

type fakeUnit struct {
	tc    tenant.Context
	state uow.State
}

func (unit *fakeUnit) Tx() uow.Tx             { return nil }
func (unit *fakeUnit) Tenant() tenant.Context { return unit.tc }
func (unit *fakeUnit) State() uow.State       { return unit.state }

type fakeStore struct {
	records   map[string]*Record
	findErr   error
	insertErr error
	deleteErr error
	inserts   int
	deletes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func storeKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + "/" + key
}

func (store *fakeStore) Find(_ context.Context, _ uow.Tx, tenantID uuid.UUID, key string) (*Record, error) {
	if store.findErr != nil {
		return nil, store.findErr
	}

	return store.records[storeKey(tenantID, key)], nil
}

func (store *fakeStore) Insert(_ context.Context, _ uow.Tx, record Record) error {
	if store.insertErr != nil {
		return store.insertErr
	}

	store.inserts++
	store.records[storeKey(record.TenantID, record.Key)] = &record

	return nil
}

func (store *fakeStore) Delete(_ context.Context, _ uow.Tx, tenantID uuid.UUID, key string) error {
	if store.deleteErr != nil {
		return store.deleteErr
	}

	store.deletes++
	delete(store.records, storeKey(tenantID, key))

	return nil
}

func activeUnit() *fakeUnit {
	return &fakeUnit{tc: tenant.New(uuid.New()), state: uow.StateActive}
}

func newTestGuard(t *testing.T, store Store, opts ...GuardOption) *Guard {
	t.Helper()

	guard, err := NewGuard(store, opts...)
	require.NoError(t, err)

	return guard
}

func TestNewGuardRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewGuard(nil)
	require.Error(t, err)
}

func TestExecuteOnceFirstExecution(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)
	unit := activeUnit()

	calls := 0

	result, err := guard.ExecuteOnce(context.Background(), unit, "create-order-1", Fingerprint("POST", "/orders", `{"sku":"a"}`), func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"order_id":"42"}`), nil
	})
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.JSONEq(t, `{"order_id":"42"}`, string(result.Response))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, store.inserts)
}

func TestExecuteOnceReplaysMatchingFingerprint(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)
	unit := activeUnit()
	fingerprint := Fingerprint("POST", "/orders", `{"sku":"a"}`)

	calls := 0
	op := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"order_id":"42"}`), nil
	}

	_, err := guard.ExecuteOnce(context.Background(), unit, "create-order-1", fingerprint, op)
	require.NoError(t, err)

	result, err := guard.ExecuteOnce(context.Background(), unit, "create-order-1", fingerprint, op)
	require.NoError(t, err)
	require.True(t, result.Replayed)
	require.JSONEq(t, `{"order_id":"42"}`, string(result.Response))
	require.Equal(t, 1, calls, "operation must not run twice")
}

func TestExecuteOnceFingerprintMismatchIsConflict(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)
	unit := activeUnit()

	op := func(context.Context) ([]byte, error) { return []byte("ok"), nil }

	_, err := guard.ExecuteOnce(context.Background(), unit, "k", Fingerprint("body-a"), op)
	require.NoError(t, err)

	_, err = guard.ExecuteOnce(context.Background(), unit, "k", Fingerprint("body-b"), op)
	require.ErrorIs(t, err, sitewise.ErrIdempotencyConflict)
	require.Equal(t, 1, store.inserts, "conflicting request must not execute")
}

func TestExecuteOnceExpiredRecordRunsFresh(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store, WithTTL(time.Hour))
	unit := activeUnit()
	fingerprint := Fingerprint("body")

	now := time.Now().UTC()
	guard.nowFn = func() time.Time { return now }

	op := func(context.Context) ([]byte, error) { return []byte("v1"), nil }

	_, err := guard.ExecuteOnce(context.Background(), unit, "k", fingerprint, op)
	require.NoError(t, err)

	// Jump past expiry; even a different fingerprint is allowed now.
	guard.nowFn = func() time.Time { return now.Add(2 * time.Hour) }

	result, err := guard.ExecuteOnce(context.Background(), unit, "k", Fingerprint("other-body"), func(context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.Equal(t, "v2", string(result.Response))
	require.Equal(t, 1, store.deletes)
}

func TestExecuteOnceTenantsDoNotShareKeys(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)
	fingerprint := Fingerprint("body")

	calls := 0
	op := func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}

	_, err := guard.ExecuteOnce(context.Background(), activeUnit(), "shared-key", fingerprint, op)
	require.NoError(t, err)

	_, err = guard.ExecuteOnce(context.Background(), activeUnit(), "shared-key", fingerprint, op)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "distinct tenants execute independently")
}

func TestExecuteOnceOperationErrorSkipsInsert(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)
	boom := errors.New("payment declined")

	_, err := guard.ExecuteOnce(context.Background(), activeUnit(), "k", Fingerprint("b"), func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, store.inserts, "failed operations leave no record, retries may run again")
}

func TestExecuteOnceValidation(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, newFakeStore())
	op := func(context.Context) ([]byte, error) { return nil, nil }

	_, err := guard.ExecuteOnce(context.Background(), activeUnit(), strings.Repeat("k", 256), Fingerprint("b"), op)
	require.ErrorIs(t, err, ErrKeyTooLong)

	_, err = guard.ExecuteOnce(context.Background(), activeUnit(), "k", "", op)
	require.ErrorIs(t, err, ErrFingerprintRequired)
}

func TestExecuteOnceEmptyKeySkipsDeduplication(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard := newTestGuard(t, store)

	calls := 0
	op := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"n":` + strconv.Itoa(calls) + `}`), nil
	}

	var result Result

	for _, key := range []string{"", "   "} {
		var err error

		result, err = guard.ExecuteOnce(context.Background(), activeUnit(), key, Fingerprint("b"), op)
		require.NoError(t, err)
		require.False(t, result.Replayed)
	}

	require.Equal(t, 2, calls, "keyless calls execute every time")
	require.Equal(t, 0, store.inserts, "nothing is recorded without a key")
	require.JSONEq(t, `{"n":2}`, string(result.Response))
}

func TestExecuteOnceRejectsInactiveUnit(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, newFakeStore())
	unit := &fakeUnit{tc: tenant.New(uuid.New()), state: uow.StateCommitted}

	_, err := guard.ExecuteOnce(context.Background(), unit, "k", Fingerprint("b"), func(context.Context) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, sitewise.ErrInvalidState)
}

func TestExecuteOnceSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.findErr = sitewise.ErrTransientStorage
	guard := newTestGuard(t, store)

	_, err := guard.ExecuteOnce(context.Background(), activeUnit(), "k", Fingerprint("b"), func(context.Context) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, sitewise.ErrTransientStorage)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	require.Equal(t, Fingerprint("POST", "/orders", "body"), Fingerprint("POST", "/orders", "body"))
	require.NotEqual(t, Fingerprint("POST", "/orders", "body"), Fingerprint("POST", "/orders", "other"))

	// Part boundaries matter: ("ab","c") differs from ("a","bc").
	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))

	require.Len(t, Fingerprint("x"), 64)
}
