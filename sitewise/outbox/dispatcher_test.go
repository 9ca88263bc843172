//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rescheduleCall struct {
	id            uuid.UUID
	lastError     string
	nextAttemptAt time.Time
}

type fakeRepo struct {
	mu          sync.Mutex
	due         []*Event
	claimErr    error
	markErr     error
	dispatched  []uuid.UUID
	reschedules []rescheduleCall
	failed      map[uuid.UUID]string
}

func newFakeRepo(events ...*Event) *fakeRepo {
	return &fakeRepo{due: events, failed: make(map[uuid.UUID]string)}
}

func (repo *fakeRepo) ClaimDue(_ context.Context, _ time.Time, _ time.Duration, limit int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.claimErr != nil {
		return nil, repo.claimErr
	}

	if len(repo.due) > limit {
		return repo.due[:limit], nil
	}

	claimed := repo.due
	repo.due = nil

	return claimed, nil
}

func (repo *fakeRepo) MarkDispatched(_ context.Context, id uuid.UUID, _ time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.markErr != nil {
		return repo.markErr
	}

	repo.dispatched = append(repo.dispatched, id)

	return nil
}

func (repo *fakeRepo) Reschedule(_ context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.reschedules = append(repo.reschedules, rescheduleCall{id: id, lastError: lastError, nextAttemptAt: nextAttemptAt})

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.failed[id] = lastError

	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
	failWith  map[uuid.UUID]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failWith: make(map[uuid.UUID]error)}
}

func (publisher *fakePublisher) Publish(_ context.Context, event *Event) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if err, ok := publisher.failWith[event.ID]; ok {
		return err
	}

	publisher.published = append(publisher.published, event.ID)

	return nil
}

func pendingEvent(tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID, sequence int64, attempts int) *Event {
	return &Event{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Sequence:      sequence,
		EventName:     aggregateType + ".updated",
		Payload:       []byte(`{}`),
		Status:        StatusPending,
		Attempts:      attempts,
		NextAttemptAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
}

func newTestDispatcher(t *testing.T, repo Repository, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(repo, publisher, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, newFakePublisher())
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestDispatchOnceDeliversInOrder(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	pageID := uuid.New()
	first := pendingEvent(tenantID, "page", pageID, 1, 0)
	second := pendingEvent(tenantID, "page", pageID, 2, 0)

	repo := newFakeRepo(first, second)
	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, repo, publisher)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Dispatched)
	assert.Zero(t, result.Failed)
	require.Equal(t, []uuid.UUID{first.ID, second.ID}, publisher.published)
	require.Equal(t, []uuid.UUID{first.ID, second.ID}, repo.dispatched)
}

func TestDispatchOnceReschedulesWithBackoff(t *testing.T) {
	t.Parallel()

	event := pendingEvent(uuid.New(), "page", uuid.New(), 1, 2)

	repo := newFakeRepo(event)
	publisher := newFakePublisher()
	publisher.failWith[event.ID] = errors.New("broker unavailable")

	base := 100 * time.Millisecond
	dispatcher := newTestDispatcher(t, repo, publisher, WithBackoffBase(base), WithMaxAttempts(10))

	now := time.Now().UTC()
	dispatcher.nowFn = func() time.Time { return now }

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Retried)
	assert.Zero(t, result.Failed)
	require.Len(t, repo.reschedules, 1)
	assert.Equal(t, event.ID, repo.reschedules[0].id)
	assert.Contains(t, repo.reschedules[0].lastError, "broker unavailable")
	// Third failure backs off by base doubled twice.
	assert.Equal(t, now.Add(400*time.Millisecond), repo.reschedules[0].nextAttemptAt)
}

func TestDispatchOnceExhaustedAttemptsAreTerminal(t *testing.T) {
	t.Parallel()

	event := pendingEvent(uuid.New(), "page", uuid.New(), 1, 4)

	repo := newFakeRepo(event)
	publisher := newFakePublisher()
	publisher.failWith[event.ID] = errors.New("permanent rejection")

	dispatcher := newTestDispatcher(t, repo, publisher, WithMaxAttempts(5))

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Retried)
	assert.Empty(t, repo.reschedules)
	assert.Contains(t, repo.failed[event.ID], "permanent rejection")
}

func TestDispatchOnceBlocksAggregateAfterFailure(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	pageID := uuid.New()
	first := pendingEvent(tenantID, "page", pageID, 1, 0)
	second := pendingEvent(tenantID, "page", pageID, 2, 0)
	unrelated := pendingEvent(tenantID, "menu", uuid.New(), 1, 0)

	repo := newFakeRepo(first, second, unrelated)
	publisher := newFakePublisher()
	publisher.failWith[first.ID] = errors.New("boom")

	dispatcher := newTestDispatcher(t, repo, publisher)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Dispatched)
	require.Equal(t, []uuid.UUID{unrelated.ID}, publisher.published)
}

func TestDispatchOnceMarkDispatchedFailureBlocksAggregate(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	pageID := uuid.New()
	first := pendingEvent(tenantID, "page", pageID, 1, 0)
	second := pendingEvent(tenantID, "page", pageID, 2, 0)

	repo := newFakeRepo(first, second)
	repo.markErr = errors.New("connection reset")
	publisher := newFakePublisher()

	dispatcher := newTestDispatcher(t, repo, publisher)

	result := dispatcher.DispatchOnce(context.Background())

	assert.Zero(t, result.Dispatched)
	assert.Equal(t, 2, result.Skipped)
	// The first publish happened before persistence failed.
	require.Equal(t, []uuid.UUID{first.ID}, publisher.published)
}

func TestDispatchOnceClaimFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.claimErr = errors.New("replica lag")

	dispatcher := newTestDispatcher(t, repo, newFakePublisher())

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{}, result)
}

func TestDispatchOnceHonorsBatchSize(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()

	var events []*Event
	for i := 0; i < 5; i++ {
		events = append(events, pendingEvent(tenantID, "page", uuid.New(), 1, 0))
	}

	repo := newFakeRepo(events...)
	dispatcher := newTestDispatcher(t, repo, newFakePublisher(), WithBatchSize(3))

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, 3, result.Claimed)
}

func TestRunStopsOnStop(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), newFakePublisher(), WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), newFakePublisher(), WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)

	err := dispatcher.Run(context.Background())
	require.ErrorIs(t, err, ErrDispatcherRunning)

	dispatcher.Stop()
	require.NoError(t, <-done)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), newFakePublisher(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}

func TestShutdownWaitsForInflightCycle(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), newFakePublisher())

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestDispatcherConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{}
	cfg.normalize()

	defaults := DefaultDispatcherConfig()
	assert.Equal(t, defaults.PollInterval, cfg.PollInterval)
	assert.Equal(t, defaults.BatchSize, cfg.BatchSize)
	assert.Equal(t, defaults.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, defaults.BackoffBase, cfg.BackoffBase)
	assert.Equal(t, defaults.ClaimLease, cfg.ClaimLease)
}
