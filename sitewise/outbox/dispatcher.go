package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise/backoff"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Repository is the dispatcher's persistence surface.
type Repository interface {
	// ClaimDue selects up to limit pending events whose next_attempt_at is
	// due and whose aggregate has no earlier undispatched sequence, and
	// leases them until now+lease so concurrent dispatchers skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error)
	// MarkDispatched finalizes a delivered event.
	MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error
	// Reschedule records a failed attempt and makes the event due again at
	// nextAttemptAt.
	Reschedule(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error
	// MarkFailed records a final failed attempt and moves the event to the
	// terminal failed state.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed    int
	Dispatched int
	Retried    int
	Failed     int
	Skipped    int
}

// Dispatcher polls the outbox and publishes claimed events.
//
// Delivery is at-least-once: the broker publish happens before the event is
// marked dispatched, so a crash between the two redelivers the event after
// its lease expires. Consumers must deduplicate by event id.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig
	nowFn     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	metrics dispatcherMetrics
}

// NewDispatcher creates a dispatcher over repo publishing through publisher.
func NewDispatcher(repo Repository, publisher Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("sitewise.noop"),
		cfg:       DefaultDispatcherConfig(),
		nowFn:     time.Now,
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run polls until Stop is called or ctx is cancelled. Only one Run may be
// active at a time.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Duration("poll_interval", dispatcher.cfg.PollInterval),
		log.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx)
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context) {
	dispatcher.wg.Add(1)
	defer dispatcher.wg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_cycle")
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, dispatcher.logger, "outbox", "dispatch_cycle")

	result := dispatcher.DispatchOnce(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.claimed", result.Claimed),
		attribute.Int("outbox.dispatched", result.Dispatched),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.skipped", result.Skipped),
	)
}

// Stop signals the poll loop to exit.
func (dispatcher *Dispatcher) Stop() {
	dispatcher.stopOnce.Do(func() {
		dispatcher.runMu.Lock()
		cancel := dispatcher.cancel
		dispatcher.runMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(dispatcher.stop)
	})
}

// Shutdown stops the dispatcher and waits for the in-flight cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, dispatcher.logger, "outbox.shutdown_wait", runtime.StopOnPanic, func(context.Context) {
		dispatcher.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce claims and processes one batch. Exposed for tests and for
// callers running their own scheduling.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if ctx == nil {
		ctx = context.Background()
	}

	start := dispatcher.nowFn().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events, err := dispatcher.repo.ClaimDue(ctx, start, dispatcher.cfg.ClaimLease, dispatcher.cfg.BatchSize)
	if err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to claim outbox events",
			log.String("error", sanitizeErrorForStorage(err)))

		return DispatchResult{}
	}

	dispatcher.recordClaimDepth(ctx, int64(len(events)))

	result := DispatchResult{Claimed: len(events)}

	// A publish failure blocks the rest of the aggregate's events in this
	// batch; delivering them would break per-aggregate ordering. Skipped
	// events stay leased and are reclaimed after the lease expires.
	blocked := make(map[string]bool)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		key := event.AggregateKey()
		if blocked[key] {
			result.Skipped++

			continue
		}

		if err := dispatcher.publisher.Publish(ctx, event); err != nil {
			blocked[key] = true
			dispatcher.handlePublishError(ctx, event, err, &result)

			continue
		}

		if err := dispatcher.repo.MarkDispatched(ctx, event.ID, dispatcher.nowFn().UTC()); err != nil {
			// Already on the broker; redelivery after the lease expires
			// is the at-least-once cost of this failure.
			dispatcher.logger.Log(ctx, log.LevelError,
				"outbox event published but failed to persist dispatched state; event will be redelivered",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)
			blocked[key] = true
			result.Skipped++

			continue
		}

		result.Dispatched++
	}

	dispatcher.addDispatched(ctx, int64(result.Dispatched))
	dispatcher.addRetried(ctx, int64(result.Retried))
	dispatcher.addFailed(ctx, int64(result.Failed))
	dispatcher.recordLatency(ctx, time.Since(start).Seconds())

	return result
}

// handlePublishError reschedules the event or, once attempts are exhausted,
// marks it terminally failed.
func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, event *Event, publishErr error, result *DispatchResult) {
	attempts := event.Attempts + 1
	lastError := sanitizeErrorForStorage(publishErr)

	if attempts >= dispatcher.cfg.MaxAttempts {
		if err := dispatcher.repo.MarkFailed(ctx, event.ID, lastError); err != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)

			return
		}

		result.Failed++

		dispatcher.logger.Log(ctx, log.LevelError,
			"outbox event exhausted dispatch attempts; aggregate delivery is blocked until operator intervention",
			log.String("event_id", event.ID.String()),
			log.String("event_name", event.EventName),
			log.String("aggregate_type", event.AggregateType),
			log.Int("attempts", attempts),
			log.String("last_error", lastError),
		)

		return
	}

	delay := backoff.Exponential(dispatcher.cfg.BackoffBase, event.Attempts)
	nextAttemptAt := dispatcher.nowFn().UTC().Add(delay)

	if err := dispatcher.repo.Reschedule(ctx, event.ID, lastError, nextAttemptAt); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to reschedule outbox event",
			log.String("event_id", event.ID.String()),
			log.String("error", sanitizeErrorForStorage(err)),
		)

		return
	}

	result.Retried++

	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox publish failed; event rescheduled",
		log.String("event_id", event.ID.String()),
		log.String("event_name", event.EventName),
		log.Int("attempts", attempts),
		log.Duration("retry_in", delay),
	)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runMu.Lock()
	defer dispatcher.runMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.cancel = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runMu.Lock()
	defer dispatcher.runMu.Unlock()

	dispatcher.running = false
	dispatcher.cancel = nil
}

func (dispatcher *Dispatcher) recordClaimDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.claimDepth == nil {
		return
	}

	dispatcher.metrics.claimDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatched(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsDispatched.Add(ctx, count)
}

func (dispatcher *Dispatcher) addRetried(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsRetried == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsRetried.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordLatency(ctx context.Context, seconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, seconds)
}
