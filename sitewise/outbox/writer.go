package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Store persists events inside the caller's transaction.
type Store interface {
	// InsertNext assigns the aggregate's next sequence and persists the
	// event. The returned event carries the assigned sequence.
	InsertNext(ctx context.Context, tx uow.Tx, event *Event) (*Event, error)
}

// Unit is the unit of work surface the writer needs.
type Unit interface {
	Tx() uow.Tx
	Tenant() tenant.Context
	State() uow.State
}

// Writer enqueues events in the same transaction as the state change that
// produced them, so event and state commit or roll back together.
type Writer struct {
	store  Store
	logger log.Logger
	tracer trace.Tracer
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithWriterLogger attaches a logger.
func WithWriterLogger(logger log.Logger) WriterOption {
	return func(writer *Writer) {
		writer.logger = log.OrNop(logger)
	}
}

// WithWriterTracer attaches a tracer.
func WithWriterTracer(tracer trace.Tracer) WriterOption {
	return func(writer *Writer) {
		if tracer != nil {
			writer.tracer = tracer
		}
	}
}

// NewWriter creates a writer over store.
func NewWriter(store Store, opts ...WriterOption) (*Writer, error) {
	if store == nil {
		return nil, errors.New("outbox: store is required")
	}

	writer := &Writer{
		store:  store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("sitewise.noop"),
	}

	for _, opt := range opts {
		opt(writer)
	}

	return writer, nil
}

// Enqueue validates the event, stamps it with the unit's tenant, and inserts
// it with the aggregate's next sequence inside the unit's transaction.
func (writer *Writer) Enqueue(ctx context.Context, unit Unit, aggregateType string, aggregateID uuid.UUID, eventName string, payload []byte) (*Event, error) {
	ctx, span := writer.tracer.Start(ctx, "outbox.enqueue")
	defer span.End()

	event, err := NewEvent(aggregateType, aggregateID, eventName, payload)
	if err != nil {
		return nil, err
	}

	return writer.EnqueueEvent(ctx, unit, event)
}

// EnqueueEvent inserts a pre-built event. Most callers use Enqueue.
func (writer *Writer) EnqueueEvent(ctx context.Context, unit Unit, event *Event) (*Event, error) {
	if event == nil {
		return nil, ErrEventRequired
	}

	if unit.State() != uow.StateActive {
		return nil, fmt.Errorf("unit of work is %s: %w", unit.State(), sitewise.ErrInvalidState)
	}

	tc := unit.Tenant()
	if !tc.Valid() {
		return nil, fmt.Errorf("enqueue without tenant: %w", sitewise.ErrTenantIsolationViolation)
	}

	event.TenantID = tc.ID

	inserted, err := writer.store.InsertNext(ctx, unit.Tx(), event)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox event: %w", err)
	}

	writer.logger.Log(ctx, log.LevelDebug, "outbox event enqueued",
		log.String("event_name", inserted.EventName),
		log.String("aggregate_type", inserted.AggregateType),
		log.Int64("sequence", inserted.Sequence),
	)

	return inserted, nil
}
