package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds the serialized payload stored per event.
const MaxPayloadBytes = 1 << 20

// Event is a domain event stored in the outbox for reliable delivery.
//
// Sequence is assigned at insert time and is gap-free and strictly monotonic
// per (tenant, aggregate type, aggregate id). The dispatcher never delivers
// an event before every lower sequence of the same aggregate is dispatched.
type Event struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Sequence      int64
	EventName     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

// NewEvent creates a pending event ready to be enqueued. Sequence and
// TenantID are filled in by the writer at insert time.
func NewEvent(aggregateType string, aggregateID uuid.UUID, eventName string, payload []byte) (*Event, error) {
	aggregateType = strings.TrimSpace(aggregateType)
	eventName = strings.TrimSpace(eventName)

	if aggregateType == "" || aggregateID == uuid.Nil {
		return nil, ErrAggregateRequired
	}

	if eventName == "" {
		return nil, ErrEventNameRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventName:     eventName,
		Payload:       payload,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// AggregateKey returns the ordering key the outbox sequences events by.
func (event *Event) AggregateKey() string {
	return event.TenantID.String() + "/" + event.AggregateType + "/" + event.AggregateID.String()
}
