//go:build unit

package outbox

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	event, err := NewEvent("page", aggregateID, "page.published", []byte(`{"title":"hello"}`))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, "page", event.AggregateType)
	assert.Equal(t, aggregateID, event.AggregateID)
	assert.Equal(t, StatusPending, event.Status)
	assert.Zero(t, event.Attempts)
	assert.False(t, event.CreatedAt.IsZero())
	assert.False(t, event.NextAttemptAt.After(event.CreatedAt))
}

func TestNewEventValidation(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	tests := []struct {
		name          string
		aggregateType string
		aggregateID   uuid.UUID
		eventName     string
		payload       []byte
		wantErr       error
	}{
		{"missing aggregate type", " ", aggregateID, "page.updated", []byte(`{}`), ErrAggregateRequired},
		{"missing aggregate id", "page", uuid.Nil, "page.updated", []byte(`{}`), ErrAggregateRequired},
		{"missing event name", "page", aggregateID, "", []byte(`{}`), ErrEventNameRequired},
		{"empty payload", "page", aggregateID, "page.updated", nil, ErrPayloadRequired},
		{"oversized payload", "page", aggregateID, "page.updated", oversizedPayload(), ErrPayloadTooLarge},
		{"invalid json", "page", aggregateID, "page.updated", []byte(`{"broken"`), ErrPayloadNotJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewEvent(tt.aggregateType, tt.aggregateID, tt.eventName, tt.payload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func oversizedPayload() []byte {
	padding := bytes.Repeat([]byte("a"), MaxPayloadBytes)

	return append(append([]byte(`{"p":"`), padding...), '"', '}')
}

func TestAggregateKeyDistinguishesAggregates(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	sharedID := uuid.New()

	page := &Event{TenantID: tenantID, AggregateType: "page", AggregateID: sharedID}
	menu := &Event{TenantID: tenantID, AggregateType: "menu", AggregateID: sharedID}

	assert.NotEqual(t, page.AggregateKey(), menu.AggregateKey())
	assert.Equal(t, page.AggregateKey(), (&Event{TenantID: tenantID, AggregateType: "page", AggregateID: sharedID}).AggregateKey())
}
