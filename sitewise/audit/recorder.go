package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/tenant"
	"github.com/sitewise-io/lib-sitewise/sitewise/uow"
	"github.com/wI2L/jsondiff"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrResourceRequired signals a change without resource identification.
	ErrResourceRequired = errors.New("resource type and id are required")
	// ErrEventTypeRequired signals a change without an event type.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrEntryNotFound signals that no entry matches the query.
	ErrEntryNotFound = errors.New("audit entry not found")
)

// Change describes a single mutation to record.
type Change struct {
	// Resource is the resource type, e.g. "page".
	Resource string
	// ResourceID identifies the mutated resource.
	ResourceID uuid.UUID
	// EventType names the mutation, e.g. "page.updated".
	EventType string
	// Version is the resource version the mutation produced.
	Version int64
	// Before is the pre-mutation state; nil for creations.
	Before any
	// After is the post-mutation state; nil for deletions.
	After any
	// Meta carries request-scoped context such as a trace id.
	Meta map[string]string
}

func (change Change) validate() error {
	if strings.TrimSpace(change.Resource) == "" || change.ResourceID == uuid.Nil {
		return ErrResourceRequired
	}

	if strings.TrimSpace(change.EventType) == "" {
		return ErrEventTypeRequired
	}

	return nil
}

// Entry is a persisted audit record.
type Entry struct {
	ID         int64
	TenantID   uuid.UUID
	Actor      string
	Resource   string
	ResourceID uuid.UUID
	EventType  string
	Version    int64
	Patch      json.RawMessage
	Snapshot   json.RawMessage
	Meta       json.RawMessage
	RecordedAt time.Time
}

// Store persists entries inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx uow.Tx, entry Entry) error
	// ListByResource returns entries for a resource ordered by version
	// ascending.
	ListByResource(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID) ([]Entry, error)
	// FindByVersion returns the entry recorded at an exact version.
	FindByVersion(ctx context.Context, tx uow.Tx, tenantID uuid.UUID, resource string, resourceID uuid.UUID, version int64) (*Entry, error)
}

// Unit is the unit of work surface the recorder needs.
type Unit interface {
	Tx() uow.Tx
	Tenant() tenant.Context
	State() uow.State
}

// Recorder writes audit entries over a Store.
type Recorder struct {
	store  Store
	logger log.Logger
	tracer trace.Tracer
	nowFn  func() time.Time
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) RecorderOption {
	return func(recorder *Recorder) {
		recorder.logger = log.OrNop(logger)
	}
}

// WithTracer attaches a tracer.
func WithTracer(tracer trace.Tracer) RecorderOption {
	return func(recorder *Recorder) {
		if tracer != nil {
			recorder.tracer = tracer
		}
	}
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}

	recorder := &Recorder{
		store:  store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("sitewise.noop"),
		nowFn:  time.Now,
	}

	for _, opt := range opts {
		opt(recorder)
	}

	return recorder, nil
}

// Record computes the RFC 6902 patch from change.Before to change.After and
// persists it with the post-state snapshot in unit's transaction. A change
// that produced no observable difference still records an empty patch, so
// the trail stays gap-free across versions. Any serialization failure is
// returned, aborting the caller's transaction.
func (recorder *Recorder) Record(ctx context.Context, unit Unit, change Change) (Entry, error) {
	ctx, span := recorder.tracer.Start(ctx, "audit.record")
	defer span.End()

	if err := change.validate(); err != nil {
		return Entry{}, err
	}

	if unit.State() != uow.StateActive {
		return Entry{}, fmt.Errorf("unit of work is %s: %w", unit.State(), sitewise.ErrInvalidState)
	}

	patch, err := diffPatch(change.Before, change.After)
	if err != nil {
		return Entry{}, err
	}

	snapshot, err := json.Marshal(change.After)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit snapshot: %w", err)
	}

	meta := json.RawMessage("{}")

	if len(change.Meta) > 0 {
		meta, err = json.Marshal(change.Meta)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal audit meta: %w", err)
		}
	}

	tc := unit.Tenant()

	entry := Entry{
		TenantID:   tc.ID,
		Actor:      tc.Actor,
		Resource:   change.Resource,
		ResourceID: change.ResourceID,
		EventType:  change.EventType,
		Version:    change.Version,
		Patch:      patch,
		Snapshot:   snapshot,
		Meta:       meta,
		RecordedAt: recorder.nowFn().UTC(),
	}

	if err := recorder.store.Insert(ctx, unit.Tx(), entry); err != nil {
		return Entry{}, fmt.Errorf("persist audit entry: %w", err)
	}

	return entry, nil
}

// ListHistory returns the full trail for a resource, oldest first.
func (recorder *Recorder) ListHistory(ctx context.Context, unit Unit, resource string, resourceID uuid.UUID) ([]Entry, error) {
	if strings.TrimSpace(resource) == "" || resourceID == uuid.Nil {
		return nil, ErrResourceRequired
	}

	entries, err := recorder.store.ListByResource(ctx, unit.Tx(), unit.Tenant().ID, resource, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}

	return entries, nil
}

// SnapshotAt returns the resource's state as recorded at version.
func (recorder *Recorder) SnapshotAt(ctx context.Context, unit Unit, resource string, resourceID uuid.UUID, version int64) (json.RawMessage, error) {
	if strings.TrimSpace(resource) == "" || resourceID == uuid.Nil {
		return nil, ErrResourceRequired
	}

	entry, err := recorder.store.FindByVersion(ctx, unit.Tx(), unit.Tenant().ID, resource, resourceID, version)
	if err != nil {
		return nil, fmt.Errorf("find audit entry: %w", err)
	}

	if entry == nil {
		return nil, fmt.Errorf("%s %s version %d: %w", resource, resourceID, version, ErrEntryNotFound)
	}

	return entry.Snapshot, nil
}

// ReconstructAt rebuilds the resource's state at version by applying the
// recorded patches in sequence, starting from the null document. It verifies
// the patch trail independently of the stored snapshots; the two should
// agree unless the trail was tampered with.
func (recorder *Recorder) ReconstructAt(ctx context.Context, unit Unit, resource string, resourceID uuid.UUID, version int64) (json.RawMessage, error) {
	entries, err := recorder.ListHistory(ctx, unit, resource, resourceID)
	if err != nil {
		return nil, err
	}

	doc := json.RawMessage("null")
	found := false

	for _, entry := range entries {
		if entry.Version > version {
			break
		}

		patch, err := jsonpatch.DecodePatch(entry.Patch)
		if err != nil {
			return nil, fmt.Errorf("decode audit patch at version %d: %w", entry.Version, err)
		}

		doc, err = patch.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("apply audit patch at version %d: %w", entry.Version, err)
		}

		if entry.Version == version {
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("%s %s version %d: %w", resource, resourceID, version, ErrEntryNotFound)
	}

	return doc, nil
}

// diffPatch produces the RFC 6902 operations transforming before into after.
func diffPatch(before, after any) (json.RawMessage, error) {
	patch, err := jsondiff.Compare(before, after)
	if err != nil {
		return nil, fmt.Errorf("compute audit patch: %w", err)
	}

	if len(patch) == 0 {
		return json.RawMessage("[]"), nil
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal audit patch: %w", err)
	}

	return raw, nil
}
