package eventcore

import (
	"context"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/hottier"
)

// AuditMapper converts a domain event into a hot-tier record. Returning
// false skips the event.
type AuditMapper func(event.DomainEvent) (hottier.AuditEvent, bool)

// DefaultAuditMapper records every event that carries an emission context.
// The context ID becomes the tenant, the aggregate type the category, and
// the aggregate ID the resource.
func DefaultAuditMapper(evt event.DomainEvent) (hottier.AuditEvent, bool) {
	meta := evt.Metadata()
	if meta.ContextID == "" {
		return hottier.AuditEvent{}, false
	}

	rec := hottier.AuditEvent{
		ID:         evt.ID(),
		TenantID:   meta.ContextID,
		Timestamp:  evt.Timestamp(),
		Category:   evt.AggregateType(),
		Level:      hottier.LevelInfo,
		ActorID:    meta.ActorID,
		ResourceID: evt.AggregateID(),
	}
	if payload, err := event.PayloadAs[map[string]any](evt); err == nil {
		rec.Payload = payload
	}
	return rec, true
}

// AuditRecorder copies bus events into a hot-tier store.
type AuditRecorder struct {
	store *hottier.Store
	unsub Unsubscribe
}

// NewAuditRecorder subscribes to every event on bus and writes the mapped
// records to store. A nil mapper uses DefaultAuditMapper. Write failures
// are permanent and go to the bus's dead-letter queue under the handler
// name "hottier.recorder".
func NewAuditRecorder(bus *Bus, store *hottier.Store, mapper AuditMapper, opts ...SubscribeOption) *AuditRecorder {
	if mapper == nil {
		mapper = DefaultAuditMapper
	}
	r := &AuditRecorder{store: store}

	handler := func(ctx context.Context, evt event.DomainEvent) error {
		rec, ok := mapper(evt)
		if !ok {
			return nil
		}
		if err := store.Write(ctx, rec); err != nil {
			return ecerrors.Permanent(err, "hot tier write")
		}
		return nil
	}

	opts = append([]SubscribeOption{WithName("hottier.recorder")}, opts...)
	r.unsub = bus.SubscribeAll(handler, opts...)
	return r
}

// Store returns the hot-tier store being written to.
func (r *AuditRecorder) Store() *hottier.Store {
	return r.store
}

// Close stops recording.
func (r *AuditRecorder) Close() {
	r.unsub()
}
