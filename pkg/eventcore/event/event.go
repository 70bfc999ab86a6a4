// Package event defines the immutable DomainEvent, its retry Envelope and the
// handler error taxonomy shared by the bus, the store and the dead-letter queue.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates event types (e.g. "team.created", "invoice.paid").
// Applications declare their kinds as typed constants.
type Kind string

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}

// Metadata carries provenance for an event.
type Metadata struct {
	Version       int    `json:"version"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	ContextID     string `json:"context_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
}

// DomainEvent is an immutable record of something that happened to an
// aggregate. Copies share the same identity; equality is by ID.
type DomainEvent struct {
	id            string
	timestamp     time.Time
	aggregateID   string
	aggregateType string
	kind          Kind
	payload       any
	meta          Metadata

	// Serialized payload, computed lazily and shared between copies.
	bytes *payloadCache
}

type payloadCache struct {
	once sync.Once
	data []byte
	err  error
}

// ID returns the unique event identifier.
func (e DomainEvent) ID() string {
	return e.id
}

// Timestamp returns when the event occurred.
func (e DomainEvent) Timestamp() time.Time {
	return e.timestamp
}

// AggregateID returns the ID of the aggregate the event belongs to.
func (e DomainEvent) AggregateID() string {
	return e.aggregateID
}

// AggregateType returns the type of the aggregate the event belongs to.
func (e DomainEvent) AggregateType() string {
	return e.aggregateType
}

// Kind returns the event type discriminator.
func (e DomainEvent) Kind() Kind {
	return e.kind
}

// Payload returns the event payload.
func (e DomainEvent) Payload() any {
	return e.payload
}

// Metadata returns the event metadata.
func (e DomainEvent) Metadata() Metadata {
	return e.meta
}

// IsZero reports whether e is the zero DomainEvent.
func (e DomainEvent) IsZero() bool {
	return e.id == ""
}

// Equal reports whether two events have the same identity.
func (e DomainEvent) Equal(other DomainEvent) bool {
	return e.id == other.id
}

// PayloadJSON returns the JSON-serialized payload, or the error from
// encoding it. The result is cached.
func (e DomainEvent) PayloadJSON() ([]byte, error) {
	if e.bytes == nil {
		return json.Marshal(e.payload)
	}
	e.bytes.once.Do(func() {
		e.bytes.data, e.bytes.err = json.Marshal(e.payload)
	})
	return e.bytes.data, e.bytes.err
}

// PayloadBytes is PayloadJSON without the error. A payload that cannot be
// encoded yields nil.
func (e DomainEvent) PayloadBytes() []byte {
	b, err := e.PayloadJSON()
	if err != nil {
		return nil
	}
	return b
}

// wireEvent is the JSON shape of a DomainEvent.
type wireEvent struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Kind          Kind            `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// MarshalJSON implements json.Marshaler.
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:            e.id,
		Timestamp:     e.timestamp,
		AggregateID:   e.aggregateID,
		AggregateType: e.aggregateType,
		Kind:          e.kind,
		Payload:       e.PayloadBytes(),
		Metadata:      e.meta,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload is decoded into
// generic JSON values (map[string]any for objects).
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload any
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return err
		}
	}

	*e = DomainEvent{
		id:            w.ID,
		timestamp:     w.Timestamp,
		aggregateID:   w.AggregateID,
		aggregateType: w.AggregateType,
		kind:          w.Kind,
		payload:       payload,
		meta:          w.Metadata,
		bytes:         &payloadCache{},
	}
	return nil
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	timestamp     time.Time
	version       int
	source        string
	correlationID string
	causationID   string
	emission      EmissionContext
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// WithVersion sets the schema version (default: 1).
func WithVersion(v int) Option {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// WithSource sets the emitting component.
func WithSource(source string) Option {
	return func(cfg *eventConfig) {
		cfg.source = source
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithEmission stamps the emission context onto the event.
func WithEmission(ec EmissionContext) Option {
	return func(cfg *eventConfig) {
		cfg.emission = ec
	}
}

// New creates a new event.
func New(kind Kind, aggregateType, aggregateID string, payload any, opts ...Option) DomainEvent {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
		version:   1,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use event ID as the root
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return DomainEvent{
		id:            cfg.id,
		timestamp:     cfg.timestamp,
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		kind:          kind,
		payload:       payload,
		meta: Metadata{
			Version:       cfg.version,
			Source:        cfg.source,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			ContextID:     cfg.emission.ContextID,
			ActorID:       cfg.emission.ActorID,
		},
		bytes: &payloadCache{},
	}
}

// NewFromParent creates a new event caused by a parent event.
// It inherits the parent's correlation ID and emission context and sets the
// causation ID to the parent's ID.
func NewFromParent(parent DomainEvent, kind Kind, aggregateType, aggregateID string, payload any, opts ...Option) DomainEvent {
	pm := parent.Metadata()
	parentOpts := []Option{
		WithCorrelationID(pm.CorrelationID),
		WithCausationID(parent.ID()),
		WithEmission(EmissionContext{ContextID: pm.ContextID, ActorID: pm.ActorID}),
	}
	return New(kind, aggregateType, aggregateID, payload, append(parentOpts, opts...)...)
}

// WithEmissionContext returns a copy of e carrying ec, unless e already has
// an emission context of its own.
func (e DomainEvent) WithEmissionContext(ec EmissionContext) DomainEvent {
	if e.meta.ContextID != "" || e.meta.ActorID != "" || ec.IsZero() {
		return e
	}
	e.meta.ContextID = ec.ContextID
	e.meta.ActorID = ec.ActorID
	return e
}
