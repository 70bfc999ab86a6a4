// Package archive hands hot-tier archive candidates and dead-letter exports
// to a colder tier over a watermill publisher.
//
// Each record becomes one JSON message. Message metadata carries the record
// kind ("audit" or "dead_letter"), the event type, and the tenant for audit
// records, so subscribers can route without decoding the payload.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/randalmurphal/eventcore/pkg/eventcore/dlq"
	"github.com/randalmurphal/eventcore/pkg/eventcore/hottier"
)

// Metadata keys set on every message.
const (
	MetadataKind      = "kind"
	MetadataEventType = "event_type"
	MetadataTenantID  = "tenant_id"
)

// Record kinds.
const (
	KindAudit      = "audit"
	KindDeadLetter = "dead_letter"
)

// Default topics.
const (
	DefaultAuditTopic      = "eventcore.archive.audit"
	DefaultDeadLetterTopic = "eventcore.archive.dead_letters"
)

// Config configures a Forwarder.
type Config struct {
	// Publisher receives the messages. Required.
	Publisher message.Publisher

	// AuditTopic is where audit records go.
	// Default: "eventcore.archive.audit"
	AuditTopic string

	// DeadLetterTopic is where dead-letter records go.
	// Default: "eventcore.archive.dead_letters"
	DeadLetterTopic string

	Logger *slog.Logger
}

// Forwarder publishes archive records.
type Forwarder struct {
	cfg Config
}

// New creates a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("archive: publisher is required")
	}
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = DefaultAuditTopic
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultDeadLetterTopic
	}
	return &Forwarder{cfg: cfg}, nil
}

// NewInProcessPubSub returns a watermill pub/sub that delivers within the
// process, logging through logger. It suits tests and single-binary
// deployments where the cold tier is another goroutine.
func NewInProcessPubSub(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))
}

// ForwardAudit publishes one message per audit record.
func (f *Forwarder) ForwardAudit(ctx context.Context, recs []hottier.AuditEvent) error {
	msgs := make([]*message.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := newMessage(ctx, rec)
		if err != nil {
			return fmt.Errorf("forward audit %s: %w", rec.ID, err)
		}
		msg.Metadata.Set(MetadataKind, KindAudit)
		msg.Metadata.Set(MetadataTenantID, rec.TenantID)
		msg.Metadata.Set(MetadataEventType, rec.Category)
		msgs = append(msgs, msg)
	}
	return f.publish(f.cfg.AuditTopic, msgs)
}

// ForwardDeadLetters publishes one message per dead-letter record.
func (f *Forwarder) ForwardDeadLetters(ctx context.Context, recs []dlq.ExportRecord) error {
	msgs := make([]*message.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := newMessage(ctx, rec)
		if err != nil {
			return fmt.Errorf("forward dead letter %s: %w", rec.EventID, err)
		}
		msg.Metadata.Set(MetadataKind, KindDeadLetter)
		msg.Metadata.Set(MetadataEventType, string(rec.EventType))
		msgs = append(msgs, msg)
	}
	return f.publish(f.cfg.DeadLetterTopic, msgs)
}

// ArchiveExpired forwards records older than the store's retention window,
// then drops them from the store's index. An empty tenantID covers every
// tenant. It returns how many records were forwarded; nothing is dropped
// when publishing fails.
//
// Dropped records keep their buffer slot until overwritten, so a later run
// may select and forward them again. Consumers should dedupe on record ID.
func (f *Forwarder) ArchiveExpired(ctx context.Context, store *hottier.Store, tenantID string) (int, error) {
	expired := store.ArchiveExpired(ctx, tenantID)
	if len(expired) == 0 {
		return 0, nil
	}
	if err := f.ForwardAudit(ctx, expired); err != nil {
		return 0, err
	}

	byTenant := make(map[string][]string)
	for _, rec := range expired {
		byTenant[rec.TenantID] = append(byTenant[rec.TenantID], rec.ID)
	}
	for tenant, ids := range byTenant {
		store.Delete(ctx, ids, tenant)
	}
	return len(expired), nil
}

// DrainDeadLetters forwards every queued dead letter, then deletes the
// forwarded entries from q. An entry replaced while the batch was in flight
// stays queued for the next drain. It returns how many entries were
// forwarded.
func (f *Forwarder) DrainDeadLetters(ctx context.Context, q *dlq.Queue) (int, error) {
	recs := q.Export()
	if len(recs) == 0 {
		return 0, nil
	}
	if err := f.ForwardDeadLetters(ctx, recs); err != nil {
		return 0, err
	}

	for _, rec := range recs {
		if _, err := q.DeleteIf(rec.EventID, dlq.Unchanged(rec)); err != nil && !errors.Is(err, dlq.ErrNotFound) {
			return 0, err
		}
	}
	return len(recs), nil
}

func (f *Forwarder) publish(topic string, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	if err := f.cfg.Publisher.Publish(topic, msgs...); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if f.cfg.Logger != nil {
		f.cfg.Logger.Debug("archive records forwarded",
			slog.String("topic", topic),
			slog.Int("count", len(msgs)),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
	return nil
}

func newMessage(ctx context.Context, v any) (*message.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return msg, nil
}
