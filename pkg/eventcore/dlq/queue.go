// Package dlq holds envelopes whose handler retries were exhausted.
//
// The queue never re-publishes on its own: Retry and RetryByType remove
// entries and hand back fresh envelopes, and the caller decides what to do
// with them (typically eventcore.Bus.Republish).
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates no entry exists for the event ID.
	ErrNotFound = errors.New("event not found in dead-letter queue")

	// ErrQueueFull indicates a bounded queue has no room for a new event.
	ErrQueueFull = errors.New("dead-letter queue is full")
)

// Config configures the dead-letter queue.
type Config struct {
	// MaxSize limits the number of distinct event IDs held.
	// Default: 0 (unbounded)
	MaxSize int

	// OnSend is called after an envelope is stored.
	OnSend func(*event.Envelope)

	// Logger receives queue activity. Nil disables logging.
	Logger *slog.Logger

	// Metrics records dead letters. Nil uses a no-op recorder.
	Metrics observability.MetricsRecorder
}

// Queue is an in-memory dead-letter queue keyed by event ID.
// Sending an envelope for an ID already present replaces it.
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*event.Envelope
	cfg     Config

	// Lifetime counters
	sent    int64
	retried int64
	deleted int64
}

// New creates a new dead-letter queue.
func New(cfg Config) *Queue {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Queue{
		entries: make(map[string]*event.Envelope),
		cfg:     cfg,
	}
}

// Send stores env, marking it as a dead letter.
func (q *Queue) Send(ctx context.Context, env *event.Envelope) error {
	if env == nil || env.Event.ID() == "" {
		return fmt.Errorf("send to dead-letter queue: %w", event.ErrInvalidEnvelope)
	}

	id := env.Event.ID()
	stored := env.Clone()
	stored.MarkDeadLetter()

	q.mu.Lock()
	if _, exists := q.entries[id]; !exists && q.cfg.MaxSize > 0 && len(q.entries) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.entries[id] = stored
	q.sent++
	q.mu.Unlock()

	q.cfg.Metrics.RecordDeadLetter(ctx, string(env.Event.Kind()), env.Handler)
	observability.LogDeadLetter(q.cfg.Logger, id, string(env.Event.Kind()), env.Handler, env.RetryCount, env.Err)

	if q.cfg.OnSend != nil {
		q.cfg.OnSend(stored.Clone())
	}
	return nil
}

// TotalFailedEvents returns the number of entries currently held.
func (q *Queue) TotalFailedEvents() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// FailedEventTypes returns entry counts grouped by event kind.
func (q *Queue) FailedEventTypes() map[event.Kind]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := make(map[event.Kind]int)
	for _, env := range q.entries {
		counts[env.Event.Kind()]++
	}
	return counts
}

// Filter narrows FailedEvents.
type Filter struct {
	// Kind keeps only entries of this event kind.
	Kind event.Kind

	// Since keeps only entries whose last attempt is at or after this time.
	Since *time.Time

	// Limit caps the result. Zero means no limit.
	Limit int
}

// FailedEvents returns entries matching f, most recently attempted first.
// Entries without a LastAttempt sort as the oldest.
func (q *Queue) FailedEvents(f Filter) []*event.Envelope {
	q.mu.RLock()
	out := make([]*event.Envelope, 0, len(q.entries))
	for _, env := range q.entries {
		if f.Kind != "" && env.Event.Kind() != f.Kind {
			continue
		}
		if f.Since != nil && lastAttempt(env).Before(*f.Since) {
			continue
		}
		out = append(out, env.Clone())
	}
	q.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastAttempt(out[i]), lastAttempt(out[j])
		if ti.Equal(tj) {
			return out[i].Event.ID() < out[j].Event.ID()
		}
		return ti.After(tj)
	})

	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// FailedEvent returns a copy of the entry for id.
func (q *Queue) FailedEvent(id string) (*event.Envelope, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	env, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return env.Clone(), true
}

// Retry atomically removes the entry for id and returns a fresh envelope
// with its retry state reset. Re-publishing is up to the caller.
func (q *Queue) Retry(id string) (*event.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	env, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}

	delete(q.entries, id)
	q.retried++
	return env.Fresh(), nil
}

// RetryByType removes every entry of kind and returns fresh envelopes for
// them, oldest failure first.
func (q *Queue) RetryByType(kind event.Kind) []*event.Envelope {
	q.mu.Lock()
	out := make([]*event.Envelope, 0)
	for id, env := range q.entries {
		if env.Event.Kind() != kind {
			continue
		}
		out = append(out, env)
		delete(q.entries, id)
	}
	q.retried += int64(len(out))
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return lastAttempt(out[i]).Before(lastAttempt(out[j]))
	})

	fresh := make([]*event.Envelope, len(out))
	for i, env := range out {
		fresh[i] = env.Fresh()
	}
	return fresh
}

// Delete irreversibly removes the entry for id.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(q.entries, id)
	q.deleted++
	return nil
}

// DeleteIf removes the entry for id only if match reports true for it,
// checked under the queue lock. It reports whether the entry was removed.
func (q *Queue) DeleteIf(id string, match func(*event.Envelope) bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	env, ok := q.entries[id]
	if !ok {
		return false, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if !match(env) {
		return false, nil
	}
	delete(q.entries, id)
	q.deleted++
	return true, nil
}

// Unchanged matches an entry that still looks like rec: same handler,
// retry count and last attempt.
func Unchanged(rec ExportRecord) func(*event.Envelope) bool {
	return func(env *event.Envelope) bool {
		if env.Handler != rec.Handler || env.RetryCount != rec.RetryCount {
			return false
		}
		if env.LastAttempt == nil || rec.LastAttempt == nil {
			return env.LastAttempt == nil && rec.LastAttempt == nil
		}
		return env.LastAttempt.Equal(*rec.LastAttempt)
	}
}

// Clear irreversibly removes every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted += int64(len(q.entries))
	q.entries = make(map[string]*event.Envelope)
}

// Statistics summarises the current entries.
type Statistics struct {
	Total         int                `json:"total"`
	ByType        map[event.Kind]int `json:"by_type"`
	OldestFailure *time.Time         `json:"oldest_failure,omitempty"`
	NewestFailure *time.Time         `json:"newest_failure,omitempty"`

	// Lifetime counters
	Sent    int64 `json:"sent"`
	Retried int64 `json:"retried"`
	Deleted int64 `json:"deleted"`
}

// Statistics returns totals and the failure time range, derived from each
// entry's LastAttempt.
func (q *Queue) Statistics() Statistics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Statistics{
		Total:   len(q.entries),
		ByType:  make(map[event.Kind]int),
		Sent:    q.sent,
		Retried: q.retried,
		Deleted: q.deleted,
	}

	for _, env := range q.entries {
		stats.ByType[env.Event.Kind()]++
		if env.LastAttempt == nil {
			continue
		}
		ts := *env.LastAttempt
		if stats.OldestFailure == nil || ts.Before(*stats.OldestFailure) {
			stats.OldestFailure = &ts
		}
		if stats.NewestFailure == nil || ts.After(*stats.NewestFailure) {
			stats.NewestFailure = &ts
		}
	}
	return stats
}

// ExportRecord is a flat, serializable view of one entry.
type ExportRecord struct {
	EventID     string          `json:"event_id"`
	EventType   event.Kind      `json:"event_type"`
	Handler     string          `json:"handler,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Export returns every entry as an ExportRecord, most recently attempted first.
func (q *Queue) Export() []ExportRecord {
	envs := q.FailedEvents(Filter{})
	out := make([]ExportRecord, len(envs))
	for i, env := range envs {
		out[i] = ExportRecord{
			EventID:     env.Event.ID(),
			EventType:   env.Event.Kind(),
			Handler:     env.Handler,
			RetryCount:  env.RetryCount,
			LastAttempt: env.LastAttempt,
			Error:       env.ErrorMessage(),
			Payload:     json.RawMessage(env.Event.PayloadBytes()),
		}
	}
	return out
}

// ExportJSON writes Export as a JSON array to w.
func (q *Queue) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(q.Export()); err != nil {
		return fmt.Errorf("encode dead letters: %w", err)
	}
	return nil
}

func lastAttempt(env *event.Envelope) time.Time {
	if env.LastAttempt == nil {
		return time.Unix(0, 0)
	}
	return *env.LastAttempt
}
