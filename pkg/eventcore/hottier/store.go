// Package hottier is a short-retention, tenant-scoped audit store backed by
// a fixed-capacity circular buffer.
//
// Writes never block or fail for lack of room: the oldest record is evicted.
// Delete only drops the lookup index entry; the record keeps its buffer slot
// until it is overwritten, so Query and Archive, which scan the buffer, can
// still return it until then. GetByID goes through the index and will not.
package hottier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Sentinel errors.
var (
	// ErrTenantRequired indicates a tenant-less write or unprivileged query.
	ErrTenantRequired = errors.New("tenant id required")

	// ErrInvalidEvent indicates an audit event without an ID.
	ErrInvalidEvent = errors.New("invalid audit event")
)

// Defaults.
const (
	DefaultCapacity      = 1000
	DefaultRetentionDays = 7
)

// Config configures a Store.
type Config struct {
	// Capacity is the number of records held before the oldest is evicted.
	// Default: 1000
	Capacity int

	// RetentionDays sets the ArchiveExpired cutoff.
	// Default: 7
	RetentionDays int

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// slot is one buffer entry. seq tells a rewritten ID's current record apart
// from an older copy still in the ring.
type slot struct {
	evt AuditEvent
	seq uint64
}

// Store is the hot-tier audit store. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	cfg   Config
	buf   *CircularBuffer[slot]
	index map[string]slot
	seq   uint64

	writes    int64
	evictions int64
}

// NewStore creates a hot-tier store.
func NewStore(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:   cfg,
		buf:   NewCircularBuffer[slot](cfg.Capacity),
		index: make(map[string]slot, cfg.Capacity),
	}
}

// Write stores evt, evicting the oldest record when full. A zero Timestamp
// is set from the store's clock.
func (s *Store) Write(ctx context.Context, evt AuditEvent) error {
	if evt.ID == "" {
		return ErrInvalidEvent
	}
	if evt.TenantID == "" {
		return fmt.Errorf("write %s: %w", evt.ID, ErrTenantRequired)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.cfg.Clock()
	}

	s.mu.Lock()
	s.seq++
	entry := slot{evt: evt, seq: s.seq}
	old, evicted := s.buf.Push(entry)
	if evicted {
		if cur, ok := s.index[old.evt.ID]; ok && cur.seq == old.seq {
			delete(s.index, old.evt.ID)
		}
		s.evictions++
	}
	s.index[evt.ID] = entry
	s.writes++
	s.mu.Unlock()

	s.cfg.Metrics.RecordHotTierWrite(ctx, evicted)
	if evicted {
		observability.LogHotTierEviction(s.cfg.Logger, old.evt.ID, old.evt.TenantID)
	}
	return nil
}

// BatchResult summarises a WriteBatch.
type BatchResult struct {
	Success  int
	Failed   int
	Errors   []error
	Duration time.Duration
}

// WriteBatch writes evts in order through Write. A failing record does not
// stop the batch.
func (s *Store) WriteBatch(ctx context.Context, evts []AuditEvent) BatchResult {
	start := time.Now()
	var res BatchResult
	for _, evt := range evts {
		if err := s.Write(ctx, evt); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Success++
	}
	res.Duration = time.Since(start)
	return res
}

// Query returns records matching c, newest first. Records removed by Delete
// may still appear until their slot is overwritten.
func (s *Store) Query(_ context.Context, c Criteria) ([]AuditEvent, error) {
	if c.TenantID == "" && !c.Privileged {
		return nil, ErrTenantRequired
	}

	s.mu.RLock()
	out := s.scanLocked(c.Matches)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if c.Limit > 0 && c.Limit < len(out) {
		out = out[:c.Limit]
	}
	return out, nil
}

// Count returns the number of records Query would return without a limit.
func (s *Store) Count(ctx context.Context, c Criteria) (int, error) {
	c.Limit = 0
	evts, err := s.Query(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(evts), nil
}

// GetByID returns the indexed record for id. A record owned by another
// tenant is reported exactly like a missing one. An empty tenantID skips
// the tenant check.
func (s *Store) GetByID(_ context.Context, id, tenantID string) (AuditEvent, bool) {
	s.mu.RLock()
	entry, ok := s.index[id]
	s.mu.RUnlock()

	if !ok || (tenantID != "" && entry.evt.TenantID != tenantID) {
		return AuditEvent{}, false
	}
	return entry.evt, true
}

// Delete removes ids owned by tenantID from the index and returns how many
// were removed. IDs that are missing or owned by another tenant are skipped.
func (s *Store) Delete(_ context.Context, ids []string, tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		entry, ok := s.index[id]
		if !ok || entry.evt.TenantID != tenantID {
			continue
		}
		delete(s.index, id)
		removed++
	}
	return removed
}

// Archive selects records older than before, oldest first, as candidates
// for a colder tier. It neither removes nor transmits them. An empty
// tenantID selects across tenants.
func (s *Store) Archive(_ context.Context, before time.Time, tenantID string) []AuditEvent {
	s.mu.RLock()
	out := s.scanLocked(func(evt AuditEvent) bool {
		return evt.Timestamp.Before(before) && (tenantID == "" || evt.TenantID == tenantID)
	})
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ArchiveExpired selects records older than the retention window.
func (s *Store) ArchiveExpired(ctx context.Context, tenantID string) []AuditEvent {
	cutoff := s.cfg.Clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	return s.Archive(ctx, cutoff, tenantID)
}

// Stats describes the store's occupancy.
type Stats struct {
	Capacity    int        `json:"capacity"`
	Size        int        `json:"size"`
	Indexed     int        `json:"indexed"`
	Utilization float64    `json:"utilization"`
	Writes      int64      `json:"writes"`
	Evictions   int64      `json:"evictions"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
}

// Stats returns occupancy and lifetime counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Capacity:    s.buf.Cap(),
		Size:        s.buf.Len(),
		Indexed:     len(s.index),
		Utilization: float64(s.buf.Len()) / float64(s.buf.Cap()),
		Writes:      s.writes,
		Evictions:   s.evictions,
	}
	for _, entry := range s.buf.All() {
		ts := entry.evt.Timestamp
		if st.Oldest == nil || ts.Before(*st.Oldest) {
			st.Oldest = &ts
		}
		if st.Newest == nil || ts.After(*st.Newest) {
			st.Newest = &ts
		}
	}
	return st
}

// Clear drops every record and resets the index.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Clear()
	s.index = make(map[string]slot, s.buf.Cap())
}

func (s *Store) scanLocked(keep func(AuditEvent) bool) []AuditEvent {
	out := make([]AuditEvent, 0)
	for _, entry := range s.buf.All() {
		if keep(entry.evt) {
			out = append(out, entry.evt)
		}
	}
	return out
}
