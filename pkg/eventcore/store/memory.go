package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// MemoryStore is an in-memory event store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu          sync.RWMutex
	events      []event.DomainEvent // global append order
	byAggregate map[string][]int    // aggregate ID -> positions in events
	closed      bool
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAggregate: make(map[string][]int),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, evt event.DomainEvent) error {
	if err := validate(evt); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.appendLocked(evt)
	return nil
}

// AppendBatch implements Store. The batch is validated up front so a bad
// event leaves the store untouched.
func (m *MemoryStore) AppendBatch(_ context.Context, evts []event.DomainEvent) error {
	for _, evt := range evts {
		if err := validate(evt); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, evt := range evts {
		m.appendLocked(evt)
	}
	return nil
}

func (m *MemoryStore) appendLocked(evt event.DomainEvent) {
	m.events = append(m.events, evt)
	if id := evt.AggregateID(); id != "" {
		m.byAggregate[id] = append(m.byAggregate[id], len(m.events)-1)
	}
}

// Events implements Store.
func (m *MemoryStore) Events(_ context.Context, c Criteria) ([]event.DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	src := m.events
	if c.AggregateID != "" {
		src = m.aggregateLocked(c.AggregateID)
	}
	return Apply(src, c), nil
}

// ByAggregate implements Store.
func (m *MemoryStore) ByAggregate(_ context.Context, aggregateID string) ([]event.DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	evts := m.aggregateLocked(aggregateID)
	sortAsc(evts)
	return evts, nil
}

func (m *MemoryStore) aggregateLocked(aggregateID string) []event.DomainEvent {
	positions := m.byAggregate[aggregateID]
	out := make([]event.DomainEvent, 0, len(positions))
	for _, pos := range positions {
		out = append(out, m.events[pos])
	}
	return out
}

// Since implements Store.
func (m *MemoryStore) Since(_ context.Context, t time.Time) ([]event.DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]event.DomainEvent, 0)
	for _, evt := range m.events {
		if !evt.Timestamp().Before(t) {
			out = append(out, evt)
		}
	}
	sortAsc(out)
	return out, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.events = nil
	m.byAggregate = make(map[string][]int)
	return nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortAsc(evts []event.DomainEvent) {
	sort.SliceStable(evts, func(i, j int) bool {
		return evts[i].Timestamp().Before(evts[j].Timestamp())
	})
}
