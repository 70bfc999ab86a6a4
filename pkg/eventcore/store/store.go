// Package store provides the append-only event log the bus writes to before
// dispatching.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Store is an append-only log of domain events.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds one event. Semantically duplicate events are accepted.
	Append(ctx context.Context, evt event.DomainEvent) error

	// AppendBatch adds events in order.
	AppendBatch(ctx context.Context, evts []event.DomainEvent) error

	// Events returns the events matching criteria.
	Events(ctx context.Context, c Criteria) ([]event.DomainEvent, error)

	// ByAggregate returns all events of an aggregate, oldest first.
	ByAggregate(ctx context.Context, aggregateID string) ([]event.DomainEvent, error)

	// Since returns all events at or after t, oldest first.
	Since(ctx context.Context, t time.Time) ([]event.DomainEvent, error)

	// Clear removes every event.
	Clear(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Order is the timestamp sort direction of a query.
type Order int

const (
	// OrderDesc returns newest events first. It is the default.
	OrderDesc Order = iota
	// OrderAsc returns oldest events first.
	OrderAsc
)

// Criteria filters an Events query. All set fields must match; unset fields
// impose no constraint. Offset and Limit apply after filtering and sorting.
type Criteria struct {
	Kind          event.Kind
	AggregateID   string
	AggregateType string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
	Order         Order
}

// Matches reports whether evt satisfies the filter part of c.
func (c Criteria) Matches(evt event.DomainEvent) bool {
	if c.Kind != "" && evt.Kind() != c.Kind {
		return false
	}
	if c.AggregateID != "" && evt.AggregateID() != c.AggregateID {
		return false
	}
	if c.AggregateType != "" && evt.AggregateType() != c.AggregateType {
		return false
	}
	if c.Since != nil && evt.Timestamp().Before(*c.Since) {
		return false
	}
	if c.Until != nil && evt.Timestamp().After(*c.Until) {
		return false
	}
	return true
}

// Apply filters, sorts and pages evts according to c. evts must be in
// append order; ties on timestamp keep append order.
func Apply(evts []event.DomainEvent, c Criteria) []event.DomainEvent {
	out := make([]event.DomainEvent, 0, len(evts))
	for _, evt := range evts {
		if c.Matches(evt) {
			out = append(out, evt)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c.Order == OrderAsc {
			return out[i].Timestamp().Before(out[j].Timestamp())
		}
		return out[i].Timestamp().After(out[j].Timestamp())
	})

	return page(out, c.Offset, c.Limit)
}

func page(evts []event.DomainEvent, offset, limit int) []event.DomainEvent {
	if offset > 0 {
		if offset >= len(evts) {
			return []event.DomainEvent{}
		}
		evts = evts[offset:]
	}
	if limit > 0 && limit < len(evts) {
		evts = evts[:limit]
	}
	return evts
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrInvalidEvent indicates an event without an ID or kind, or one
	// whose payload cannot be encoded as JSON.
	ErrInvalidEvent = errors.New("invalid event")
)

func validate(evt event.DomainEvent) error {
	if evt.ID() == "" || evt.Kind() == "" {
		return ErrInvalidEvent
	}
	if _, err := evt.PayloadJSON(); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrInvalidEvent, evt.ID(), err)
	}
	return nil
}
