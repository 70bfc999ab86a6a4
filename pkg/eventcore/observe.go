package eventcore

import (
	"context"
	"iter"
	"sync"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

type observer struct {
	kind event.Kind // empty for ObserveAll
	ch   chan event.DomainEvent
	done chan struct{}
	once sync.Once
}

func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}

// Observe returns a sequence of events of kind published after ranging
// begins. There is no replay. The sequence ends when ctx is done, the
// loop breaks, or the bus is disposed.
//
// An observer that falls more than ObserverBuffer events behind misses
// events rather than slowing publishers down.
//
//	for evt := range bus.Observe(ctx, "team.created") {
//		fmt.Println(evt.AggregateID())
//	}
func (b *Bus) Observe(ctx context.Context, kind event.Kind) iter.Seq[event.DomainEvent] {
	return func(yield func(event.DomainEvent) bool) {
		obs, id, ok := b.addObserver(kind)
		if !ok {
			return
		}
		defer b.removeObserver(id)

		for {
			select {
			case <-ctx.Done():
				return
			case <-obs.done:
				return
			case evt := <-obs.ch:
				if !yield(evt) {
					return
				}
			}
		}
	}
}

// ObserveAll is Observe for every kind.
func (b *Bus) ObserveAll(ctx context.Context) iter.Seq[event.DomainEvent] {
	return b.Observe(ctx, "")
}

func (b *Bus) addObserver(kind event.Kind) (*observer, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil, 0, false
	}
	b.seq++
	obs := &observer{
		kind: kind,
		ch:   make(chan event.DomainEvent, b.cfg.ObserverBuffer),
		done: make(chan struct{}),
	}
	b.observers[b.seq] = obs
	return obs, b.seq, true
}

func (b *Bus) removeObserver(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if obs, ok := b.observers[id]; ok {
		obs.close()
		delete(b.observers, id)
	}
}

func (b *Bus) observerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// notifyObserversLocked never blocks; a full observer buffer drops evt.
func (b *Bus) notifyObserversLocked(ctx context.Context, evt event.DomainEvent) {
	for _, obs := range b.observers {
		if obs.kind != "" && obs.kind != evt.Kind() {
			continue
		}
		select {
		case obs.ch <- evt:
		default:
			b.cfg.Metrics.RecordObserverDrop(ctx, string(evt.Kind()))
			observability.LogObserverDrop(b.log(), evt.ID(), string(evt.Kind()))
		}
	}
}
