package eventcore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Unsubscribe removes a registration. Calling it more than once has no
// further effect. A delivery already in flight is not interrupted.
type Unsubscribe func()

// subscription is one registered handler.
type subscription struct {
	id       string
	seq      uint64
	kind     event.Kind // empty for SubscribeAll
	name     string
	raw      uintptr // identity of the unwrapped handler, for Off
	handler  Handler // wrapped with middleware
	retry    ecerrors.RetryPolicy
	timeout  time.Duration
	filter   Filter
	validate Validator
	priority int
	sem      chan struct{} // nil when unlimited

	once  bool
	fired atomic.Bool
}

func (s *subscription) matches(evt event.DomainEvent) bool {
	if s.kind != "" && s.kind != evt.Kind() {
		return false
	}
	return s.filter == nil || s.filter(evt)
}

// Subscribe registers handler for events of kind.
func (b *Bus) Subscribe(kind event.Kind, handler Handler, opts ...SubscribeOption) Unsubscribe {
	return b.subscribe(kind, handler, false, opts)
}

// On is an alias for Subscribe.
func (b *Bus) On(kind event.Kind, handler Handler, opts ...SubscribeOption) Unsubscribe {
	return b.subscribe(kind, handler, false, opts)
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler, opts ...SubscribeOption) Unsubscribe {
	return b.subscribe("", handler, false, opts)
}

// Once registers handler for kind until it handles one event
// successfully. A delivery that ends in the dead-letter queue leaves the
// subscription in place for the next event. Calling the returned
// Unsubscribe before a matching publish guarantees the handler never runs.
func (b *Bus) Once(kind event.Kind, handler Handler, opts ...SubscribeOption) Unsubscribe {
	return b.subscribe(kind, handler, true, opts)
}

func (b *Bus) subscribe(kind event.Kind, handler Handler, once bool, opts []SubscribeOption) Unsubscribe {
	if handler == nil {
		panic("eventcore: nil handler")
	}

	var sc subscribeConfig
	for _, opt := range opts {
		opt(&sc)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		b.log().Warn("subscribe on disposed bus ignored", "event_type", string(kind))
		return func() {}
	}

	b.seq++
	sub := &subscription{
		id:       uuid.NewString(),
		seq:      b.seq,
		kind:     kind,
		name:     sc.name,
		raw:      funcPointer(handler),
		retry:    b.cfg.DefaultRetry,
		timeout:  b.cfg.HandlerTimeout,
		filter:   sc.filter,
		validate: sc.validator,
		priority: sc.priority,
		once:     once,
	}
	if sub.name == "" {
		sub.name = funcName(handler)
	}
	if sc.retry != nil {
		sub.retry = *sc.retry
	}
	sub.retry = sub.retry.Normalize()
	if sc.timeout != nil {
		sub.timeout = *sc.timeout
	}
	if sc.concurrency > 0 {
		sub.sem = make(chan struct{}, sc.concurrency)
	}

	mw := make([]Middleware, 0, len(b.cfg.Middleware)+len(sc.middleware))
	mw = append(mw, b.cfg.Middleware...)
	mw = append(mw, sc.middleware...)
	sub.handler = Chain(handler, mw...)

	b.addLocked(sub)

	var unsubOnce sync.Once
	return func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(sub)
		})
	}
}

// Off removes every subscription to kind registered with handler.
// Handlers are compared by function identity; closures created from the
// same function literal are indistinguishable, so prefer WithName and
// OffByName for those.
func (b *Bus) Off(kind event.Kind, handler Handler) {
	ptr := funcPointer(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subsFor(kind) {
		if sub.raw == ptr {
			b.removeLocked(sub)
		}
	}
}

// OffByName removes every subscription to kind with the given name.
func (b *Bus) OffByName(kind event.Kind, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, sub := range b.subsFor(kind) {
		if sub.name == name {
			b.removeLocked(sub)
			removed++
		}
	}
	if removed == 0 {
		return &event.HandlerNotFoundError{Kind: kind, Handler: name}
	}
	return nil
}

// SubscriptionCount returns the number of subscriptions for kind, not
// counting SubscribeAll handlers. An empty kind counts everything.
func (b *Bus) SubscriptionCount(kind event.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if kind != "" {
		return len(b.byKind[kind])
	}
	n := len(b.wildcard)
	for _, subs := range b.byKind {
		n += len(subs)
	}
	return n
}

// ActiveEventTypes returns the kinds with at least one subscription, sorted.
func (b *Bus) ActiveEventTypes() []event.Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()

	kinds := make([]event.Kind, 0, len(b.byKind))
	for kind, subs := range b.byKind {
		if len(subs) > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (b *Bus) subsFor(kind event.Kind) []*subscription {
	if kind == "" {
		return b.wildcard
	}
	return b.byKind[kind]
}

// addLocked and removeLocked replace slices rather than editing them in
// place, so a snapshot taken by a publisher stays valid.
func (b *Bus) addLocked(sub *subscription) {
	if sub.kind == "" {
		b.wildcard = append(append([]*subscription(nil), b.wildcard...), sub)
		return
	}
	subs := b.byKind[sub.kind]
	b.byKind[sub.kind] = append(append([]*subscription(nil), subs...), sub)
}

func (b *Bus) removeLocked(sub *subscription) {
	src := b.subsFor(sub.kind)
	next := make([]*subscription, 0, len(src))
	for _, s := range src {
		if s != sub {
			next = append(next, s)
		}
	}

	switch {
	case sub.kind == "":
		b.wildcard = next
	case len(next) == 0:
		delete(b.byKind, sub.kind)
	default:
		b.byKind[sub.kind] = next
	}
}

// matchLocked returns the subscriptions for evt ordered by priority, then
// registration. Once subscriptions are claimed here, under the write lock,
// so at most one delivery is in flight; settleOnce unregisters them after
// a success or gives the claim back after a failure. Events matching a
// claimed once subscription are skipped for it.
func (b *Bus) matchLocked(evt event.DomainEvent) []*subscription {
	candidates := make([]*subscription, 0, len(b.byKind[evt.Kind()])+len(b.wildcard))
	candidates = append(candidates, b.byKind[evt.Kind()]...)
	candidates = append(candidates, b.wildcard...)

	out := make([]*subscription, 0, len(candidates))
	for _, sub := range candidates {
		if !sub.matches(evt) {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
		}
		out = append(out, sub)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
