package eventcore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventcore/pkg/eventcore/dlq"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/hottier"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/store"
)

// Failure reports a failed handler attempt. Terminal is set on the last
// report for an envelope, when it is handed to the dead-letter queue.
type Failure struct {
	Envelope *event.Envelope
	Err      error
	Terminal bool
}

// Bus is an in-process publish/subscribe event bus.
//
// Every accepted event is appended to the configured Store and to a bounded
// history ring before dispatch. Each matching subscription then runs in its
// own goroutine with retries; handler failures never reach the publisher.
type Bus struct {
	cfg BusConfig

	mu           sync.RWMutex
	byKind       map[event.Kind][]*subscription
	wildcard     []*subscription
	observers    map[uint64]*observer
	failureHooks map[uint64]func(Failure)
	history      *hottier.CircularBuffer[event.DomainEvent]
	eventCount   int64
	emission     event.EmissionContext
	disposed     bool
	seq          uint64

	life *lifetime
}

// lifetime scopes dispatch work between Initialize and Dispose. A disposed
// bus gets a fresh lifetime when re-initialized, so late tasks of the old
// one never share a WaitGroup with new work.
type lifetime struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

func newLifetime() *lifetime {
	ctx, cancel := context.WithCancel(context.Background())
	return &lifetime{ctx: ctx, cancel: cancel}
}

// NewBus creates a bus. Options are applied on top of cfg.
func NewBus(cfg BusConfig, opts ...BusOption) *Bus {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Bus{
		cfg:          cfg,
		byKind:       make(map[event.Kind][]*subscription),
		observers:    make(map[uint64]*observer),
		failureHooks: make(map[uint64]func(Failure)),
		history:      hottier.NewCircularBuffer[event.DomainEvent](cfg.HistoryLimit),
		life:         newLifetime(),
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (b *Bus) log() *slog.Logger {
	if b.cfg.Logger == nil {
		return discardLogger
	}
	return b.cfg.Logger
}

// Store returns the event store the bus appends to.
func (b *Bus) Store() store.Store {
	return b.cfg.Store
}

// DLQ returns the dead-letter queue the bus hands exhausted envelopes to.
func (b *Bus) DLQ() *dlq.Queue {
	return b.cfg.DLQ
}

// Initialize sets the default emission context stamped onto published
// events. It may be called again to change it, and re-enables a disposed
// bus. History and subscriptions are left alone.
func (b *Bus) Initialize(contextID, actorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emission = event.EmissionContext{ContextID: contextID, ActorID: actorID}
	if b.disposed {
		b.disposed = false
		b.life = newLifetime()
	}
}

// Publish creates an event and publishes it. The bus Source is applied
// first so a WithSource option overrides it.
func (b *Bus) Publish(
	ctx context.Context,
	kind event.Kind,
	aggregateType, aggregateID string,
	payload any,
	opts ...event.Option,
) (event.DomainEvent, error) {
	evt := b.newEvent(kind, aggregateType, aggregateID, payload, opts)
	return b.publish(ctx, evt, nil)
}

// PublishEvent publishes a prepared event.
//
// The event is stamped with the emission context from ctx, falling back to
// the bus default, unless it carries one already. It is appended to the
// store and the history, then dispatched. PublishEvent returns once
// dispatch is scheduled; handler outcomes are reported through OnFailure
// and the dead-letter queue, never here.
func (b *Bus) PublishEvent(ctx context.Context, evt event.DomainEvent) error {
	_, err := b.publish(ctx, evt, nil)
	return err
}

// PublishAndWait is Publish, then blocks until every handler for the event
// has finished, retries and dead-letter hand-off included, or ctx is done.
func (b *Bus) PublishAndWait(
	ctx context.Context,
	kind event.Kind,
	aggregateType, aggregateID string,
	payload any,
	opts ...event.Option,
) (event.DomainEvent, error) {
	evt := b.newEvent(kind, aggregateType, aggregateID, payload, opts)
	return b.publishAndWait(ctx, evt)
}

// PublishEventAndWait is PublishEvent, then waits like PublishAndWait.
func (b *Bus) PublishEventAndWait(ctx context.Context, evt event.DomainEvent) error {
	_, err := b.publishAndWait(ctx, evt)
	return err
}

func (b *Bus) publishAndWait(ctx context.Context, evt event.DomainEvent) (event.DomainEvent, error) {
	var done sync.WaitGroup
	evt, err := b.publish(ctx, evt, &done)
	if err != nil {
		return evt, err
	}
	return evt, waitContext(ctx, &done)
}

func (b *Bus) newEvent(kind event.Kind, aggregateType, aggregateID string, payload any, opts []event.Option) event.DomainEvent {
	all := make([]event.Option, 0, len(opts)+1)
	if b.cfg.Source != "" {
		all = append(all, event.WithSource(b.cfg.Source))
	}
	all = append(all, opts...)
	return event.New(kind, aggregateType, aggregateID, payload, all...)
}

func (b *Bus) publish(ctx context.Context, evt event.DomainEvent, done *sync.WaitGroup) (event.DomainEvent, error) {
	b.mu.RLock()
	disposed := b.disposed
	fallback := b.emission
	b.mu.RUnlock()

	if disposed {
		return evt, ErrBusDisposed
	}
	if evt.ID() == "" || evt.Kind() == "" {
		return evt, fmt.Errorf("publish: %w", store.ErrInvalidEvent)
	}

	if ec, ok := event.EmissionFrom(ctx); ok && !ec.IsZero() {
		evt = evt.WithEmissionContext(ec)
	}
	evt = evt.WithEmissionContext(fallback)

	kind := string(evt.Kind())
	ctx, span := b.cfg.Spans.StartPublishSpan(ctx, evt.ID(), kind)

	if err := b.cfg.Store.Append(ctx, evt); err != nil {
		observability.LogStoreError(b.log(), "append", err)
		b.cfg.Spans.EndSpanWithError(span, err)
		return evt, fmt.Errorf("publish %s: %w", evt.ID(), err)
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		b.cfg.Spans.EndSpanWithError(span, ErrBusDisposed)
		return evt, ErrBusDisposed
	}
	b.history.Push(evt)
	b.eventCount++
	subs := b.matchLocked(evt)
	b.notifyObserversLocked(ctx, evt)
	lt := b.life
	if len(subs) > 0 {
		lt.tasks.Add(1)
		if done != nil {
			done.Add(1)
		}
	}
	b.mu.Unlock()

	b.cfg.Metrics.RecordPublish(ctx, kind)
	observability.LogPublish(b.log(), evt.ID(), kind, len(subs))

	if len(subs) > 0 {
		b.cfg.Spans.AddSpanEvent(ctx, "dispatch.scheduled", attribute.Int("handlers", len(subs)))
		go func() {
			defer lt.tasks.Done()
			if done != nil {
				defer done.Done()
			}
			b.dispatch(ctx, lt, evt, subs, nil)
		}()
	}

	b.cfg.Spans.EndSpanWithError(span, nil)
	return evt, nil
}

// History returns up to limit recorded events, newest last. An empty kind
// returns every kind; limit <= 0 returns everything retained.
func (b *Bus) History(kind event.Kind, limit int) []event.DomainEvent {
	b.mu.RLock()
	if kind == "" {
		defer b.mu.RUnlock()
		return b.history.Last(limit)
	}
	all := b.history.All()
	b.mu.RUnlock()

	kept := all[:0]
	for _, evt := range all {
		if evt.Kind() == kind {
			kept = append(kept, evt)
		}
	}
	all = kept
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// EventCount returns the number of events published since creation or the
// last Dispose. ClearHistory does not reset it.
func (b *Bus) EventCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eventCount
}

// ClearHistory empties the history ring. EventCount is left alone.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.Clear()
}

// OnFailure registers fn for every failed handler attempt. fn runs on the
// dispatching goroutine and must not block.
func (b *Bus) OnFailure(fn func(Failure)) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	b.failureHooks[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.failureHooks, id)
		})
	}
}

func (b *Bus) notifyFailure(f Failure) {
	b.mu.RLock()
	hooks := make([]func(Failure), 0, len(b.failureHooks))
	for _, fn := range b.failureHooks {
		hooks = append(hooks, fn)
	}
	b.mu.RUnlock()

	for _, fn := range hooks {
		fn(f)
	}
}

// Republish publishes the event of an envelope taken from the dead-letter
// queue again, to every current subscriber. The store receives a second
// copy of the event.
func (b *Bus) Republish(ctx context.Context, env *event.Envelope) error {
	if env == nil || env.Event.ID() == "" {
		return fmt.Errorf("republish: %w", event.ErrInvalidEnvelope)
	}
	return b.PublishEvent(ctx, env.Event)
}

// Redeliver runs the envelope's event through the subscription named by
// env.Handler only, with a fresh retry budget, and waits for the outcome
// like PublishAndWait. The event is not stored or recorded again. If the
// handler fails again, the new dead-letter envelope keeps env.CreatedAt.
// A once subscription that is busy with another event returns
// ErrHandlerBusy.
func (b *Bus) Redeliver(ctx context.Context, env *event.Envelope) error {
	if env == nil || env.Event.ID() == "" {
		return fmt.Errorf("redeliver: %w", event.ErrInvalidEnvelope)
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrBusDisposed
	}
	var target *subscription
	for _, sub := range b.subsFor(env.Event.Kind()) {
		if sub.name == env.Handler {
			target = sub
			break
		}
	}
	if target == nil {
		for _, sub := range b.wildcard {
			if sub.name == env.Handler {
				target = sub
				break
			}
		}
	}
	if target == nil {
		b.mu.Unlock()
		return &event.HandlerNotFoundError{Kind: env.Event.Kind(), Handler: env.Handler}
	}
	if target.once && !target.fired.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return fmt.Errorf("redeliver to %s: %w", target.name, ErrHandlerBusy)
	}
	lt := b.life
	lt.tasks.Add(1)
	b.mu.Unlock()

	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer lt.tasks.Done()
		defer done.Done()
		b.dispatch(ctx, lt, env.Event, []*subscription{target}, env)
	}()
	return waitContext(ctx, &done)
}

// Dispose shuts the bus down. It unsubscribes everything, ends observers,
// cancels pending retries, and waits for in-flight handlers until ctx is
// done. History and EventCount are reset. Publishing fails with
// ErrBusDisposed until Initialize is called.
func (b *Bus) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.byKind = make(map[event.Kind][]*subscription)
	b.wildcard = nil
	for id, obs := range b.observers {
		obs.close()
		delete(b.observers, id)
	}
	b.failureHooks = make(map[uint64]func(Failure))
	lt := b.life
	b.mu.Unlock()

	lt.cancel()
	err := waitContext(ctx, &lt.tasks)

	b.mu.Lock()
	b.history.Clear()
	b.eventCount = 0
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("dispose: %w", err)
	}
	return nil
}

// waitContext waits for wg or ctx, whichever comes first.
func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
