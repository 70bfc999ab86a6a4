package eventcore

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/dlq"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/store"
)

// BusConfig configures bus behavior.
type BusConfig struct {
	// HistoryLimit bounds the in-memory history ring.
	// Default: 1000
	HistoryLimit int

	// ObserverBuffer is the channel buffer per Observe iterator. A full
	// buffer drops events for that observer.
	// Default: 256
	ObserverBuffer int

	// DefaultRetry applies to subscriptions without WithRetryPolicy.
	// Default: ecerrors.DefaultRetryPolicy
	DefaultRetry ecerrors.RetryPolicy

	// HandlerTimeout bounds each handler attempt. Negative disables.
	// Default: 30s
	HandlerTimeout time.Duration

	// Source is stamped on events published without WithSource.
	Source string

	// Store receives every accepted event before dispatch.
	// Default: store.NewMemoryStore()
	Store store.Store

	// DLQ receives envelopes whose handler gave up.
	// Default: dlq.New(dlq.Config{})
	DLQ *dlq.Queue

	// Middleware wraps every handler, first entry outermost.
	Middleware []Middleware

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HistoryLimit:   1000,
	ObserverBuffer: 256,
	DefaultRetry:   ecerrors.DefaultRetryPolicy,
	HandlerTimeout: 30 * time.Second,
}

func (c BusConfig) withDefaults() BusConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultBusConfig.HistoryLimit
	}
	if c.ObserverBuffer <= 0 {
		c.ObserverBuffer = DefaultBusConfig.ObserverBuffer
	}
	if c.DefaultRetry.MaxAttempts <= 0 {
		c.DefaultRetry = DefaultBusConfig.DefaultRetry
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = DefaultBusConfig.HandlerTimeout
	}
	if c.Store == nil {
		c.Store = store.NewMemoryStore()
	}
	if c.DLQ == nil {
		c.DLQ = dlq.New(dlq.Config{Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return c
}

// BusOption configures a Bus at construction.
type BusOption func(*BusConfig)

// WithStore sets the event store.
func WithStore(s store.Store) BusOption {
	return func(c *BusConfig) { c.Store = s }
}

// WithDLQ sets the dead-letter queue.
func WithDLQ(q *dlq.Queue) BusOption {
	return func(c *BusConfig) { c.DLQ = q }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(c *BusConfig) { c.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) BusOption {
	return func(c *BusConfig) { c.Metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) BusOption {
	return func(c *BusConfig) { c.Spans = s }
}

// WithDefaultRetry sets the retry policy for subscriptions that do not set one.
func WithDefaultRetry(p ecerrors.RetryPolicy) BusOption {
	return func(c *BusConfig) { c.DefaultRetry = p }
}

// WithHistoryLimit sets the history ring size.
func WithHistoryLimit(n int) BusOption {
	return func(c *BusConfig) { c.HistoryLimit = n }
}

// WithHandlerTimeout sets the default per-attempt timeout.
func WithHandlerTimeout(d time.Duration) BusOption {
	return func(c *BusConfig) { c.HandlerTimeout = d }
}

// WithGlobalMiddleware appends middleware applied to every subscription.
func WithGlobalMiddleware(mw ...Middleware) BusOption {
	return func(c *BusConfig) { c.Middleware = append(c.Middleware, mw...) }
}

// Filter decides whether a subscription receives an event.
type Filter func(event.DomainEvent) bool

// Validator checks an event before the handler runs. A non-nil error is
// reported as a HandlerValidationError and is not retried.
type Validator func(event.DomainEvent) error

// subscribeConfig collects SubscribeOption values.
type subscribeConfig struct {
	name        string
	retry       *ecerrors.RetryPolicy
	timeout     *time.Duration
	filter      Filter
	validator   Validator
	priority    int
	concurrency int
	middleware  []Middleware
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithName names the subscription. The name labels envelopes, logs and
// metrics, and is the key for OffByName.
func WithName(name string) SubscribeOption {
	return func(c *subscribeConfig) { c.name = name }
}

// WithRetryPolicy overrides the bus default retry policy.
func WithRetryPolicy(p ecerrors.RetryPolicy) SubscribeOption {
	return func(c *subscribeConfig) { c.retry = &p }
}

// WithTimeout overrides the bus handler timeout. Negative disables it.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) { c.timeout = &d }
}

// WithFilter skips events for which f returns false. Skipped events are
// not failures.
func WithFilter(f Filter) SubscribeOption {
	return func(c *subscribeConfig) { c.filter = f }
}

// WithValidator rejects events before the handler runs.
func WithValidator(v Validator) SubscribeOption {
	return func(c *subscribeConfig) { c.validator = v }
}

// WithPriority orders dispatch for one event: every subscription of a
// higher priority finishes, retries included, before lower ones start.
// Subscriptions of equal priority run concurrently. Default: 0
func WithPriority(p int) SubscribeOption {
	return func(c *subscribeConfig) { c.priority = p }
}

// WithConcurrency caps how many events this subscription handles at once.
// Zero means unlimited.
func WithConcurrency(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.concurrency = n }
}

// WithMiddleware wraps this subscription's handler, inside any bus-wide
// middleware.
func WithMiddleware(mw ...Middleware) SubscribeOption {
	return func(c *subscribeConfig) { c.middleware = append(c.middleware, mw...) }
}
