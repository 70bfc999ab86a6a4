package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records eventcore metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted event.
	RecordPublish(ctx context.Context, kind string)

	// RecordHandlerExecution records one handler attempt with its duration and error status.
	RecordHandlerExecution(ctx context.Context, kind, handler string, duration time.Duration, err error)

	// RecordRetry records a scheduled retry.
	RecordRetry(ctx context.Context, kind, handler string)

	// RecordDeadLetter records an envelope sent to the dead-letter queue.
	RecordDeadLetter(ctx context.Context, kind, handler string)

	// RecordObserverDrop records an event an observer could not accept.
	RecordObserverDrop(ctx context.Context, kind string)

	// RecordHotTierWrite records a hot-tier write and whether it evicted.
	RecordHotTierWrite(ctx context.Context, evicted bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published        metric.Int64Counter
	handlerRuns      metric.Int64Counter
	handlerLatency   metric.Float64Histogram
	handlerErrors    metric.Int64Counter
	retries          metric.Int64Counter
	deadLetters      metric.Int64Counter
	observerDrops    metric.Int64Counter
	hotTierWrites    metric.Int64Counter
	hotTierEvictions metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventcore")
	m := &otelMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "eventcore.events.published", "Number of events accepted by the bus"},
		{&m.handlerRuns, "eventcore.handler.executions", "Number of handler attempts"},
		{&m.handlerErrors, "eventcore.handler.errors", "Number of failed handler attempts"},
		{&m.retries, "eventcore.handler.retries", "Number of scheduled handler retries"},
		{&m.deadLetters, "eventcore.dlq.sent", "Number of envelopes sent to the dead-letter queue"},
		{&m.observerDrops, "eventcore.observer.drops", "Number of events dropped by full observer buffers"},
		{&m.hotTierWrites, "eventcore.hottier.writes", "Number of audit events written to the hot tier"},
		{&m.hotTierEvictions, "eventcore.hottier.evictions", "Number of audit events evicted from the hot tier"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram("eventcore.handler.latency_ms",
		metric.WithDescription("Handler attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.handlerLatency = latency

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, kind string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", kind)))
}

func (m *otelMetrics) RecordHandlerExecution(ctx context.Context, kind, handler string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", kind),
		attribute.String("handler", handler),
	)

	m.handlerRuns.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRetry(ctx context.Context, kind, handler string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", kind),
		attribute.String("handler", handler),
	))
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, kind, handler string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", kind),
		attribute.String("handler", handler),
	))
}

func (m *otelMetrics) RecordObserverDrop(ctx context.Context, kind string) {
	m.observerDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", kind)))
}

func (m *otelMetrics) RecordHotTierWrite(ctx context.Context, evicted bool) {
	m.hotTierWrites.Add(ctx, 1)
	if evicted {
		m.hotTierEvictions.Add(ctx, 1)
	}
}
