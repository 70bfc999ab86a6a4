package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordPublish(_ context.Context, _ string) {}

func (NoopMetrics) RecordHandlerExecution(_ context.Context, _, _ string, _ time.Duration, _ error) {}

func (NoopMetrics) RecordRetry(_ context.Context, _, _ string) {}

func (NoopMetrics) RecordDeadLetter(_ context.Context, _, _ string) {}

func (NoopMetrics) RecordObserverDrop(_ context.Context, _ string) {}

func (NoopMetrics) RecordHotTierWrite(_ context.Context, _ bool) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartPublishSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandlerSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
