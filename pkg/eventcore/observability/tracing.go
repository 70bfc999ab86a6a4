package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("eventcore")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span covering acceptance of one event.
	StartPublishSpan(ctx context.Context, eventID, kind string) (context.Context, trace.Span)

	// StartHandlerSpan starts a span for one handler attempt.
	// It should be a child of the publish span.
	StartHandlerSpan(ctx context.Context, handler string, attempt int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventID, kind string) (context.Context, trace.Span) {
	return StartPublishSpan(ctx, eventID, kind)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handler string, attempt int) (context.Context, trace.Span) {
	return StartHandlerSpan(ctx, handler, attempt)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// StartPublishSpan starts a publish span on the global tracer.
func StartPublishSpan(ctx context.Context, eventID, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventcore.publish",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", kind),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartHandlerSpan starts a handler span on the global tracer.
func StartHandlerSpan(ctx context.Context, handler string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventcore.handler."+handler,
		trace.WithAttributes(
			attribute.String("handler.name", handler),
			attribute.Int("handler.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
