package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTracingTest installs a tracer provider backed by an in-memory exporter.
func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventcore")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("eventcore")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestPublishAndHandlerSpans(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, pub := sm.StartPublishSpan(context.Background(), "evt-1", "team.created")
	_, h := sm.StartHandlerSpan(ctx, "audit", 2)
	sm.EndSpanWithError(h, errors.New("boom"))
	sm.EndSpanWithError(pub, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	handler, publish := spans[0], spans[1]

	assert.Equal(t, "eventcore.publish", publish.Name)
	assert.Equal(t, trace.SpanKindProducer, publish.SpanKind)
	assert.Equal(t, codes.Ok, publish.Status.Code)
	pa := attrMap(publish.Attributes)
	assert.Equal(t, "evt-1", pa["event.id"].AsString())
	assert.Equal(t, "team.created", pa["event.type"].AsString())

	assert.Equal(t, "eventcore.handler.audit", handler.Name)
	assert.Equal(t, trace.SpanKindConsumer, handler.SpanKind)
	assert.Equal(t, codes.Error, handler.Status.Code)
	assert.Equal(t, "boom", handler.Status.Description)
	assert.Equal(t, int64(2), attrMap(handler.Attributes)["handler.attempt"].AsInt64())
	assert.Equal(t, publish.SpanContext.SpanID(), handler.Parent.SpanID(), "handler span is a child of the publish span")
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTracingTest(t)

	ctx, span := StartPublishSpan(context.Background(), "evt-1", "k")
	AddSpanEvent(ctx, "dead_lettered", attribute.String("handler", "audit"))
	EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "dead_lettered", spans[0].Events[0].Name)
}

func TestAddSpanEventWithoutSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		AddSpanEvent(context.Background(), "nothing")
		EndSpanWithError(nil, errors.New("x"))
	})
}

func TestNoopSpanManager(t *testing.T) {
	exporter := setupTracingTest(t)
	var sm SpanManager = NoopSpanManager{}

	ctx := context.Background()
	gotCtx, span := sm.StartPublishSpan(ctx, "evt-1", "k")
	assert.Equal(t, ctx, gotCtx)
	assert.False(t, span.IsRecording())

	_, span = sm.StartHandlerSpan(ctx, "h", 1)
	sm.AddSpanEvent(ctx, "x")
	sm.EndSpanWithError(span, errors.New("x"))

	assert.Empty(t, exporter.GetSpans())
}
