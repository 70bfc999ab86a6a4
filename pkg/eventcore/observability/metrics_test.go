package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a test meter provider and returns its reader.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor totals an int64 counter's datapoints, optionally restricted to
// those carrying attribute key=value.
func sumFor(t *testing.T, rm *metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not recorded", name)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")

	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordHandlerExecution(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordHandlerExecution(ctx, "team.created", "audit", 20*time.Millisecond, nil)
	m.RecordHandlerExecution(ctx, "team.created", "audit", 30*time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumFor(t, rm, "eventcore.handler.executions", "handler", "audit"))
	assert.Equal(t, int64(1), sumFor(t, rm, "eventcore.handler.errors", "handler", "audit"))

	latency := findMetric(rm, "eventcore.handler.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestRecordBusCounters(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPublish(ctx, "team.created")
	m.RecordPublish(ctx, "team.created")
	m.RecordRetry(ctx, "team.created", "audit")
	m.RecordDeadLetter(ctx, "team.created", "audit")
	m.RecordObserverDrop(ctx, "team.created")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumFor(t, rm, "eventcore.events.published", "event_type", "team.created"))
	assert.Equal(t, int64(1), sumFor(t, rm, "eventcore.handler.retries", "handler", "audit"))
	assert.Equal(t, int64(1), sumFor(t, rm, "eventcore.dlq.sent", "event_type", "team.created"))
	assert.Equal(t, int64(1), sumFor(t, rm, "eventcore.observer.drops", "", ""))
}

func TestRecordHotTierWrite(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordHotTierWrite(ctx, false)
	m.RecordHotTierWrite(ctx, false)
	m.RecordHotTierWrite(ctx, true)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(3), sumFor(t, rm, "eventcore.hottier.writes", "", ""))
	assert.Equal(t, int64(1), sumFor(t, rm, "eventcore.hottier.evictions", "", ""))
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordPublish(ctx, "k")
		m.RecordHandlerExecution(ctx, "k", "h", time.Second, errors.New("x"))
		m.RecordRetry(ctx, "k", "h")
		m.RecordDeadLetter(ctx, "k", "h")
		m.RecordObserverDrop(ctx, "k")
		m.RecordHotTierWrite(ctx, true)
	})
}
