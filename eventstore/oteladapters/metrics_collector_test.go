package oteladapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AntonStoeckl/eventstore-tail/eventstore/oteladapters"
)

func givenCollector(t *testing.T) (*oteladapters.MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	return oteladapters.NewMetricsCollector(provider.Meter("test")), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()

	var resourceMetrics metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &resourceMetrics), "Failed to collect metrics")

	for _, scopeMetrics := range resourceMetrics.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				return m
			}
		}
	}

	t.Fatalf("metric %s not found", name)

	return metricdata.Metrics{}
}

func Test_MetricsCollector_RecordDuration(t *testing.T) {
	// setup
	collector, reader := givenCollector(t)

	// act
	collector.RecordDuration("tail_append_duration_seconds", 150*time.Millisecond, map[string]string{"mode": "batched"})

	// assert
	histogram, ok := collect(t, reader, "tail_append_duration_seconds").Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, histogram.DataPoints, 1)
	assert.Equal(t, uint64(1), histogram.DataPoints[0].Count)
	assert.InDelta(t, 0.15, histogram.DataPoints[0].Sum, 0.001)

	expectedAttrs := attribute.NewSet(attribute.String("mode", "batched"))
	assert.True(t, histogram.DataPoints[0].Attributes.Equals(&expectedAttrs))
}

func Test_MetricsCollector_IncrementCounter(t *testing.T) {
	collector, reader := givenCollector(t)
	labels := map[string]string{"error_type": "concurrency_conflict"}

	collector.IncrementCounter("tail_append_conflicts_total", labels)
	collector.IncrementCounterContext(context.Background(), "tail_append_conflicts_total", labels)
	collector.IncrementCounter("tail_append_conflicts_total", labels)

	sum, ok := collect(t, reader, "tail_append_conflicts_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	assert.True(t, sum.IsMonotonic)
}

func Test_MetricsCollector_RecordValue(t *testing.T) {
	collector, reader := givenCollector(t)

	collector.RecordValue("tail_scheduler_pending_actions", 12, nil)
	collector.RecordValueContext(context.Background(), "tail_scheduler_pending_actions", 7, nil)

	gauge, ok := collect(t, reader, "tail_scheduler_pending_actions").Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.InDelta(t, 7.0, gauge.DataPoints[0].Value, 0.0001)
}

func Test_MetricsCollector_When_UsedConcurrently(t *testing.T) {
	// setup
	collector, reader := givenCollector(t)

	// act
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				collector.IncrementCounter("tail_messages_received_total", nil)
				collector.RecordDuration("tail_append_duration_seconds", time.Duration(i)*time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	// assert
	sum, ok := collect(t, reader, "tail_messages_received_total").Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1600), sum.DataPoints[0].Value)
}
