package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RuntimeMetrics instruments internal/execruntime in the same
// compile_duration_ms style CompilerMetrics uses (SPEC_FULL §6): a duration
// histogram per batch plus counters for the two outcomes the execution
// runtime distinguishes from the compiler (aggregate-limit fallback,
// batch abort).
type RuntimeMetrics struct {
	batchDuration          metric.Float64Histogram
	aggregateFallbackTotal metric.Int64Counter
	batchAbortedTotal      metric.Int64Counter
}

// InitRuntimeMetrics registers the execution-runtime metrics with the
// global OpenTelemetry meter.
func InitRuntimeMetrics() (*RuntimeMetrics, error) {
	meter := otel.Meter("sql4dataverse/execruntime")

	batchDuration, err := meter.Float64Histogram(
		"execruntime_batch_duration_ms",
		metric.WithDescription("Duration of a single UPDATE/DELETE batch in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch duration histogram: %w", err)
	}

	aggregateFallbackTotal, err := meter.Int64Counter(
		"execruntime_aggregate_fallback_total",
		metric.WithDescription("Number of SELECTs whose primary aggregate plan hit AggregateQueryRecordLimit and fell back"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate fallback counter: %w", err)
	}

	batchAbortedTotal, err := meter.Int64Counter(
		"execruntime_batch_aborted_total",
		metric.WithDescription("Number of UPDATE/DELETE batches aborted by a fatal row error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch aborted counter: %w", err)
	}

	return &RuntimeMetrics{
		batchDuration:          batchDuration,
		aggregateFallbackTotal: aggregateFallbackTotal,
		batchAbortedTotal:      batchAbortedTotal,
	}, nil
}

// RecordBatch satisfies execruntime.MetricsRecorder.
func (m *RuntimeMetrics) RecordBatch(duration time.Duration, kind string, aborted bool) {
	ctx := context.Background()
	m.batchDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("aborted", aborted)))
	if aborted {
		m.batchAbortedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordAggregateFallback satisfies execruntime.MetricsRecorder.
func (m *RuntimeMetrics) RecordAggregateFallback() {
	m.aggregateFallbackTotal.Add(context.Background(), 1)
}
