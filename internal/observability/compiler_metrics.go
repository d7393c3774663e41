package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CompilerMetrics records how long Compile takes and how often it had to
// fall back to the expression-aggregate plan. It implements
// compiler.CompileMetricsRecorder without the compiler package importing
// this one.
type CompilerMetrics struct {
	compileDuration metric.Float64Histogram
	fallbackCounter metric.Int64Counter
}

// InitCompilerMetrics registers the compile_duration_ms histogram and
// compile_fallback_total counter with the global OpenTelemetry meter.
func InitCompilerMetrics() (*CompilerMetrics, error) {
	meter := otel.Meter("sql4dataverse/compiler")

	compileDuration, err := meter.Float64Histogram(
		"compile_duration_ms",
		metric.WithDescription("Duration of T-SQL to FetchXML compilation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile duration histogram: %w", err)
	}

	fallbackCounter, err := meter.Int64Counter(
		"compile_fallback_total",
		metric.WithDescription("Number of PostProcessingRequired signals absorbed by the assembler into a post-processing fallback"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile fallback counter: %w", err)
	}

	return &CompilerMetrics{
		compileDuration: compileDuration,
		fallbackCounter: fallbackCounter,
	}, nil
}

// RecordCompile satisfies compiler.CompileMetricsRecorder. fallbacksAbsorbed
// is the count of PostProcessingRequired signals the assembler absorbed
// during this Compile call; the counter advances by that count, not just
// once per call.
func (m *CompilerMetrics) RecordCompile(duration time.Duration, fallbacksAbsorbed int, usedAggregateAlternative bool) {
	ctx := context.Background()
	m.compileDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("aggregate_alternative", usedAggregateAlternative)))
	if fallbacksAbsorbed > 0 {
		m.fallbackCounter.Add(ctx, int64(fallbacksAbsorbed))
	}
}
