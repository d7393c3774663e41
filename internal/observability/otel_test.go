package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitMeterProvider(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err, "Should initialize meter provider without error")
	require.NotNil(t, mp, "Meter provider should not be nil")
	require.NotNil(t, mp.provider, "Provider should not be nil")
	require.NotNil(t, mp.exporter, "Exporter should not be nil")

	// Clean up
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	err = mp.Shutdown(context.Background(), logger)
	assert.NoError(t, err, "Should shutdown without error")
}

func TestInitCompilerMetrics(t *testing.T) {
	// First initialize meter provider
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err)
	defer func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		mp.Shutdown(context.Background(), logger)
	}()

	metrics, err := InitCompilerMetrics()
	require.NoError(t, err, "Should initialize compiler metrics without error")
	require.NotNil(t, metrics, "Metrics should not be nil")

	require.NotNil(t, metrics.compileDuration, "Compile duration metric should be initialized")
	require.NotNil(t, metrics.fallbackCounter, "Fallback counter should be initialized")

	// RecordCompile must not panic with either fallback outcome.
	metrics.RecordCompile(time.Millisecond, 0, false)
	metrics.RecordCompile(2*time.Millisecond, 3, true)
}

func TestInitRuntimeMetrics(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err)
	defer func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		mp.Shutdown(context.Background(), logger)
	}()

	metrics, err := InitRuntimeMetrics()
	require.NoError(t, err, "Should initialize runtime metrics without error")
	require.NotNil(t, metrics, "Metrics should not be nil")

	require.NotNil(t, metrics.batchDuration, "Batch duration metric should be initialized")
	require.NotNil(t, metrics.aggregateFallbackTotal, "Aggregate fallback counter should be initialized")
	require.NotNil(t, metrics.batchAbortedTotal, "Batch aborted counter should be initialized")

	metrics.RecordBatch(time.Millisecond, "update", false)
	metrics.RecordBatch(time.Millisecond, "delete", true)
	metrics.RecordAggregateFallback()
}

func TestInitTracerProvider(t *testing.T) {
	cfg := Config{
		ServiceName:      "test-service",
		ServiceVersion:   "1.0.0",
		Environment:      "test",
		TraceSampleRatio: 1,
	}

	tp, err := InitTracerProvider(cfg)
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, tp.provider)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	assert.NoError(t, tp.Shutdown(context.Background(), logger))
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	decisionNever := never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionNever)

	decisionAlways := always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionAlways)
}

func TestTraceSamplerForRatio_ParentAwareMidRange(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)

	parentSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	decisionSampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentSampled,
		TraceID:       trace.TraceID{4},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionSampledParent)

	parentNotSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	decisionUnsampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentNotSampled,
		TraceID:       trace.TraceID{6},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionUnsampledParent)
}

func TestTracer_StartSpanEndsWithoutPanic(t *testing.T) {
	tp, err := InitTracerProvider(Config{ServiceName: "test-service", TraceSampleRatio: 1})
	require.NoError(t, err)
	defer func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tp.Shutdown(context.Background(), logger)
	}()

	tracer := NewTracer("sql4dataverse/compiler")
	end := tracer.StartSpan("compiler.Compile")
	end()
}
