package observability

import (
	"context"

	"go.opentelemetry.io/otel"
)

// Tracer starts spans against the global OpenTelemetry TracerProvider
// registered by InitTracerProvider. It satisfies compiler.CompileTracer
// without the compiler package importing this one, the same boundary
// CompilerMetrics draws around compiler.CompileMetricsRecorder.
type Tracer struct {
	instrumentationName string
}

// NewTracer returns a Tracer that names spans under instrumentationName
// (e.g. "sql4dataverse/compiler").
func NewTracer(instrumentationName string) *Tracer {
	return &Tracer{instrumentationName: instrumentationName}
}

// StartSpan satisfies compiler.CompileTracer: it opens a span named name and
// returns the func that ends it.
func (t *Tracer) StartSpan(name string) func() {
	_, span := otel.Tracer(t.instrumentationName).Start(context.Background(), name)
	return func() { span.End() }
}
