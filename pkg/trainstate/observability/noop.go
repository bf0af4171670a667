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

// RecordSave does nothing.
func (NoopMetrics) RecordSave(context.Context, string, int64, int64, time.Duration, error) {}

// RecordLoad does nothing.
func (NoopMetrics) RecordLoad(context.Context, bool, time.Duration, error) {}

// RecordDelete does nothing.
func (NoopMetrics) RecordDelete(context.Context, bool, error) {}

// RecordRestore does nothing.
func (NoopMetrics) RecordRestore(context.Context, string) {}

// NoopSpanManager is a SpanManager that creates non-recording spans.
type NoopSpanManager struct{}

var noopTracer = noop.NewTracerProvider().Tracer("trainstate")

// StartSpan returns a non-recording span.
func (NoopSpanManager) StartSpan(ctx context.Context, name, _ string) (context.Context, trace.Span) {
	return noopTracer.Start(ctx, name)
}

// EndSpanWithError ends the span.
func (NoopSpanManager) EndSpanWithError(span trace.Span, _ error) {
	if span != nil {
		span.End()
	}
}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// Compile-time interface checks.
var (
	_ MetricsRecorder = NoopMetrics{}
	_ MetricsRecorder = (*otelMetrics)(nil)
	_ MetricsRecorder = (*PrometheusMetrics)(nil)
	_ SpanManager     = NoopSpanManager{}
	_ SpanManager     = (*otelSpanManager)(nil)
)
