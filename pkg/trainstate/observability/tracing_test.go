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

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("trainstate")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		tracer = otel.Tracer("trainstate")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func TestSpanManager(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with operation id", func(t *testing.T) {
		exporter.Reset()

		ctx, span := sm.StartSpan(context.Background(), SpanSave, "op-123")
		require.NotNil(t, span)
		assert.Equal(t, span, trace.SpanFromContext(ctx))
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, SpanSave, spans[0].Name)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)

		var opID string
		for _, attr := range spans[0].Attributes {
			if attr.Key == "operation.id" {
				opID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "op-123", opID)
	})

	t.Run("omits empty operation id", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartSpan(context.Background(), SpanList, "")
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Empty(t, spans[0].Attributes)
	})

	t.Run("records error status", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartSpan(context.Background(), SpanLoad, "op-1")
		sm.EndSpanWithError(span, errors.New("missing artifacts"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "missing artifacts", spans[0].Status.Description)
		require.NotEmpty(t, spans[0].Events, "error is recorded as an event")
	})

	t.Run("child spans share the trace", func(t *testing.T) {
		exporter.Reset()

		ctx, parent := sm.StartSpan(context.Background(), SpanRestore, "op-1")
		_, child := sm.StartSpan(ctx, SpanLoad, "op-1")
		sm.EndSpanWithError(child, nil)
		sm.EndSpanWithError(parent, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)
		assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].SpanContext.TraceID())
		assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	})

	t.Run("adds events", func(t *testing.T) {
		exporter.Reset()

		ctx, span := sm.StartSpan(context.Background(), SpanSave, "op-1")
		sm.AddSpanEvent(ctx, "artifacts.written", attribute.Int("count", 3))
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "artifacts.written", spans[0].Events[0].Name)
	})
}

func TestEndSpanWithError_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		EndSpanWithError(nil, errors.New("x"))
	})
}

func TestNoopSpanManager(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	var sm SpanManager = NoopSpanManager{}
	ctx, span := sm.StartSpan(context.Background(), SpanSave, "op-1")
	require.NotNil(t, span)
	assert.False(t, span.IsRecording())
	sm.AddSpanEvent(ctx, "ignored")
	sm.EndSpanWithError(span, errors.New("ignored"))

	assert.Empty(t, exporter.GetSpans())
}
