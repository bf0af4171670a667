package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Restore outcomes reported to RecordRestore.
const (
	OutcomeOK        = "ok"
	OutcomeNotFound  = "not_found"
	OutcomeCorrupted = "corrupted"
	OutcomeError     = "error"
)

// MetricsRecorder records checkpoint metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics() for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSave records a save attempt with its sizes, latency and error status.
	RecordSave(ctx context.Context, checkpointType string, stateBytes, artifactBytes int64, duration time.Duration, err error)

	// RecordLoad records a load attempt.
	RecordLoad(ctx context.Context, withArtifacts bool, duration time.Duration, err error)

	// RecordDelete records a delete attempt.
	RecordDelete(ctx context.Context, found bool, err error)

	// RecordRestore records the outcome of a resume attempt.
	RecordRestore(ctx context.Context, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	saves         metric.Int64Counter
	saveErrors    metric.Int64Counter
	saveLatency   metric.Float64Histogram
	stateSize     metric.Int64Histogram
	artifactsSize metric.Int64Histogram
	loads         metric.Int64Counter
	loadErrors    metric.Int64Counter
	deletes       metric.Int64Counter
	restores      metric.Int64Counter
}

var (
	defaultMetricsMu   sync.Mutex
	defaultMetrics     *otelMetrics
	defaultMetricsInit bool
	defaultMetricsErr  error
)

// getDefaultMetrics returns the shared OTel metrics instance.
// Lazily initializes the instruments on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()

	if !defaultMetricsInit {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
		defaultMetricsInit = true
	}
	return defaultMetrics, defaultMetricsErr
}

// ResetDefaultMetrics drops the shared instruments so the next
// NewMetricsRecorder call binds to the current global meter provider.
// Tests call it after swapping providers.
func ResetDefaultMetrics() {
	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()

	defaultMetrics = nil
	defaultMetricsErr = nil
	defaultMetricsInit = false
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("trainstate")
	m := &otelMetrics{}
	var err error

	if m.saves, err = meter.Int64Counter("trainstate.checkpoint.saves",
		metric.WithDescription("Number of checkpoint saves"),
	); err != nil {
		return nil, err
	}
	if m.saveErrors, err = meter.Int64Counter("trainstate.checkpoint.save_errors",
		metric.WithDescription("Number of failed checkpoint saves"),
	); err != nil {
		return nil, err
	}
	if m.saveLatency, err = meter.Float64Histogram("trainstate.checkpoint.save_latency_ms",
		metric.WithDescription("Checkpoint save latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stateSize, err = meter.Int64Histogram("trainstate.checkpoint.state_size_bytes",
		metric.WithDescription("Serialized checkpoint state size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.artifactsSize, err = meter.Int64Histogram("trainstate.checkpoint.artifacts_size_bytes",
		metric.WithDescription("Total checkpoint artifact size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.loads, err = meter.Int64Counter("trainstate.checkpoint.loads",
		metric.WithDescription("Number of checkpoint loads"),
	); err != nil {
		return nil, err
	}
	if m.loadErrors, err = meter.Int64Counter("trainstate.checkpoint.load_errors",
		metric.WithDescription("Number of failed checkpoint loads"),
	); err != nil {
		return nil, err
	}
	if m.deletes, err = meter.Int64Counter("trainstate.checkpoint.deletes",
		metric.WithDescription("Number of checkpoint deletions"),
	); err != nil {
		return nil, err
	}
	if m.restores, err = meter.Int64Counter("trainstate.restore.attempts",
		metric.WithDescription("Number of resume attempts by outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSave records a checkpoint save.
func (m *otelMetrics) RecordSave(ctx context.Context, checkpointType string, stateBytes, artifactBytes int64, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("checkpoint_type", checkpointType))

	m.saves.Add(ctx, 1, attrs)
	m.saveLatency.Record(ctx, Millis(duration), attrs)
	if err != nil {
		m.saveErrors.Add(ctx, 1, attrs)
		return
	}
	m.stateSize.Record(ctx, stateBytes, attrs)
	if artifactBytes > 0 {
		m.artifactsSize.Record(ctx, artifactBytes, attrs)
	}
}

// RecordLoad records a checkpoint load.
func (m *otelMetrics) RecordLoad(ctx context.Context, withArtifacts bool, _ time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("artifacts", withArtifacts))
	m.loads.Add(ctx, 1, attrs)
	if err != nil {
		m.loadErrors.Add(ctx, 1, attrs)
	}
}

// RecordDelete records a checkpoint deletion.
func (m *otelMetrics) RecordDelete(ctx context.Context, found bool, err error) {
	m.deletes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("found", found),
		attribute.Bool("error", err != nil),
	))
}

// RecordRestore records a resume attempt.
func (m *otelMetrics) RecordRestore(ctx context.Context, outcome string) {
	m.restores.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
