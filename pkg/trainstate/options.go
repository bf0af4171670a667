package trainstate

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/trainstate/pkg/trainstate/observability"
)

// Artifact names understood by Restore.
const (
	ArtifactModel     = "model.pt"
	ArtifactOptimizer = "optimizer.pt"
	ArtifactScheduler = "scheduler.pt"
	ArtifactBestModel = "best_model.pt"
)

// serviceConfig holds configuration for a Service.
type serviceConfig struct {
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time
	required []string
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		required: []string{ArtifactModel, ArtifactOptimizer},
	}
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithLogger sets the logger for checkpoint events.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics{}
//
// Example:
//
//	svc := trainstate.NewService(db, dir, trainstate.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *serviceConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans sets the span manager.
// Default: observability.NoopSpanManager{}
func WithSpans(sm observability.SpanManager) Option {
	return func(c *serviceConfig) {
		if sm != nil {
			c.spans = sm
		}
	}
}

// WithClock overrides the time source for checkpoint timestamps and age
// cutoffs.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) {
		c.now = now
	}
}

// WithRequiredArtifacts replaces the artifacts Restore requires to be
// present and non-empty.
// Default: model.pt, optimizer.pt
func WithRequiredArtifacts(names ...string) Option {
	return func(c *serviceConfig) {
		c.required = append([]string(nil), names...)
	}
}
