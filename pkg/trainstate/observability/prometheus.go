package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements MetricsRecorder on a Prometheus registry.
type PrometheusMetrics struct {
	registry      *prometheus.Registry
	saves         *prometheus.CounterVec
	saveDuration  *prometheus.HistogramVec
	stateBytes    prometheus.Histogram
	artifactBytes prometheus.Histogram
	loads         *prometheus.CounterVec
	deletes       *prometheus.CounterVec
	restores      *prometheus.CounterVec
}

// NewPrometheusMetrics creates a recorder with its own registry.
// Pass the registry to Handler to expose it.
func NewPrometheusMetrics() (*PrometheusMetrics, error) {
	p := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstate_checkpoint_saves_total",
				Help: "Total number of checkpoint saves",
			},
			[]string{"checkpoint_type", "status"},
		),
		saveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trainstate_checkpoint_save_duration_seconds",
				Help:    "Time taken to save a checkpoint",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"checkpoint_type"},
		),
		stateBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trainstate_checkpoint_state_bytes",
				Help:    "Serialized checkpoint state size",
				Buckets: prometheus.ExponentialBuckets(256, 4, 10),
			},
		),
		artifactBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trainstate_checkpoint_artifact_bytes",
				Help:    "Total checkpoint artifact size",
				Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12),
			},
		),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstate_checkpoint_loads_total",
				Help: "Total number of checkpoint loads",
			},
			[]string{"artifacts", "status"},
		),
		deletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstate_checkpoint_deletes_total",
				Help: "Total number of checkpoint deletions",
			},
			[]string{"found"},
		),
		restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainstate_restore_total",
				Help: "Total number of resume attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	collectors := []prometheus.Collector{
		p.saves, p.saveDuration, p.stateBytes, p.artifactBytes,
		p.loads, p.deletes, p.restores,
	}
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Registry returns the underlying registry.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler serving the registry.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *PrometheusMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordSave records a checkpoint save.
func (p *PrometheusMetrics) RecordSave(_ context.Context, checkpointType string, stateBytes, artifactBytes int64, duration time.Duration, err error) {
	p.saves.WithLabelValues(checkpointType, status(err)).Inc()
	p.saveDuration.WithLabelValues(checkpointType).Observe(duration.Seconds())
	if err != nil {
		return
	}
	p.stateBytes.Observe(float64(stateBytes))
	if artifactBytes > 0 {
		p.artifactBytes.Observe(float64(artifactBytes))
	}
}

// RecordLoad records a checkpoint load.
func (p *PrometheusMetrics) RecordLoad(_ context.Context, withArtifacts bool, _ time.Duration, err error) {
	p.loads.WithLabelValues(strconv.FormatBool(withArtifacts), status(err)).Inc()
}

// RecordDelete records a checkpoint deletion.
func (p *PrometheusMetrics) RecordDelete(_ context.Context, found bool, err error) {
	if err != nil {
		return
	}
	p.deletes.WithLabelValues(strconv.FormatBool(found)).Inc()
}

// RecordRestore records a resume attempt.
func (p *PrometheusMetrics) RecordRestore(_ context.Context, outcome string) {
	p.restores.WithLabelValues(outcome).Inc()
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
