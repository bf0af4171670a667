// Package observability provides structured logging, metrics, and tracing
// for checkpoint operations.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a logger writing to w. format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %q", format)
	}
}

// ParseLevel converts debug/info/warn/error into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", level)
	}
}

// EnrichLogger adds the operation id to a logger.
func EnrichLogger(logger *slog.Logger, operationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("operation_id", operationID))
}

// LogCheckpointSaved logs a successful save.
func LogCheckpointSaved(logger *slog.Logger, operationID, checkpointType string, stateBytes, artifactBytes int64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint saved",
		slog.String("operation_id", operationID),
		slog.String("checkpoint_type", checkpointType),
		slog.Int64("state_size_bytes", stateBytes),
		slog.Int64("artifacts_size_bytes", artifactBytes),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCheckpointLoaded logs a successful load.
func LogCheckpointLoaded(logger *slog.Logger, operationID string, withArtifacts bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint loaded",
		slog.String("operation_id", operationID),
		slog.Bool("artifacts", withArtifacts),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCheckpointDeleted logs a deletion.
func LogCheckpointDeleted(logger *slog.Logger, operationID string, found bool) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint deleted",
		slog.String("operation_id", operationID),
		slog.Bool("found", found),
	)
}

// LogCheckpointError logs a failed checkpoint operation.
func LogCheckpointError(logger *slog.Logger, operationID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint operation failed",
		slog.String("operation_id", operationID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCleanupError logs a best-effort cleanup failure. These are never returned.
func LogCleanupError(logger *slog.Logger, operationID, path string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("artifact cleanup failed",
		slog.String("operation_id", operationID),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// LogRestore logs a successful resume.
func LogRestore(logger *slog.Logger, operationID, checkpointType string, startEpoch int) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint restored",
		slog.String("operation_id", operationID),
		slog.String("checkpoint_type", checkpointType),
		slog.Int("start_epoch", startEpoch),
	)
}

// LogRestoreError logs a failed resume attempt.
func LogRestoreError(logger *slog.Logger, operationID, outcome string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint restore failed",
		slog.String("operation_id", operationID),
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Millis converts a duration to fractional milliseconds for log fields.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
