package trainstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/trainstate/pkg/trainstate/artifact"
	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
	"github.com/randalmurphal/trainstate/pkg/trainstate/observability"
	"github.com/randalmurphal/trainstate/pkg/trainstate/operation"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

// Data is the raw result of LoadCheckpoint.
type Data struct {
	checkpoint.Record

	// Artifacts holds the loaded artifact bytes keyed by file name.
	// Nil when artifacts were not requested or the checkpoint has none.
	Artifacts map[string][]byte
}

// Service saves, loads, and deletes checkpoints. It combines the artifact
// store with the record store so that a metadata row never points at an
// artifact directory written by a failed save.
//
// Service holds no mutable state between calls and is safe for concurrent
// use. Callers must not save the same operation id concurrently.
type Service struct {
	sessions  sqldb.SessionFactory
	artifacts *artifact.Store
	records   *checkpoint.Records
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	required  []string
}

// NewService creates a service over a session factory and an artifact base
// directory.
func NewService(sessions sqldb.SessionFactory, artifactsDir string, opts ...Option) *Service {
	cfg := defaultServiceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var recordOpts []checkpoint.RecordsOption
	if cfg.now != nil {
		recordOpts = append(recordOpts, checkpoint.WithClock(cfg.now))
	}

	return &Service{
		sessions:  sessions,
		artifacts: artifact.NewStore(artifactsDir),
		records:   checkpoint.NewRecords(sessions.Dialect(), recordOpts...),
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		spans:     cfg.spans,
		required:  cfg.required,
	}
}

// Artifacts returns the underlying artifact store.
func (s *Service) Artifacts() *artifact.Store {
	return s.artifacts
}

// Migrate creates the operations and checkpoint tables if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	d := s.sessions.Dialect()
	return sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		if err := sqldb.Migrate(ctx, sess, operation.Schema(d)...); err != nil {
			return err
		}
		return sqldb.Migrate(ctx, sess, checkpoint.Schema(d)...)
	})
}

// SaveCheckpoint stores the checkpoint of an operation, replacing any
// previous one.
//
// Artifacts are written first, outside the metadata transaction. If the
// metadata write then fails, the artifact directory just written is removed
// before the error is returned. A nil or empty artifacts map leaves the
// filesystem untouched and stores a NULL artifacts path.
func (s *Service) SaveCheckpoint(
	ctx context.Context,
	operationID string,
	typ checkpoint.Type,
	state map[string]any,
	artifacts map[string][]byte,
) (err error) {
	ctx, span := s.spans.StartSpan(ctx, observability.SpanSave, operationID)
	done := observability.TimedOperation()

	var stateSize, artifactsSize int64
	defer func() {
		elapsed := done()
		s.metrics.RecordSave(ctx, string(typ), stateSize, artifactsSize, elapsed, err)
		s.spans.EndSpanWithError(span, err)
		if err != nil {
			observability.LogCheckpointError(s.logger, operationID, "save", err)
			return
		}
		observability.LogCheckpointSaved(s.logger, operationID, string(typ),
			stateSize, artifactsSize, observability.Millis(elapsed))
	}()

	if !typ.Valid() {
		return fmt.Errorf("%w: %q", checkpoint.ErrInvalidType, typ)
	}
	if err := artifact.ValidateOperationID(operationID); err != nil {
		return err
	}

	encoded, err := checkpoint.EncodeState(state)
	if err != nil {
		return err
	}
	stateSize = int64(len(encoded))

	rec := &checkpoint.Record{
		OperationID:    operationID,
		Type:           typ,
		State:          state,
		StateSizeBytes: &stateSize,
	}

	if len(artifacts) > 0 {
		path, err := s.artifacts.Write(ctx, operationID, artifacts)
		if err != nil {
			return fmt.Errorf("write artifacts: %w", err)
		}
		size := artifact.TotalSize(artifacts)
		artifactsSize = size
		rec.ArtifactsPath = path
		rec.ArtifactsSizeBytes = &size
		s.spans.AddSpanEvent(ctx, "artifacts.written",
			attribute.Int("count", len(artifacts)),
			attribute.Int64("bytes", size))
	}

	err = sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		return s.records.Upsert(ctx, sess, rec)
	})
	if err != nil {
		if rec.ArtifactsPath != "" {
			// The save already failed; a cleanup error must not mask it.
			if cleanupErr := s.artifacts.Delete(ctx, rec.ArtifactsPath); cleanupErr != nil {
				observability.LogCleanupError(s.logger, operationID, rec.ArtifactsPath, cleanupErr)
			}
		}
		return fmt.Errorf("save checkpoint metadata: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of an operation.
// Returns ErrNotFound if none exists. With loadArtifacts, a recorded
// artifact directory that no longer exists yields a *CorruptedError.
// Without it the filesystem is never touched.
func (s *Service) LoadCheckpoint(ctx context.Context, operationID string, loadArtifacts bool) (data *Data, err error) {
	ctx, span := s.spans.StartSpan(ctx, observability.SpanLoad, operationID)
	done := observability.TimedOperation()
	defer func() {
		elapsed := done()
		s.metrics.RecordLoad(ctx, loadArtifacts, elapsed, err)
		s.spans.EndSpanWithError(span, err)
		if err == nil {
			observability.LogCheckpointLoaded(s.logger, operationID, loadArtifacts, observability.Millis(elapsed))
		}
	}()

	var rec *checkpoint.Record
	err = sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		var getErr error
		rec, getErr = s.records.Get(ctx, sess, operationID)
		return getErr
	})
	if err != nil {
		return nil, err
	}

	data = &Data{Record: *rec}
	if !loadArtifacts || !rec.HasArtifacts() {
		return data, nil
	}

	blobs, err := s.artifacts.Read(ctx, rec.ArtifactsPath)
	if err != nil {
		if errors.Is(err, artifact.ErrMissing) {
			return nil, &CorruptedError{
				OperationID: operationID,
				Path:        rec.ArtifactsPath,
				Reason:      "artifacts directory missing",
				Err:         err,
			}
		}
		return nil, err
	}
	data.Artifacts = blobs
	return data, nil
}

// DeleteCheckpoint removes the checkpoint of an operation and its artifact
// directory. Reports whether a checkpoint existed. Deleting a missing
// checkpoint is not an error.
func (s *Service) DeleteCheckpoint(ctx context.Context, operationID string) (found bool, err error) {
	ctx, span := s.spans.StartSpan(ctx, observability.SpanDelete, operationID)
	defer func() {
		s.metrics.RecordDelete(ctx, found, err)
		s.spans.EndSpanWithError(span, err)
		if err != nil {
			observability.LogCheckpointError(s.logger, operationID, "delete", err)
			return
		}
		observability.LogCheckpointDeleted(s.logger, operationID, found)
	}()

	err = sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		rec, err := s.records.Get(ctx, sess, operationID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.artifacts.Delete(ctx, rec.ArtifactsPath); err != nil {
			return err
		}
		found, err = s.records.Delete(ctx, sess, operationID)
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// ListCheckpoints returns checkpoint summaries, newest first. With
// olderThanDays > 0 only checkpoints older than that many days are listed.
// view projects each state; nil omits state from the summaries.
func (s *Service) ListCheckpoints(ctx context.Context, olderThanDays int, view checkpoint.SummaryView) (summaries []checkpoint.Summary, err error) {
	ctx, span := s.spans.StartSpan(ctx, observability.SpanList, "")
	defer func() { s.spans.EndSpanWithError(span, err) }()

	var records []*checkpoint.Record
	err = sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		var listErr error
		records, listErr = s.records.List(ctx, sess, olderThanDays)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	summaries = make([]checkpoint.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summarize(view))
	}
	return summaries, nil
}

// Prune deletes every checkpoint older than olderThanDays and returns the
// operation ids it removed. A failure stops the prune; ids removed before
// it are still returned.
func (s *Service) Prune(ctx context.Context, olderThanDays int) ([]string, error) {
	if olderThanDays <= 0 {
		return nil, ErrInvalidRetention
	}

	summaries, err := s.ListCheckpoints(ctx, olderThanDays, nil)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, sum := range summaries {
		found, err := s.DeleteCheckpoint(ctx, sum.OperationID)
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", sum.OperationID, err)
		}
		if found {
			removed = append(removed, sum.OperationID)
		}
	}
	return removed, nil
}

// GCReport lists the directories removed by CollectGarbage.
type GCReport struct {
	// Staging holds leftover temp directories from interrupted writes.
	Staging []string
	// Orphans holds artifact directories no checkpoint references.
	Orphans []string
}

// CollectGarbage removes leftover staging directories and artifact
// directories that no checkpoint references. These are left behind when a
// process dies between writing artifacts and committing metadata.
// Run it while no saves are in flight: a save between its artifact write
// and metadata commit looks exactly like an orphan.
func (s *Service) CollectGarbage(ctx context.Context) (*GCReport, error) {
	entries, err := s.artifacts.List(ctx)
	if err != nil {
		return nil, err
	}

	// Directories are named by operation id, so matching on the owner holds
	// even when the recorded path was written through a different base.
	var owners map[string]struct{}
	err = sqldb.WithSession(ctx, s.sessions, func(sess sqldb.Session) error {
		var ownersErr error
		owners, ownersErr = s.records.ArtifactOwners(ctx, sess)
		return ownersErr
	})
	if err != nil {
		return nil, err
	}

	report := &GCReport{}
	for _, e := range entries {
		if !e.Staging {
			if _, ok := owners[e.Name]; ok {
				continue
			}
		}
		if err := s.artifacts.Delete(ctx, e.Path); err != nil {
			return report, err
		}
		if e.Staging {
			report.Staging = append(report.Staging, e.Path)
		} else {
			report.Orphans = append(report.Orphans, e.Path)
		}
		s.logger.Info("removed unreferenced artifacts",
			slog.String("path", e.Path),
			slog.Bool("staging", e.Staging))
	}
	return report, nil
}
