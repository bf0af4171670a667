package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

// Table is the checkpoint table name.
const Table = "operation_checkpoints"

// Schema returns the DDL for the checkpoint table and its indexes.
// The operations table must exist first (see package operation).
func Schema(d sqldb.Dialect) []string {
	if d == sqldb.Postgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS operation_checkpoints (
				operation_id VARCHAR(255) PRIMARY KEY
					REFERENCES operations(operation_id) ON DELETE CASCADE,
				checkpoint_type VARCHAR(50) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				state JSONB NOT NULL,
				artifacts_path VARCHAR(500),
				state_size_bytes INTEGER,
				artifacts_size_bytes BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS ix_operation_checkpoints_created_at
				ON operation_checkpoints(created_at)`,
			`CREATE INDEX IF NOT EXISTS ix_operation_checkpoints_checkpoint_type
				ON operation_checkpoints(checkpoint_type)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS operation_checkpoints (
			operation_id TEXT PRIMARY KEY
				REFERENCES operations(operation_id) ON DELETE CASCADE,
			checkpoint_type TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now') || '000000Z'),
			state TEXT NOT NULL,
			artifacts_path TEXT,
			state_size_bytes INTEGER,
			artifacts_size_bytes INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS ix_operation_checkpoints_created_at
			ON operation_checkpoints(created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_operation_checkpoints_checkpoint_type
			ON operation_checkpoints(checkpoint_type)`,
	}
}

// Records is the checkpoint record store. Every method takes the caller's
// querier (usually a sqldb.Session) so the caller owns commit and rollback.
type Records struct {
	dialect sqldb.Dialect
	now     func() time.Time
}

// RecordsOption configures Records.
type RecordsOption func(*Records)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) RecordsOption {
	return func(r *Records) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecords creates a record store for a dialect.
func NewRecords(d sqldb.Dialect, opts ...RecordsOption) *Records {
	r := &Records{dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const selectColumns = `
	SELECT operation_id, checkpoint_type, created_at, state,
		artifacts_path, state_size_bytes, artifacts_size_bytes
	FROM operation_checkpoints`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec           Record
		createdAt     sqldb.Time
		state         []byte
		artifactsPath sql.NullString
		stateSize     sql.NullInt64
		artifactsSize sql.NullInt64
	)
	if err := row.Scan(&rec.OperationID, &rec.Type, &createdAt, &state,
		&artifactsPath, &stateSize, &artifactsSize); err != nil {
		return nil, err
	}

	decoded, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	rec.State = decoded
	rec.CreatedAt = createdAt.Time
	if artifactsPath.Valid {
		rec.ArtifactsPath = artifactsPath.String
	}
	if stateSize.Valid {
		rec.StateSizeBytes = &stateSize.Int64
	}
	if artifactsSize.Valid {
		rec.ArtifactsSizeBytes = &artifactsSize.Int64
	}
	return &rec, nil
}

// Get loads the checkpoint of an operation.
// Returns ErrNotFound if none exists.
func (r *Records) Get(ctx context.Context, q sqldb.Querier, operationID string) (*Record, error) {
	row := q.QueryRowContext(ctx, r.dialect.Rebind(selectColumns+`
		WHERE operation_id = ?
	`), operationID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, operationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return rec, nil
}

// Upsert inserts the record or overwrites every mutable field of the
// existing row for the same operation. A save is a full replacement, never
// a merge. CreatedAt is assigned from the store's clock and written back
// into rec.
//
// The timestamp comes from the calling process, not the database server.
// Ordering across workers that share one Postgres database is only as good
// as their clock sync.
func (r *Records) Upsert(ctx context.Context, q sqldb.Querier, rec *Record) error {
	if rec.OperationID == "" {
		return errors.New("operation id is required")
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, rec.Type)
	}

	state, err := EncodeState(rec.State)
	if err != nil {
		return err
	}

	var artifactsPath sql.NullString
	if rec.ArtifactsPath != "" {
		artifactsPath = sql.NullString{String: rec.ArtifactsPath, Valid: true}
	}

	createdAt := r.now().UTC()

	_, err = q.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO operation_checkpoints (
			operation_id, checkpoint_type, created_at, state,
			artifacts_path, state_size_bytes, artifacts_size_bytes
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO UPDATE SET
			checkpoint_type = excluded.checkpoint_type,
			created_at = excluded.created_at,
			state = excluded.state,
			artifacts_path = excluded.artifacts_path,
			state_size_bytes = excluded.state_size_bytes,
			artifacts_size_bytes = excluded.artifacts_size_bytes
	`),
		rec.OperationID,
		string(rec.Type),
		r.dialect.TimeArg(createdAt),
		string(state),
		artifactsPath,
		nullInt64(rec.StateSizeBytes),
		nullInt64(rec.ArtifactsSizeBytes),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	rec.CreatedAt = createdAt
	return nil
}

// List returns checkpoints ordered newest first. With olderThanDays > 0
// only checkpoints created more than that many days ago are returned.
func (r *Records) List(ctx context.Context, q sqldb.Querier, olderThanDays int) ([]*Record, error) {
	query := selectColumns
	var args []any
	if olderThanDays > 0 {
		cutoff := r.now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
		query += ` WHERE created_at < ?`
		args = append(args, r.dialect.TimeArg(cutoff))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return records, nil
}

// Delete removes the checkpoint of an operation and reports whether a row existed.
func (r *Records) Delete(ctx context.Context, q sqldb.Querier, operationID string) (bool, error) {
	res, err := q.ExecContext(ctx, r.dialect.Rebind(`
		DELETE FROM operation_checkpoints WHERE operation_id = ?
	`), operationID)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	return n > 0, nil
}

// ArtifactOwners returns the ids of operations whose record references an
// artifact directory. Directories are named by operation id, so callers
// match on the id instead of comparing stored paths.
func (r *Records) ArtifactOwners(ctx context.Context, q sqldb.Querier) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT operation_id FROM operation_checkpoints
		WHERE artifacts_path IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list artifact owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan artifact owner: %w", err)
		}
		owners[id] = struct{}{}
	}
	return owners, rows.Err()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
