// Package operation is a minimal record of long-running operations.
//
// Checkpoint rows reference operations by id and are removed with them
// (ON DELETE CASCADE). The checkpoint engine reads nothing from this
// package; lifecycle transitions belong to the driver or an external
// tracking service.
package operation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound indicates the operation does not exist.
var ErrNotFound = errors.New("operation not found")

// Operation is one unit of long-running work (a training run, a backtest).
type Operation struct {
	ID        string
	Type      string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewID returns a fresh operation id.
func NewID(prefix string) string {
	id := uuid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Schema returns the DDL for the operations table.
func Schema(d sqldb.Dialect) []string {
	if d == sqldb.Postgres {
		return []string{`
			CREATE TABLE IF NOT EXISTS operations (
				operation_id VARCHAR(255) PRIMARY KEY,
				operation_type VARCHAR(50) NOT NULL,
				status VARCHAR(20) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
	}
	return []string{`
		CREATE TABLE IF NOT EXISTS operations (
			operation_id TEXT PRIMARY KEY,
			operation_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
}

// Store persists operations through caller-supplied queriers.
type Store struct {
	dialect sqldb.Dialect
	now     func() time.Time
}

// NewStore creates an operation store for a dialect.
func NewStore(d sqldb.Dialect) *Store {
	return &Store{dialect: d, now: time.Now}
}

// Create inserts a pending operation.
func (s *Store) Create(ctx context.Context, q sqldb.Querier, id, opType string) (*Operation, error) {
	if id == "" {
		return nil, errors.New("operation id is required")
	}
	now := s.now().UTC()
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO operations (operation_id, operation_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), id, opType, StatusPending, s.dialect.TimeArg(now), s.dialect.TimeArg(now))
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	return &Operation{ID: id, Type: opType, Status: StatusPending, CreatedAt: now, UpdatedAt: now}, nil
}

// Get loads an operation. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, q sqldb.Querier, id string) (*Operation, error) {
	var (
		op        Operation
		createdAt sqldb.Time
		updatedAt sqldb.Time
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT operation_id, operation_type, status, created_at, updated_at
		FROM operations WHERE operation_id = ?
	`), id).Scan(&op.ID, &op.Type, &op.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.CreatedAt = createdAt.Time
	op.UpdatedAt = updatedAt.Time
	return &op, nil
}

// SetStatus moves an operation to a new status.
func (s *Store) SetStatus(ctx context.Context, q sqldb.Querier, id string, status Status) error {
	res, err := q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE operations SET status = ?, updated_at = ? WHERE operation_id = ?
	`), status, s.dialect.TimeArg(s.now()), id)
	if err != nil {
		return fmt.Errorf("update operation status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes an operation and, through the foreign key, its checkpoint row.
// Artifact directories are not touched; see trainstate.Service.CollectGarbage.
func (s *Store) Delete(ctx context.Context, q sqldb.Querier, id string) (bool, error) {
	res, err := q.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM operations WHERE operation_id = ?
	`), id)
	if err != nil {
		return false, fmt.Errorf("delete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete operation: %w", err)
	}
	return n > 0, nil
}

// Lifecycle records operation status transitions.
// The driver reports through it; Tracker is the SQL-backed implementation.
type Lifecycle interface {
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Tracker implements Lifecycle with one session per transition.
type Tracker struct {
	sessions sqldb.SessionFactory
	store    *Store
}

// Compile-time interface check.
var _ Lifecycle = (*Tracker)(nil)

// NewTracker creates a Lifecycle backed by the given session factory.
func NewTracker(sessions sqldb.SessionFactory) *Tracker {
	return &Tracker{sessions: sessions, store: NewStore(sessions.Dialect())}
}

// Store returns the underlying operation store.
func (t *Tracker) Store() *Store {
	return t.store
}

// Ensure creates the operation if it does not exist yet.
func (t *Tracker) Ensure(ctx context.Context, id, opType string) error {
	return sqldb.WithSession(ctx, t.sessions, func(sess sqldb.Session) error {
		if _, err := t.store.Get(ctx, sess, id); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err := t.store.Create(ctx, sess, id, opType)
		return err
	})
}

func (t *Tracker) set(ctx context.Context, id string, status Status) error {
	return sqldb.WithSession(ctx, t.sessions, func(sess sqldb.Session) error {
		return t.store.SetStatus(ctx, sess, id, status)
	})
}

// Start implements Lifecycle.
func (t *Tracker) Start(ctx context.Context, id string) error { return t.set(ctx, id, StatusRunning) }

// Complete implements Lifecycle.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	return t.set(ctx, id, StatusCompleted)
}

// Fail implements Lifecycle.
func (t *Tracker) Fail(ctx context.Context, id string) error { return t.set(ctx, id, StatusFailed) }

// Cancel implements Lifecycle.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	return t.set(ctx, id, StatusCancelled)
}
