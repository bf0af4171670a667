// Package sqldb provides the transactional session abstraction consumed by
// the checkpoint record store, over SQLite (modernc.org/sqlite) or
// Postgres (github.com/lib/pq).
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrClosed indicates the database has been closed.
var ErrClosed = errors.New("database closed")

// Querier is the statement surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session is a transactional scope. *sql.Tx satisfies it.
type Session interface {
	Querier
	Commit() error
	Rollback() error
}

// SessionFactory hands out sessions for one logical call each.
type SessionFactory interface {
	// Begin starts a new transactional session.
	Begin(ctx context.Context) (Session, error)

	// Dialect reports the SQL flavor sessions speak.
	Dialect() Dialect
}

// Options configures Open.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// DSN is a file path or ":memory:" for SQLite, or a lib/pq connection string.
	DSN string
}

// DB is a SessionFactory backed by database/sql.
type DB struct {
	db      *sql.DB
	dialect Dialect

	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ SessionFactory = (*DB)(nil)

// Open connects to the metadata store.
func Open(ctx context.Context, opts Options) (*DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = string(SQLite)
	}
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	switch dialect {
	case SQLite:
		return openSQLite(ctx, opts.DSN)
	default:
		return openPostgres(ctx, opts.DSN)
	}
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open(SQLite.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps a ":memory:"
	// database alive for the lifetime of the handle.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return &DB{db: db, dialect: SQLite}, nil
}

func openPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}

	db, err := sql.Open(Postgres.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{db: db, dialect: Postgres}, nil
}

// Dialect implements SessionFactory.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Begin implements SessionFactory.
func (d *DB) Begin(ctx context.Context) (Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// SQL returns the underlying handle for statements that need no transaction.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Close releases the connection pool. Closing twice is safe.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// WithSession runs fn inside a session: commit on success, rollback on
// error or panic. The session never outlives the call.
func WithSession(ctx context.Context, f SessionFactory, fn func(Session) error) (err error) {
	sess, err := f.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sess.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sess.Rollback()
		}
	}()

	if err = fn(sess); err != nil {
		return err
	}
	if err = sess.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Migrate executes schema statements in order.
func Migrate(ctx context.Context, q Querier, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
