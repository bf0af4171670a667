package sqldb_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.Options{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    sqldb.Dialect
		wantErr bool
	}{
		{"sqlite", sqldb.SQLite, false},
		{"SQLite3", sqldb.SQLite, false},
		{"postgres", sqldb.Postgres, false},
		{"postgresql", sqldb.Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := sqldb.ParseDialect(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	assert.Equal(t, q, sqldb.SQLite.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", sqldb.Postgres.Rebind(q))
}

func TestTime_Scan(t *testing.T) {
	ref := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)

	var fromText sqldb.Time
	require.NoError(t, fromText.Scan(sqldb.SQLite.TimeArg(ref)))
	assert.True(t, fromText.Valid)
	assert.True(t, ref.Equal(fromText.Time))

	var fromTime sqldb.Time
	require.NoError(t, fromTime.Scan(ref.In(time.FixedZone("x", 3600))))
	assert.True(t, ref.Equal(fromTime.Time))

	var fromNil sqldb.Time
	require.NoError(t, fromNil.Scan(nil))
	assert.False(t, fromNil.Valid)

	var bad sqldb.Time
	assert.Error(t, bad.Scan("yesterday"))
	assert.Error(t, bad.Scan(42))
}

func TestSQLiteTimeArg_SortsLexically(t *testing.T) {
	early := sqldb.SQLite.TimeArg(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)).(string)
	late := sqldb.SQLite.TimeArg(time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC)).(string)
	assert.Less(t, early, late)
}

func TestWithSession_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	require.NoError(t, sqldb.Migrate(ctx, db.SQL(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))

	err := sqldb.WithSession(ctx, db, func(s sqldb.Session) error {
		_, err := s.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = sqldb.WithSession(ctx, db, func(s sqldb.Session) error {
		if _, err := s.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('b', '2')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count))
	assert.Equal(t, 1, count, "rolled back insert must not be visible")
}

func TestWithSession_RollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	require.NoError(t, sqldb.Migrate(ctx, db.SQL(), `CREATE TABLE kv (k TEXT PRIMARY KEY)`))

	assert.Panics(t, func() {
		_ = sqldb.WithSession(ctx, db, func(s sqldb.Session) error {
			_, _ = s.ExecContext(ctx, `INSERT INTO kv (k) VALUES ('a')`)
			panic("kaboom")
		})
	})

	var count int
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count))
	assert.Equal(t, 0, count)

	// The connection must be usable again after the panic.
	require.NoError(t, sqldb.WithSession(ctx, db, func(s sqldb.Session) error { return nil }))
}

func TestDB_ForeignKeysEnabled(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	require.NoError(t, sqldb.Migrate(ctx, db.SQL(),
		`CREATE TABLE parent (id TEXT PRIMARY KEY)`,
		`CREATE TABLE child (id TEXT PRIMARY KEY REFERENCES parent(id) ON DELETE CASCADE)`,
	))

	_, err := db.SQL().ExecContext(ctx, `INSERT INTO child (id) VALUES ('orphan')`)
	assert.Error(t, err, "foreign key must be enforced")
}

func TestDB_CloseIdempotent(t *testing.T) {
	db, err := sqldb.Open(context.Background(), sqldb.Options{DSN: ":memory:"})
	require.NoError(t, err)

	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())

	_, err = db.Begin(context.Background())
	assert.ErrorIs(t, err, sqldb.ErrClosed)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := sqldb.Open(ctx, sqldb.Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = sqldb.Open(ctx, sqldb.Options{})
	assert.Error(t, err)

	_, err = sqldb.Open(ctx, sqldb.Options{DSN: filepath.Join("/nonexistent", "path", "db.sqlite")})
	assert.Error(t, err)
}
