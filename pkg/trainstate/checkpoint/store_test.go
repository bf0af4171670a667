package checkpoint_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
	"github.com/randalmurphal/trainstate/pkg/trainstate/operation"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// dbFactory opens a migrated database for one test.
type dbFactory func(t *testing.T) *sqldb.DB

func openSQLite(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.Options{DSN: ":memory:"})
	require.NoError(t, err)
	migrate(t, db)
	return db
}

func openPostgres(t *testing.T) *sqldb.DB {
	t.Helper()
	dsn := os.Getenv("TRAINSTATE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRAINSTATE_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Options{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	_, _ = db.SQL().ExecContext(ctx, `DROP TABLE IF EXISTS operation_checkpoints`)
	_, _ = db.SQL().ExecContext(ctx, `DROP TABLE IF EXISTS operations`)
	migrate(t, db)
	return db
}

func migrate(t *testing.T, db *sqldb.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sqldb.Migrate(ctx, db.SQL(), operation.Schema(db.Dialect())...))
	require.NoError(t, sqldb.Migrate(ctx, db.SQL(), checkpoint.Schema(db.Dialect())...))
}

func createOps(t *testing.T, db *sqldb.DB, ids ...string) {
	t.Helper()
	ops := operation.NewStore(db.Dialect())
	for _, id := range ids {
		_, err := ops.Create(context.Background(), db.SQL(), id, "training")
		require.NoError(t, err)
	}
}

func int64p(v int64) *int64 { return &v }

// recordsContractTest runs the record store contract against one dialect.
func recordsContractTest(t *testing.T, name string, open dbFactory) {
	t.Run(name+"/Upsert_and_Get", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")

		clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
		records := checkpoint.NewRecords(db.Dialect(), checkpoint.WithClock(clock.Now))

		rec := &checkpoint.Record{
			OperationID:        "op-1",
			Type:               checkpoint.TypePeriodic,
			State:              map[string]any{"epoch": 9, "train_loss": 0.5},
			ArtifactsPath:      "/data/op-1",
			StateSizeBytes:     int64p(31),
			ArtifactsSizeBytes: int64p(2),
		}
		require.NoError(t, records.Upsert(ctx, db.SQL(), rec))
		assert.True(t, clock.t.Equal(rec.CreatedAt))

		got, err := records.Get(ctx, db.SQL(), "op-1")
		require.NoError(t, err)
		assert.Equal(t, checkpoint.TypePeriodic, got.Type)
		assert.Equal(t, float64(9), got.State["epoch"])
		assert.Equal(t, 0.5, got.State["train_loss"])
		assert.Equal(t, "/data/op-1", got.ArtifactsPath)
		require.NotNil(t, got.StateSizeBytes)
		assert.Equal(t, int64(31), *got.StateSizeBytes)
		require.NotNil(t, got.ArtifactsSizeBytes)
		assert.Equal(t, int64(2), *got.ArtifactsSizeBytes)
		assert.True(t, clock.t.Equal(got.CreatedAt))
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		db := open(t)
		defer db.Close()
		records := checkpoint.NewRecords(db.Dialect())

		_, err := records.Get(context.Background(), db.SQL(), "missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Upsert_FullOverwrite", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")

		clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
		records := checkpoint.NewRecords(db.Dialect(), checkpoint.WithClock(clock.Now))

		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID:        "op-1",
			Type:               checkpoint.TypePeriodic,
			State:              map[string]any{"epoch": 1, "extra": "kept?"},
			ArtifactsPath:      "/data/op-1",
			StateSizeBytes:     int64p(10),
			ArtifactsSizeBytes: int64p(100),
		}))

		clock.Advance(time.Hour)
		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID:    "op-1",
			Type:           checkpoint.TypeCancellation,
			State:          map[string]any{"epoch": 2},
			StateSizeBytes: int64p(11),
		}))

		got, err := records.Get(ctx, db.SQL(), "op-1")
		require.NoError(t, err)
		assert.Equal(t, checkpoint.TypeCancellation, got.Type)
		assert.Equal(t, map[string]any{"epoch": float64(2)}, got.State, "state is replaced, not merged")
		assert.Empty(t, got.ArtifactsPath, "artifacts path is cleared")
		assert.Nil(t, got.ArtifactsSizeBytes, "artifacts size is cleared")
		assert.True(t, clock.t.Equal(got.CreatedAt), "created_at is reassigned on overwrite")

		all, err := records.List(ctx, db.SQL(), 0)
		require.NoError(t, err)
		assert.Len(t, all, 1, "at most one record per operation")
	})

	t.Run(name+"/Upsert_Validation", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")
		records := checkpoint.NewRecords(db.Dialect())

		err := records.Upsert(ctx, db.SQL(), &checkpoint.Record{OperationID: "op-1", Type: "nightly"})
		assert.ErrorIs(t, err, checkpoint.ErrInvalidType)

		err = records.Upsert(ctx, db.SQL(), &checkpoint.Record{Type: checkpoint.TypePeriodic})
		assert.Error(t, err)
	})

	t.Run(name+"/Upsert_UnknownOperation", func(t *testing.T) {
		db := open(t)
		defer db.Close()
		records := checkpoint.NewRecords(db.Dialect())

		err := records.Upsert(context.Background(), db.SQL(), &checkpoint.Record{
			OperationID: "ghost",
			Type:        checkpoint.TypePeriodic,
		})
		assert.Error(t, err, "foreign key to operations is enforced")
	})

	t.Run(name+"/List_OrderAndCutoff", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "old", "mid", "new")

		clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		records := checkpoint.NewRecords(db.Dialect(), checkpoint.WithClock(clock.Now))

		for _, id := range []string{"old", "mid", "new"} {
			require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
				OperationID: id,
				Type:        checkpoint.TypePeriodic,
				State:       map[string]any{"epoch": 1},
			}))
			clock.Advance(5 * 24 * time.Hour)
		}
		// now = Jan 16; old = Jan 1, mid = Jan 6, new = Jan 11

		all, err := records.List(ctx, db.SQL(), 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "new", all[0].OperationID)
		assert.Equal(t, "mid", all[1].OperationID)
		assert.Equal(t, "old", all[2].OperationID)

		older, err := records.List(ctx, db.SQL(), 7)
		require.NoError(t, err)
		require.Len(t, older, 2)
		assert.Equal(t, "mid", older[0].OperationID)
		assert.Equal(t, "old", older[1].OperationID)

		none, err := records.List(ctx, db.SQL(), 30)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")
		records := checkpoint.NewRecords(db.Dialect())

		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID: "op-1",
			Type:        checkpoint.TypeFailure,
		}))

		found, err := records.Delete(ctx, db.SQL(), "op-1")
		require.NoError(t, err)
		assert.True(t, found)

		found, err = records.Delete(ctx, db.SQL(), "op-1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run(name+"/CascadeOnOperationDelete", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")
		records := checkpoint.NewRecords(db.Dialect())

		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID: "op-1",
			Type:        checkpoint.TypeShutdown,
		}))

		found, err := operation.NewStore(db.Dialect()).Delete(ctx, db.SQL(), "op-1")
		require.NoError(t, err)
		require.True(t, found)

		_, err = records.Get(ctx, db.SQL(), "op-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/ArtifactOwners", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "a", "b")
		records := checkpoint.NewRecords(db.Dialect())

		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID: "a", Type: checkpoint.TypePeriodic, ArtifactsPath: "/x/a",
		}))
		require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
			OperationID: "b", Type: checkpoint.TypePeriodic,
		}))

		owners, err := records.ArtifactOwners(ctx, db.SQL())
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"a": {}}, owners)
	})

	t.Run(name+"/Session_Rollback", func(t *testing.T) {
		ctx := context.Background()
		db := open(t)
		defer db.Close()
		createOps(t, db, "op-1")
		records := checkpoint.NewRecords(db.Dialect())

		sess, err := db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, records.Upsert(ctx, sess, &checkpoint.Record{
			OperationID: "op-1", Type: checkpoint.TypePeriodic,
		}))
		require.NoError(t, sess.Rollback())

		_, err = records.Get(ctx, db.SQL(), "op-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})
}

func TestRecords_SQLite(t *testing.T) {
	recordsContractTest(t, "SQLite", openSQLite)
}

func TestRecords_Postgres(t *testing.T) {
	recordsContractTest(t, "Postgres", openPostgres)
}

func TestRecords_SQLiteDefaultCreatedAtSortsWithWrittenTimes(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	defer db.Close()
	createOps(t, db, "by-default", "by-clock")

	_, err := db.SQL().ExecContext(ctx, `
		INSERT INTO operation_checkpoints (operation_id, checkpoint_type, state)
		VALUES ('by-default', 'periodic', '{}')
	`)
	require.NoError(t, err)

	var raw string
	require.NoError(t, db.SQL().QueryRowContext(ctx,
		`SELECT created_at FROM operation_checkpoints WHERE operation_id = 'by-default'`).Scan(&raw))
	const layout = "2006-01-02T15:04:05.000000000Z"
	require.Len(t, raw, len(layout), "default created_at %q", raw)
	defaulted, err := time.Parse(layout, raw)
	require.NoError(t, err)

	// A record written a second later must sort ahead of the defaulted one.
	clock := &testClock{t: defaulted.Add(time.Second)}
	records := checkpoint.NewRecords(db.Dialect(), checkpoint.WithClock(clock.Now))
	require.NoError(t, records.Upsert(ctx, db.SQL(), &checkpoint.Record{
		OperationID: "by-clock", Type: checkpoint.TypePeriodic, State: map[string]any{},
	}))

	got, err := records.List(ctx, db.SQL(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "by-clock", got[0].OperationID)
	assert.Equal(t, "by-default", got[1].OperationID)
	assert.True(t, defaulted.Equal(got[1].CreatedAt))
}
