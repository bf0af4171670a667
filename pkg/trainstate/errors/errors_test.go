package errors_test

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/artifact"
	"github.com/randalmurphal/trainstate/pkg/trainstate/errors"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Category
	}{
		{"nil", nil, errors.CategoryPermanent},
		{"not found", fmt.Errorf("load: %w", trainstate.ErrNotFound), errors.CategoryNotFound},
		{"corrupted", &trainstate.CorruptedError{OperationID: "op", Reason: "x"}, errors.CategoryCorrupted},
		{"artifact missing", fmt.Errorf("%w: /x", artifact.ErrMissing), errors.CategoryCorrupted},
		{"cancelled", context.Canceled, errors.CategoryCancelled},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), errors.CategoryTransient},
		{"closed db", sqldb.ErrClosed, errors.CategoryPermanent},
		{"invalid name", artifact.ErrInvalidName, errors.CategoryPermanent},
		{"bad conn", driver.ErrBadConn, errors.CategoryTransient},
		{"pq serialization", &pq.Error{Code: "40001"}, errors.CategoryTransient},
		{"pq connection", &pq.Error{Code: "08006"}, errors.CategoryTransient},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, errors.CategoryTransient},
		{"pq unique violation", &pq.Error{Code: "23505"}, errors.CategoryPermanent},
		{"pq fk violation", fmt.Errorf("upsert: %w", &pq.Error{Code: "23503"}), errors.CategoryPermanent},
		{"net error", &net.OpError{Op: "dial", Err: stderrors.New("refused")}, errors.CategoryTransient},
		{"explicit transient", errors.Transient(stderrors.New("x"), "save"), errors.CategoryTransient},
		{"unknown", stderrors.New("mystery"), errors.CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Categorize(tt.err))
		})
	}
}

func TestCategorize_SQLiteError(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Options{DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.SQL().ExecContext(ctx, "SELECT * FROM no_such_table")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryPermanent, errors.Categorize(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "permanent", errors.CategoryPermanent.String())
	assert.Equal(t, "transient", errors.CategoryTransient.String())
	assert.Equal(t, "not_found", errors.CategoryNotFound.String())
	assert.Equal(t, "corrupted", errors.CategoryCorrupted.String())
	assert.Equal(t, "cancelled", errors.CategoryCancelled.String())
	assert.Equal(t, "unknown", errors.Category(99).String())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, errors.HTTPStatus(nil))
	assert.Equal(t, http.StatusNotFound, errors.HTTPStatus(trainstate.ErrNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, errors.HTTPStatus(&trainstate.CorruptedError{}))
	assert.Equal(t, http.StatusServiceUnavailable, errors.HTTPStatus(&pq.Error{Code: "40P01"}))
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(stderrors.New("boom")))
}

func TestCategorizedError(t *testing.T) {
	base := stderrors.New("disk full")
	err := errors.Permanent(base, "write artifacts")

	assert.Equal(t, "write artifacts: disk full (category: permanent, attempts: 0)", err.Error())
	assert.ErrorIs(t, err, base)

	bare := &errors.CategorizedError{Err: base, Category: errors.CategoryTransient, Retries: 2}
	assert.Equal(t, "disk full (category: transient, attempts: 2)", bare.Error())
}

var fastRetry = errors.NewRetryConfig(
	errors.WithMaxAttempts(3),
	errors.WithInitialBackoff(time.Millisecond),
	errors.WithMaxBackoff(2*time.Millisecond),
)

func TestWithRetryContext(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := errors.WithRetryContext(ctx, fastRetry, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &pq.Error{Code: "40001"}
			}
			return "ok", nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		res := errors.WithRetryContext(ctx, fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, &pq.Error{Code: "23503"}
		})
		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, errors.CategoryPermanent, errors.Categorize(res.Err))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		res := errors.WithRetryContext(ctx, fastRetry, func(context.Context) (int, error) {
			calls++
			return 0, driver.ErrBadConn
		})
		require.Error(t, res.Err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 3, res.Attempts)
		assert.ErrorIs(t, res.Err, driver.ErrBadConn)
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		cctx, stop := context.WithCancel(ctx)
		stop()
		res := errors.WithRetryContext(cctx, fastRetry, func(context.Context) (int, error) {
			t.Fatal("must not be called")
			return 0, nil
		})
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, 0, res.Attempts)
		assert.Equal(t, errors.CategoryCancelled, errors.Categorize(res.Err))
	})

	t.Run("custom retryable", func(t *testing.T) {
		cfg := errors.NewRetryConfig(
			errors.WithMaxAttempts(2),
			errors.WithInitialBackoff(time.Millisecond),
			errors.WithRetryable(func(error) bool { return true }),
		)
		calls := 0
		res := errors.WithRetryContext(ctx, cfg, func(context.Context) (int, error) {
			calls++
			return 0, stderrors.New("anything")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 2, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		res := errors.WithRetry(errors.RetryConfig{}, func() (int, error) {
			calls++
			return 7, nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 7, res.Value)
		assert.Equal(t, 1, calls)
	})
}
