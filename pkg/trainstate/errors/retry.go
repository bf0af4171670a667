package errors

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls how an operation is retried after transient failures.
type RetryConfig struct {
	// MaxAttempts counts every call including the first. Values below 1 mean 1.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Zero leaves it uncapped.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each retry. Values below 1 keep it constant.
	BackoffFactor float64

	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64

	// RetryableFunc decides which errors are retried. Default: IsRetryable.
	RetryableFunc func(error) bool
}

// DefaultRetry suits metadata writes against a busy database.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry makes a single attempt.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult is the outcome of a retried call.
type RetryResult[T any] struct {
	Value T
	// Err is a *CategorizedError when every attempt failed.
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetry is WithRetryContext without cancellation.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext calls fn until it succeeds, returns an error that is not
// retryable, runs out of attempts, or ctx is done. Failures come back as a
// *CategorizedError carrying the attempt count.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	attempts := max(cfg.MaxAttempts, 1)
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	fail := func(n int, err error, category Category, why string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: category, Retries: n, Context: why},
			Attempts: n,
			Duration: time.Since(start),
		}
	}

	var err error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			timer := time.NewTimer(cfg.delay(n))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fail(n, ctx.Err(), CategoryCancelled, "context cancelled during backoff")
			case <-timer.C:
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(n, ctxErr, CategoryCancelled, "context cancelled")
		}

		var value T
		value, err = fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: n + 1, Duration: time.Since(start)}
		}
		if !retryable(err) {
			return fail(n+1, err, Categorize(err), "")
		}
	}
	return fail(attempts, err, Categorize(err), "max retries exceeded")
}

// delay returns the jittered wait before attempt n (n >= 1).
func (cfg RetryConfig) delay(n int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		return 0
	}
	factor := math.Max(cfg.BackoffFactor, 1)
	d := float64(cfg.InitialBackoff) * math.Pow(factor, float64(n-1))
	if cfg.MaxBackoff > 0 {
		d = math.Min(d, float64(cfg.MaxBackoff))
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// RetryOption adjusts a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets the first delay.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff caps the delay.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithRetryable overrides which errors are retried.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// NewRetryConfig applies opts to DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
