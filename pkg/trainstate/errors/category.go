// Package errors classifies checkpoint errors and provides a caller-side
// retry helper.
//
// The checkpoint service never retries on its own. Callers that want a
// retry policy for metadata writes use WithRetryContext, which retries only
// errors that Categorize reports as transient.
package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/artifact"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryPermanent indicates retry won't help.
	// Examples: constraint violations, invalid names, closed stores.
	CategoryPermanent Category = iota

	// CategoryTransient indicates retry will likely help.
	// Examples: locked databases, dropped connections, timeouts.
	CategoryTransient

	// CategoryNotFound indicates no checkpoint exists.
	CategoryNotFound

	// CategoryCorrupted indicates a checkpoint whose artifacts are
	// missing or unreadable.
	CategoryCorrupted

	// CategoryCancelled indicates the caller gave up.
	CategoryCancelled
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPermanent:
		return "permanent"
	case CategoryTransient:
		return "transient"
	case CategoryNotFound:
		return "not_found"
	case CategoryCorrupted:
		return "corrupted"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	switch {
	case errors.Is(err, trainstate.ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, trainstate.ErrCorrupted), errors.Is(err, artifact.ErrMissing):
		return CategoryCorrupted
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case errors.Is(err, sqldb.ErrClosed), errors.Is(err, artifact.ErrInvalidName):
		return CategoryPermanent
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return CategoryTransient
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// Extended result codes carry the primary code in the low byte.
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return CategoryTransient
		}
		return CategoryPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (serialization failure, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (admin shutdown)
			return CategoryTransient
		}
		return CategoryPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// HTTPStatus maps an error to the status a service boundary should return.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Categorize(err) {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryCorrupted:
		return http.StatusUnprocessableEntity
	case CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
