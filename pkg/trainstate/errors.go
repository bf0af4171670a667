package trainstate

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
)

// Sentinel errors for checkpoint access.
var (
	// ErrNotFound indicates no checkpoint exists for the operation.
	ErrNotFound = checkpoint.ErrNotFound

	// ErrCorrupted indicates a checkpoint whose artifacts are missing,
	// empty, or whose state cannot be interpreted.
	ErrCorrupted = errors.New("checkpoint corrupted")

	// ErrInvalidRetention indicates a prune without a positive age cutoff.
	ErrInvalidRetention = errors.New("older-than days must be positive")
)

// Sentinel errors for resolving a resumed run's original configuration.
var (
	// ErrNoOriginalConfig indicates original_request carries neither an
	// inline config nor a config path.
	ErrNoOriginalConfig = errors.New("original request has no config")

	// ErrConfigPathMissing indicates original_request references a config
	// file that no longer exists.
	ErrConfigPathMissing = errors.New("original config path does not exist")
)

// CorruptedError describes why a checkpoint cannot be trusted.
// errors.Is(err, ErrCorrupted) reports true for it.
type CorruptedError struct {
	// OperationID is the operation whose checkpoint is corrupted.
	OperationID string
	// Artifact names the missing or empty artifact, if that is the cause.
	Artifact string
	// Path is the artifact directory, if known.
	Path string
	// Reason is a short human-readable cause.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *CorruptedError) Error() string {
	msg := fmt.Sprintf("checkpoint corrupted for operation %s: %s", e.OperationID, e.Reason)
	if e.Artifact != "" {
		msg += fmt.Sprintf(" (artifact %s)", e.Artifact)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" at %s", e.Path)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CorruptedError) Unwrap() error {
	return e.Err
}

// Is matches ErrCorrupted.
func (e *CorruptedError) Is(target error) bool {
	return target == ErrCorrupted
}
