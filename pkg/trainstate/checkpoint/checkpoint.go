// Package checkpoint persists checkpoint metadata: one row per operation
// holding a small JSON state document, the artifact directory path, and
// size accounting. Binary artifacts live in package artifact.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Type records why a checkpoint was taken.
type Type string

// Checkpoint types.
const (
	TypePeriodic     Type = "periodic"
	TypeCancellation Type = "cancellation"
	TypeFailure      Type = "failure"
	TypeShutdown     Type = "shutdown"
)

// Valid reports whether t is a known checkpoint type.
func (t Type) Valid() bool {
	switch t {
	case TypePeriodic, TypeCancellation, TypeFailure, TypeShutdown:
		return true
	}
	return false
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// Sentinel errors for checkpoint records.
var (
	// ErrNotFound indicates no checkpoint exists for the operation.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidType indicates an unknown checkpoint type.
	ErrInvalidType = errors.New("invalid checkpoint type")
)

// Record is the persisted checkpoint row of one operation.
type Record struct {
	// OperationID is the primary key and references the owning operation.
	OperationID string

	// Type is why the checkpoint was taken.
	Type Type

	// CreatedAt is assigned by the store on every write.
	CreatedAt time.Time

	// State is the domain-specific resumable state. Opaque to the store.
	State map[string]any

	// ArtifactsPath is the artifact directory, or "" when the checkpoint
	// has no binary artifacts.
	ArtifactsPath string

	// StateSizeBytes and ArtifactsSizeBytes are for monitoring only.
	StateSizeBytes     *int64
	ArtifactsSizeBytes *int64
}

// HasArtifacts reports whether the record references an artifact directory.
func (r *Record) HasArtifacts() bool {
	return r.ArtifactsPath != ""
}

// Summary is the lightweight listing projection of a Record.
type Summary struct {
	OperationID        string         `json:"operation_id"`
	Type               Type           `json:"checkpoint_type"`
	CreatedAt          time.Time      `json:"created_at"`
	ArtifactsPath      string         `json:"artifacts_path,omitempty"`
	StateSizeBytes     *int64         `json:"state_size_bytes,omitempty"`
	ArtifactsSizeBytes *int64         `json:"artifacts_size_bytes,omitempty"`
	State              map[string]any `json:"state,omitempty"`
}

// SummaryView selects the state fields exposed in a Summary.
type SummaryView func(state map[string]any) map[string]any

// DefaultSummaryView exposes the progress fields common to training and
// backtesting state documents.
func DefaultSummaryView(state map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{"epoch", "train_loss", "val_loss", "best_val_loss", "bar_index"} {
		if v, ok := state[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Summarize projects the record through view. A nil view drops state entirely.
func (r *Record) Summarize(view SummaryView) Summary {
	s := Summary{
		OperationID:        r.OperationID,
		Type:               r.Type,
		CreatedAt:          r.CreatedAt,
		ArtifactsPath:      r.ArtifactsPath,
		StateSizeBytes:     r.StateSizeBytes,
		ArtifactsSizeBytes: r.ArtifactsSizeBytes,
	}
	if view != nil && r.State != nil {
		s.State = view(r.State)
	}
	return s
}

// EncodeState serializes a state document. A nil state encodes as {}.
// Errors name the first top-level key, in sorted order, that cannot be
// encoded, e.g. a metric holding +Inf or NaN.
func EncodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(state)
	if err == nil {
		return data, nil
	}
	for _, key := range slices.Sorted(maps.Keys(state)) {
		if _, keyErr := json.Marshal(state[key]); keyErr != nil {
			return nil, fmt.Errorf("encode state key %q: %w", key, keyErr)
		}
	}
	return nil, fmt.Errorf("encode state: %w", err)
}

// DecodeState parses a stored state document.
func DecodeState(data []byte) (map[string]any, error) {
	state := make(map[string]any)
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state == nil {
		state = make(map[string]any)
	}
	return state, nil
}
