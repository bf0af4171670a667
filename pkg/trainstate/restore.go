package trainstate

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
	"github.com/randalmurphal/trainstate/pkg/trainstate/config"
	"github.com/randalmurphal/trainstate/pkg/trainstate/observability"
)

// State keys read by Restore.
const (
	StateEpoch           = "epoch"
	StateTrainingHistory = "training_history"
	StateBestValLoss     = "best_val_loss"
	StateOriginalRequest = "original_request"
)

// ResumeContext is the validated state a resumed run continues from.
type ResumeContext struct {
	OperationID    string
	CheckpointType checkpoint.Type
	CreatedAt      time.Time

	// StartEpoch is the first epoch to run: the last completed epoch + 1.
	StartEpoch int

	ModelState     []byte
	OptimizerState []byte

	// SchedulerState and BestModelState are nil when not checkpointed.
	SchedulerState []byte
	BestModelState []byte

	// TrainingHistory is copied verbatim from state; nil when absent.
	TrainingHistory any

	// BestValLoss is +Inf when the checkpoint did not record one.
	BestValLoss float64

	// OriginalRequest holds the original run parameters. Never nil.
	OriginalRequest map[string]any

	// State is the full checkpoint state for domain-specific fields.
	State map[string]any

	// Artifacts holds every artifact in the checkpoint.
	Artifacts map[string][]byte
}

// Restore loads the checkpoint of an operation and validates it for resume.
//
// Returns ErrNotFound if no checkpoint exists, and a *CorruptedError if the
// artifact directory is missing, a required artifact is missing or empty,
// or the state lacks a usable epoch. Restore never modifies the checkpoint.
func (s *Service) Restore(ctx context.Context, operationID string) (rc *ResumeContext, err error) {
	ctx, span := s.spans.StartSpan(ctx, observability.SpanRestore, operationID)
	defer func() {
		outcome := restoreOutcome(err)
		s.metrics.RecordRestore(ctx, outcome)
		s.spans.EndSpanWithError(span, err)
		if err != nil {
			observability.LogRestoreError(s.logger, operationID, outcome, err)
			return
		}
		observability.LogRestore(s.logger, operationID, string(rc.CheckpointType), rc.StartEpoch)
	}()

	data, err := s.LoadCheckpoint(ctx, operationID, true)
	if err != nil {
		return nil, err
	}

	for _, name := range s.required {
		if len(data.Artifacts[name]) == 0 {
			reason := "required artifact missing"
			if _, ok := data.Artifacts[name]; ok {
				reason = "required artifact empty"
			}
			return nil, &CorruptedError{
				OperationID: operationID,
				Artifact:    name,
				Path:        data.ArtifactsPath,
				Reason:      reason,
			}
		}
	}

	return hydrate(data)
}

func hydrate(data *Data) (*ResumeContext, error) {
	state := data.State
	if state == nil {
		state = map[string]any{}
	}

	raw, ok := state[StateEpoch]
	if !ok {
		return nil, &CorruptedError{OperationID: data.OperationID, Reason: "state has no epoch"}
	}
	epoch, ok := config.ToInt(raw)
	if !ok {
		return nil, &CorruptedError{OperationID: data.OperationID, Reason: "state epoch is not an integer"}
	}

	rc := &ResumeContext{
		OperationID:     data.OperationID,
		CheckpointType:  data.Type,
		CreatedAt:       data.CreatedAt,
		StartEpoch:      epoch + 1,
		ModelState:      data.Artifacts[ArtifactModel],
		OptimizerState:  data.Artifacts[ArtifactOptimizer],
		SchedulerState:  data.Artifacts[ArtifactScheduler],
		BestModelState:  data.Artifacts[ArtifactBestModel],
		TrainingHistory: state[StateTrainingHistory],
		BestValLoss:     math.Inf(1),
		OriginalRequest: map[string]any{},
		State:           state,
		Artifacts:       data.Artifacts,
	}

	if v, ok := state[StateBestValLoss].(float64); ok {
		rc.BestValLoss = v
	}

	if v, present := state[StateOriginalRequest]; present && v != nil {
		req, ok := config.AsMap(v)
		if !ok {
			return nil, &CorruptedError{OperationID: data.OperationID, Reason: "original_request is not a mapping"}
		}
		rc.OriginalRequest = req
	}

	return rc, nil
}

func restoreOutcome(err error) string {
	var corrupted *CorruptedError
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrNotFound):
		return observability.OutcomeNotFound
	case errors.As(err, &corrupted):
		return observability.OutcomeCorrupted
	default:
		return observability.OutcomeError
	}
}
