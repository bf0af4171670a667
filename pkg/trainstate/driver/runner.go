// Package driver runs an epoch loop with checkpointing and resume.
//
// The Runner owns one operation at a time. It asks its policy after every
// completed epoch whether to checkpoint, polls a cancellation token between
// epochs, and picks the checkpoint type from how the loop ends:
//
//   - token cancelled: cancellation checkpoint, ErrCancelled
//   - context done: shutdown checkpoint, the context error
//   - epoch error: failure checkpoint of the last completed epoch, the error
//   - all epochs done: the checkpoint is deleted
//
// A checkpoint always records the last completed epoch under "epoch", so a
// resumed run continues with the epoch after it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/cancel"
	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
	tserrors "github.com/randalmurphal/trainstate/pkg/trainstate/errors"
	"github.com/randalmurphal/trainstate/pkg/trainstate/operation"
	"github.com/randalmurphal/trainstate/pkg/trainstate/policy"
)

// Sentinel errors for runs.
var (
	// ErrCancelled indicates the run stopped because its token was cancelled.
	ErrCancelled = errors.New("run cancelled")

	// ErrInvalidRun indicates a run without an operation id or epochs.
	ErrInvalidRun = errors.New("invalid run")
)

// Snapshot is the resumable state of a trainer.
type Snapshot struct {
	// State is stored as checkpoint state. Values must be JSON-encodable.
	State map[string]any
	// Artifacts are stored as named binary files.
	Artifacts map[string][]byte
}

// Trainer is the unit of work a Runner drives.
type Trainer interface {
	// RunEpoch trains one zero-based epoch.
	RunEpoch(ctx context.Context, epoch int) error

	// Snapshot captures state as of the last completed epoch. A failed
	// RunEpoch must not leave partial progress visible here.
	Snapshot() (Snapshot, error)

	// Restore loads state from a checkpoint before the first epoch runs.
	Restore(rc *trainstate.ResumeContext) error
}

// Checkpointer is the part of trainstate.Service a Runner uses.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, operationID string, typ checkpoint.Type, state map[string]any, artifacts map[string][]byte) error
	DeleteCheckpoint(ctx context.Context, operationID string) (bool, error)
	Restore(ctx context.Context, operationID string) (*trainstate.ResumeContext, error)
}

// Run describes one run of an operation.
type Run struct {
	OperationID string
	// Epochs is the total number of epochs, including any already completed.
	Epochs int
	// OriginalRequest is stored with every checkpoint. On resume it is
	// replaced by the request stored in the checkpoint when that is non-empty.
	OriginalRequest map[string]any
	// Resume restores from an existing checkpoint if there is one.
	Resume bool
}

// Result summarizes a run.
type Result struct {
	OperationID string
	// Resumed is true when the run continued from a checkpoint.
	Resumed bool
	// StartEpoch is the first epoch this run executed.
	StartEpoch int
	// LastEpoch is the last completed epoch, -1 if none.
	LastEpoch int
	// Checkpoints counts periodic checkpoints taken.
	Checkpoints int
	// FinalCheckpoint is the type saved when the run stopped early.
	FinalCheckpoint checkpoint.Type
	// OriginalRequest is the request in effect for the run.
	OriginalRequest map[string]any
}

// Runner drives trainers through epochs with checkpointing.
// A Runner is not safe for concurrent use; its policy tracks one run.
type Runner struct {
	store     Checkpointer
	policy    *policy.Policy
	token     cancel.Token
	lifecycle operation.Lifecycle
	retry     tserrors.RetryConfig
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithToken sets the cancellation token polled between epochs.
func WithToken(t cancel.Token) Option {
	return func(r *Runner) {
		if t != nil {
			r.token = t
		}
	}
}

// WithLifecycle reports operation status transitions.
func WithLifecycle(l operation.Lifecycle) Option {
	return func(r *Runner) {
		r.lifecycle = l
	}
}

// WithRetry sets the retry policy for checkpoint saves.
// Default: errors.DefaultRetry
func WithRetry(cfg tserrors.RetryConfig) Option {
	return func(r *Runner) {
		r.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Runner.
func New(store Checkpointer, pol *policy.Policy, opts ...Option) *Runner {
	r := &Runner{
		store:  store,
		policy: pol,
		token:  cancel.Never,
		retry:  tserrors.DefaultRetry,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the run. See the package documentation for how it ends.
func (r *Runner) Run(ctx context.Context, run Run, trainer Trainer) (*Result, error) {
	if run.OperationID == "" || run.Epochs <= 0 {
		return nil, fmt.Errorf("%w: operation id %q, epochs %d", ErrInvalidRun, run.OperationID, run.Epochs)
	}
	logger := r.logger.With(slog.String("operation_id", run.OperationID))

	res := &Result{
		OperationID:     run.OperationID,
		LastEpoch:       -1,
		OriginalRequest: run.OriginalRequest,
	}

	if run.Resume {
		rc, err := r.store.Restore(ctx, run.OperationID)
		switch {
		case errors.Is(err, trainstate.ErrNotFound):
			logger.Info("no checkpoint to resume, starting fresh")
		case err != nil:
			return nil, fmt.Errorf("resume: %w", err)
		default:
			if err := trainer.Restore(rc); err != nil {
				return nil, fmt.Errorf("restore trainer: %w", err)
			}
			res.Resumed = true
			res.StartEpoch = rc.StartEpoch
			res.LastEpoch = rc.StartEpoch - 1
			if len(rc.OriginalRequest) > 0 {
				res.OriginalRequest = rc.OriginalRequest
			}
			logger.Info("resuming from checkpoint",
				slog.String("checkpoint_type", string(rc.CheckpointType)),
				slog.Int("start_epoch", rc.StartEpoch))
		}
	}
	r.policy.Reset(res.StartEpoch)
	r.transition(ctx, logger, "start", r.lifecycleStart, run.OperationID)

	for epoch := res.StartEpoch; epoch < run.Epochs; epoch++ {
		if r.token.IsCancelled() {
			r.stop(ctx, logger, run, res, trainer, checkpoint.TypeCancellation)
			r.transition(ctx, logger, "cancel", r.lifecycleCancel, run.OperationID)
			return res, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			r.stop(ctx, logger, run, res, trainer, checkpoint.TypeShutdown)
			r.transition(ctx, logger, "cancel", r.lifecycleCancel, run.OperationID)
			return res, err
		}

		if err := trainer.RunEpoch(ctx, epoch); err != nil {
			typ := checkpoint.TypeFailure
			if ctx.Err() != nil {
				typ = checkpoint.TypeShutdown
			}
			r.stop(ctx, logger, run, res, trainer, typ)
			r.transition(ctx, logger, "fail", r.lifecycleFail, run.OperationID)
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		res.LastEpoch = epoch

		completed := epoch + 1
		if r.policy.ShouldCheckpoint(completed, false) {
			if err := r.save(ctx, run, res, trainer, checkpoint.TypePeriodic); err != nil {
				// The policy keeps firing until a save succeeds.
				logger.Warn("periodic checkpoint failed",
					slog.Int("epoch", epoch),
					slog.String("error", err.Error()))
				continue
			}
			r.policy.RecordCheckpoint(completed)
			res.Checkpoints++
		}
	}

	if _, err := r.store.DeleteCheckpoint(ctx, run.OperationID); err != nil {
		logger.Warn("delete checkpoint after completion failed", slog.String("error", err.Error()))
	}
	r.transition(ctx, logger, "complete", r.lifecycleComplete, run.OperationID)
	return res, nil
}

// stop saves the final checkpoint of an interrupted run. The save runs to
// completion even when ctx is already done.
func (r *Runner) stop(ctx context.Context, logger *slog.Logger, run Run, res *Result, trainer Trainer, typ checkpoint.Type) {
	if res.LastEpoch < 0 {
		logger.Info("no completed epoch, skipping checkpoint", slog.String("checkpoint_type", string(typ)))
		return
	}
	if err := r.save(context.WithoutCancel(ctx), run, res, trainer, typ); err != nil {
		logger.Error("final checkpoint failed",
			slog.String("checkpoint_type", string(typ)),
			slog.String("error", err.Error()))
		return
	}
	res.FinalCheckpoint = typ
}

func (r *Runner) save(ctx context.Context, run Run, res *Result, trainer Trainer, typ checkpoint.Type) error {
	snap, err := trainer.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	state := maps.Clone(snap.State)
	if state == nil {
		state = make(map[string]any)
	}
	state[trainstate.StateEpoch] = res.LastEpoch
	if res.OriginalRequest != nil {
		state[trainstate.StateOriginalRequest] = res.OriginalRequest
	}

	result := tserrors.WithRetryContext(ctx, r.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.SaveCheckpoint(ctx, run.OperationID, typ, state, snap.Artifacts)
	})
	return result.Err
}

func (r *Runner) lifecycleStart(ctx context.Context, id string) error {
	return r.lifecycle.Start(ctx, id)
}

func (r *Runner) lifecycleComplete(ctx context.Context, id string) error {
	return r.lifecycle.Complete(ctx, id)
}

func (r *Runner) lifecycleFail(ctx context.Context, id string) error {
	return r.lifecycle.Fail(ctx, id)
}

func (r *Runner) lifecycleCancel(ctx context.Context, id string) error {
	return r.lifecycle.Cancel(ctx, id)
}

func (r *Runner) transition(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context, string) error, id string) {
	if r.lifecycle == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn("operation status update failed",
			slog.String("transition", name),
			slog.String("error", err.Error()))
	}
}
