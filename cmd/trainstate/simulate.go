package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/cancel"
	"github.com/randalmurphal/trainstate/pkg/trainstate/config"
	"github.com/randalmurphal/trainstate/pkg/trainstate/driver"
	tserrors "github.com/randalmurphal/trainstate/pkg/trainstate/errors"
	"github.com/randalmurphal/trainstate/pkg/trainstate/operation"
	"github.com/randalmurphal/trainstate/pkg/trainstate/policy"
)

// simulation is a synthetic trainer whose loss decays with every epoch.
type simulation struct {
	delay   time.Duration
	failAt  int
	tripAt  int
	token   *cancel.FlagToken
	logger  *slog.Logger
	steps   int
	best    float64
	history map[string][]float64
}

type modelBlob struct {
	Steps int `json:"steps"`
}

func newSimulation() *simulation {
	return &simulation{
		failAt:  -1,
		tripAt:  -1,
		best:    math.Inf(1),
		history: map[string][]float64{"train_loss": {}, "val_loss": {}},
	}
}

func (s *simulation) RunEpoch(ctx context.Context, epoch int) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if epoch == s.failAt {
		return fmt.Errorf("synthetic failure at epoch %d", epoch)
	}

	s.steps++
	train := 1/float64(epoch+2) + 0.05
	val := train + 0.02
	s.history["train_loss"] = append(s.history["train_loss"], train)
	s.history["val_loss"] = append(s.history["val_loss"], val)
	s.best = math.Min(s.best, val)
	s.logger.Info("epoch complete",
		slog.Int("epoch", epoch),
		slog.Float64("train_loss", train),
		slog.Float64("val_loss", val))

	if epoch == s.tripAt {
		s.token.Cancel()
	}
	return nil
}

func (s *simulation) Snapshot() (driver.Snapshot, error) {
	model, err := json.Marshal(modelBlob{Steps: s.steps})
	if err != nil {
		return driver.Snapshot{}, err
	}
	history := map[string]any{
		"train_loss": append([]float64(nil), s.history["train_loss"]...),
		"val_loss":   append([]float64(nil), s.history["val_loss"]...),
	}
	state := map[string]any{trainstate.StateTrainingHistory: history}
	if n := len(s.history["train_loss"]); n > 0 {
		state["train_loss"] = s.history["train_loss"][n-1]
		state["val_loss"] = s.history["val_loss"][n-1]
	}
	// JSON has no infinity.
	if !math.IsInf(s.best, 0) {
		state[trainstate.StateBestValLoss] = s.best
	}
	return driver.Snapshot{
		State: state,
		Artifacts: map[string][]byte{
			trainstate.ArtifactModel:     model,
			trainstate.ArtifactOptimizer: []byte(fmt.Sprintf("sgd lr=0.01 steps=%d", s.steps)),
		},
	}, nil
}

func (s *simulation) Restore(rc *trainstate.ResumeContext) error {
	var blob modelBlob
	if err := json.Unmarshal(rc.ModelState, &blob); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	s.steps = blob.Steps
	s.best = rc.BestValLoss

	if h, ok := config.AsMap(rc.TrainingHistory); ok {
		for _, key := range []string{"train_loss", "val_loss"} {
			values, _ := h[key].([]any)
			s.history[key] = s.history[key][:0]
			for _, v := range values {
				if f, ok := v.(float64); ok {
					s.history[key] = append(s.history[key], f)
				}
			}
		}
	}
	return nil
}

type simulateOutput struct {
	OperationID     string `json:"operation_id"`
	Resumed         bool   `json:"resumed"`
	StartEpoch      int    `json:"start_epoch"`
	LastEpoch       int    `json:"last_epoch"`
	Checkpoints     int    `json:"checkpoints"`
	FinalCheckpoint string `json:"final_checkpoint,omitempty"`
	Status          string `json:"status"`
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		operationID string
		epochs      int
		delay       time.Duration
		failAt      int
		cancelAfter int
		resume      bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic training loop with checkpointing",
		Long: `simulate drives a synthetic trainer through the checkpoint policy.
SIGINT stops it with a cancellation checkpoint and SIGTERM with a shutdown
checkpoint. Rerun with --resume and the same --operation-id to continue.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if operationID == "" {
				if resume {
					return errors.New("--resume requires --operation-id")
				}
				operationID = operation.NewID("sim")
			}
			logger := a.logger.With(slog.String("operation_id", operationID))

			if resume && !cmd.Flags().Changed("epochs") {
				epochs = a.storedEpochs(ctx, operationID, epochs)
			}

			ctx, stop := context.WithCancel(ctx)
			defer stop()
			token := cancel.NewFlagToken()
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-sigs:
						logger.Info("received signal, stopping after the current epoch", slog.String("signal", sig.String()))
						if sig == syscall.SIGTERM {
							stop()
						} else {
							token.Cancel()
						}
					}
				}
			}()

			tracker := operation.NewTracker(a.db)
			if err := tracker.Ensure(ctx, operationID, "training"); err != nil {
				return err
			}

			sim := newSimulation()
			sim.delay = delay
			sim.failAt = failAt
			sim.tripAt = cancelAfter
			sim.token = token
			sim.logger = logger

			pol := policy.New(a.settings.Policy.UnitInterval,
				policy.SecondsToDuration(a.settings.Policy.TimeIntervalSeconds))
			runner := driver.New(a.svc, pol,
				driver.WithToken(token),
				driver.WithLifecycle(tracker),
				driver.WithRetry(tserrors.DefaultRetry),
				driver.WithLogger(a.logger),
			)

			res, runErr := runner.Run(ctx, driver.Run{
				OperationID: operationID,
				Epochs:      epochs,
				OriginalRequest: map[string]any{
					trainstate.RequestConfig: map[string]any{
						"epochs":         epochs,
						"epoch_delay_ms": delay.Milliseconds(),
					},
				},
				Resume: resume,
			}, sim)
			if res == nil {
				return runErr
			}

			out := simulateOutput{
				OperationID:     res.OperationID,
				Resumed:         res.Resumed,
				StartEpoch:      res.StartEpoch,
				LastEpoch:       res.LastEpoch,
				Checkpoints:     res.Checkpoints,
				FinalCheckpoint: string(res.FinalCheckpoint),
				Status:          "completed",
			}
			switch {
			case errors.Is(runErr, driver.ErrCancelled):
				out.Status = "cancelled"
			case errors.Is(runErr, context.Canceled):
				out.Status = "shutdown"
			case runErr != nil:
				out.Status = "failed"
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}

			switch {
			case runErr == nil:
				return nil
			case out.Status == "cancelled" || out.Status == "shutdown":
				return &codeError{code: exitCancelled, err: runErr}
			default:
				return runErr
			}
		}),
	}

	cmd.Flags().StringVar(&operationID, "operation-id", "", "operation id (default: a new id)")
	cmd.Flags().IntVar(&epochs, "epochs", 20, "total epochs")
	cmd.Flags().DurationVar(&delay, "epoch-delay", 200*time.Millisecond, "simulated epoch duration")
	cmd.Flags().IntVar(&failAt, "fail-at", -1, "fail at this epoch (-1 never)")
	cmd.Flags().IntVar(&cancelAfter, "cancel-after", -1, "cancel after this epoch completes (-1 never)")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the operation's checkpoint")
	return cmd
}

// storedEpochs reads the epoch count from the checkpoint's original request.
func (a *app) storedEpochs(ctx context.Context, operationID string, fallback int) int {
	data, err := a.svc.LoadCheckpoint(ctx, operationID, false)
	if err != nil {
		return fallback
	}
	req, ok := config.AsMap(data.State[trainstate.StateOriginalRequest])
	if !ok {
		return fallback
	}
	cfg, err := trainstate.ResolveOriginalRequest(req)
	if err != nil {
		a.logger.Warn("original request unusable", slog.String("error", err.Error()))
		return fallback
	}
	return cfg.Int("epochs", fallback)
}
