package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/config"
	"github.com/randalmurphal/trainstate/pkg/trainstate/observability"
	"github.com/randalmurphal/trainstate/pkg/trainstate/sqldb"
)

// app holds what a command needs once settings are loaded.
type app struct {
	configFile string

	settings *config.Settings
	logger   *slog.Logger
	db       *sqldb.DB
	svc      *trainstate.Service
}

// runFunc is the body of a command that needs an open service.
type runFunc func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "trainstate",
		Short: "Inspect and maintain training checkpoints",
		Long: `Checkpoints pair a metadata row (SQLite or PostgreSQL) with a directory of
binary artifacts. trainstate lists, shows, deletes, prunes, and garbage
collects them, checks whether an operation can resume, and runs a synthetic
training loop that exercises the full save and resume path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (YAML or JSON)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newListCmd(a),
		newShowCmd(a),
		newDeleteCmd(a),
		newPruneCmd(a),
		newGCCmd(a),
		newInspectResumeCmd(a),
		newSimulateCmd(a),
	)
	return root
}

// run wraps fn with settings, logging, the metadata store, and the service.
func (a *app) run(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := context.WithCancel(cmd.Context())
		defer stop()

		settings, err := config.Load(a.configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		a.settings = settings

		a.logger, err = observability.NewLogger(cmd.ErrOrStderr(), settings.Log.Level, settings.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		metrics, err := a.metrics(ctx)
		if err != nil {
			return err
		}

		a.db, err = sqldb.Open(ctx, sqldb.Options{
			Driver: settings.Database.Driver,
			DSN:    settings.Database.DSN,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := a.db.Close(); closeErr != nil {
				a.logger.Error("error closing database", slog.String("error", closeErr.Error()))
			}
		}()

		a.svc = trainstate.NewService(a.db, settings.ArtifactsDir,
			trainstate.WithLogger(a.logger),
			trainstate.WithMetrics(metrics),
			trainstate.WithSpans(observability.NewSpanManager()),
		)
		if err := a.svc.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		return fn(ctx, a, cmd, args)
	}
}

// metrics serves Prometheus metrics when an address is configured and falls
// back to the global OpenTelemetry meter otherwise.
func (a *app) metrics(ctx context.Context) (observability.MetricsRecorder, error) {
	if a.settings.MetricsAddr == "" {
		return observability.NewMetricsRecorder(), nil
	}

	prom, err := observability.NewPrometheusMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	go func() {
		if err := prom.Serve(ctx, a.settings.MetricsAddr); err != nil {
			a.logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", a.settings.MetricsAddr))
	return prom, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
