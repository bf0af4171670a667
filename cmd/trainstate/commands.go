package main

import (
	"context"
	"math"
	"sort"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
	"github.com/randalmurphal/trainstate/pkg/trainstate/checkpoint"
)

func newListCmd(a *app) *cobra.Command {
	var olderThanDays int
	var full bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			view := checkpoint.DefaultSummaryView
			if full {
				view = func(state map[string]any) map[string]any { return state }
			}
			summaries, err := a.svc.ListCheckpoints(ctx, olderThanDays, view)
			if err != nil {
				return err
			}
			if summaries == nil {
				summaries = []checkpoint.Summary{}
			}
			return writeJSON(cmd.OutOrStdout(), summaries)
		}),
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "only checkpoints older than N days")
	cmd.Flags().BoolVar(&full, "full-state", false, "include the whole state document")
	return cmd
}

// artifactInfo describes one loaded artifact.
type artifactInfo struct {
	Name string `json:"name"`
	Size int    `json:"size_bytes"`
}

type showOutput struct {
	checkpoint.Summary
	Artifacts []artifactInfo `json:"artifacts,omitempty"`
}

func artifactInfos(artifacts map[string][]byte) []artifactInfo {
	infos := make([]artifactInfo, 0, len(artifacts))
	for name, data := range artifacts {
		infos = append(infos, artifactInfo{Name: name, Size: len(data)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func newShowCmd(a *app) *cobra.Command {
	var withArtifacts bool

	cmd := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			data, err := a.svc.LoadCheckpoint(ctx, args[0], withArtifacts)
			if err != nil {
				return err
			}
			out := showOutput{
				Summary: data.Summarize(func(state map[string]any) map[string]any { return state }),
			}
			if withArtifacts {
				out.Artifacts = artifactInfos(data.Artifacts)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		}),
	}
	cmd.Flags().BoolVar(&withArtifacts, "artifacts", false, "load artifacts and report their sizes")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <operation-id>",
		Short: "Delete a checkpoint and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			found, err := a.svc.DeleteCheckpoint(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"operation_id": args[0],
				"found":        found,
			})
		}),
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete checkpoints older than the retention period",
		Args:  cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			days := a.settings.RetentionDays
			if cmd.Flags().Changed("older-than-days") {
				days = olderThanDays
			}
			deleted, err := a.svc.Prune(ctx, days)
			if err != nil {
				return err
			}
			if deleted == nil {
				deleted = []string{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"older_than_days": days,
				"deleted":         deleted,
			})
		}),
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "override retention_days")
	return cmd
}

func newGCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove staging and unreferenced artifact directories",
		Long: `gc removes leftover staging directories and artifact directories that no
checkpoint references. Run it while no training process is saving.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			report, err := a.svc.CollectGarbage(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"staging": nonNil(report.Staging),
				"orphans": nonNil(report.Orphans),
			})
		}),
	}
}

type resumeOutput struct {
	OperationID     string         `json:"operation_id"`
	CheckpointType  string         `json:"checkpoint_type"`
	StartEpoch      int            `json:"start_epoch"`
	BestValLoss     *float64       `json:"best_val_loss,omitempty"`
	Artifacts       []artifactInfo `json:"artifacts"`
	OriginalRequest map[string]any `json:"original_request"`
	Config          map[string]any `json:"config,omitempty"`
	ConfigError     string         `json:"config_error,omitempty"`
}

func newInspectResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-resume <operation-id>",
		Short: "Check whether an operation can resume",
		Long: `inspect-resume runs the resume validation without changing anything.
Exit status is 0 when the operation can resume, 3 when it has no checkpoint,
and 4 when the checkpoint is corrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			rc, err := a.svc.Restore(ctx, args[0])
			if err != nil {
				return err
			}
			out := resumeOutput{
				OperationID:     rc.OperationID,
				CheckpointType:  string(rc.CheckpointType),
				StartEpoch:      rc.StartEpoch,
				Artifacts:       artifactInfos(rc.Artifacts),
				OriginalRequest: rc.OriginalRequest,
			}
			if !math.IsInf(rc.BestValLoss, 0) {
				out.BestValLoss = &rc.BestValLoss
			}
			if len(rc.OriginalRequest) > 0 {
				cfg, err := trainstate.ResolveOriginalRequest(rc.OriginalRequest)
				if err != nil {
					out.ConfigError = err.Error()
				} else {
					out.Config = cfg.Raw()
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		}),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
