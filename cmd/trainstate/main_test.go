package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trainstate/pkg/trainstate"
)

type cli struct {
	dir  string
	base []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	return &cli{
		dir: dir,
		base: []string{
			"--db-dsn", filepath.Join(dir, "trainstate.db"),
			"--artifacts-dir", filepath.Join(dir, "checkpoints"),
			"--unit-interval", "2",
			"--log-level", "error",
		},
	}
}

func (c *cli) run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(append([]string{}, args...), c.base...))
	err := cmd.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestSimulate_CancelInspectResume(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "simulate", "--operation-id", "op-1", "--epochs", "6",
		"--epoch-delay", "0s", "--cancel-after", "2")
	require.Error(t, err)
	assert.Equal(t, exitCancelled, exitCode(err))

	sim := decode[simulateOutput](t, out)
	assert.Equal(t, "cancelled", sim.Status)
	assert.Equal(t, "cancellation", sim.FinalCheckpoint)
	assert.Equal(t, 2, sim.LastEpoch)
	assert.Equal(t, 1, sim.Checkpoints)

	out, err = c.run(t, "inspect-resume", "op-1")
	require.NoError(t, err)
	rc := decode[resumeOutput](t, out)
	assert.Equal(t, 3, rc.StartEpoch)
	assert.Equal(t, "cancellation", rc.CheckpointType)
	require.NotNil(t, rc.BestValLoss)
	assert.Equal(t, float64(6), rc.Config["epochs"])
	assert.Len(t, rc.Artifacts, 2)

	out, err = c.run(t, "list")
	require.NoError(t, err)
	list := decode[[]map[string]any](t, out)
	require.Len(t, list, 1)
	assert.Equal(t, "op-1", list[0]["operation_id"])

	out, err = c.run(t, "simulate", "--operation-id", "op-1", "--resume", "--epoch-delay", "0s")
	require.NoError(t, err)
	sim = decode[simulateOutput](t, out)
	assert.Equal(t, "completed", sim.Status)
	assert.True(t, sim.Resumed)
	assert.Equal(t, 3, sim.StartEpoch)
	assert.Equal(t, 5, sim.LastEpoch)

	_, err = c.run(t, "show", "op-1")
	require.ErrorIs(t, err, trainstate.ErrNotFound)
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestInspectResume_Corrupted(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "simulate", "--operation-id", "op-1", "--epochs", "4",
		"--epoch-delay", "0s", "--fail-at", "3")
	require.Error(t, err)
	assert.Equal(t, exitError, exitCode(err))

	out, err := c.run(t, "show", "op-1", "--artifacts")
	require.NoError(t, err)
	shown := decode[map[string]any](t, out)
	assert.Equal(t, "failure", shown["checkpoint_type"])
	artifactsPath, _ := shown["artifacts_path"].(string)
	require.NotEmpty(t, artifactsPath)

	require.NoError(t, os.Remove(filepath.Join(artifactsPath, trainstate.ArtifactModel)))

	_, err = c.run(t, "inspect-resume", "op-1")
	require.ErrorIs(t, err, trainstate.ErrCorrupted)
	assert.Equal(t, exitCorrupted, exitCode(err))
}

func TestDeletePruneGC(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "simulate", "--operation-id", "op-1", "--epochs", "4",
		"--epoch-delay", "0s", "--cancel-after", "0")
	require.Error(t, err)

	// A staging directory left by an interrupted write.
	require.NoError(t, os.MkdirAll(filepath.Join(c.dir, "checkpoints", "op-9.tmp"), 0o755))

	out, err := c.run(t, "gc")
	require.NoError(t, err)
	report := decode[map[string][]string](t, out)
	assert.Len(t, report["staging"], 1)
	assert.Empty(t, report["orphans"])

	out, err = c.run(t, "prune", "--older-than-days", "1")
	require.NoError(t, err)
	pruned := decode[map[string]any](t, out)
	assert.Empty(t, pruned["deleted"])

	out, err = c.run(t, "delete", "op-1")
	require.NoError(t, err)
	assert.Equal(t, true, decode[map[string]any](t, out)["found"])

	out, err = c.run(t, "delete", "op-1")
	require.NoError(t, err)
	assert.Equal(t, false, decode[map[string]any](t, out)["found"])
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitNotFound, exitCode(trainstate.ErrNotFound))
	assert.Equal(t, exitCorrupted, exitCode(&trainstate.CorruptedError{OperationID: "op"}))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
	assert.Equal(t, exitCancelled, exitCode(&codeError{code: exitCancelled, err: errors.New("x")}))
}
