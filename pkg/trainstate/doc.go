/*
Package trainstate persists and restores checkpoints of long-running
training and backtesting operations.

A checkpoint is one metadata row per operation (a small JSON state document
plus size accounting) and an optional directory of named binary artifacts.
Saving twice for the same operation replaces the previous checkpoint.

# Saving

	db, err := sqldb.Open(ctx, sqldb.Options{DSN: "trainstate.db"})
	svc := trainstate.NewService(db, "/var/lib/checkpoints")
	if err := svc.Migrate(ctx); err != nil {
	    return err
	}

	err = svc.SaveCheckpoint(ctx, opID, checkpoint.TypePeriodic,
	    map[string]any{"epoch": 9, "train_loss": 0.5},
	    map[string][]byte{"model.pt": model, "optimizer.pt": opt},
	)

Artifacts are written to a staging directory, synced, and renamed into
place, so a reader sees either the old set or the new one. If the metadata
write fails afterwards the new directory is removed again.

# Resuming

	rc, err := svc.Restore(ctx, opID)
	switch {
	case errors.Is(err, trainstate.ErrNotFound):
	    // start fresh
	case errors.Is(err, trainstate.ErrCorrupted):
	    // checkpoint exists but cannot be trusted
	}
	for epoch := rc.StartEpoch; epoch < total; epoch++ { ... }

The state must record the last completed epoch under "epoch"; StartEpoch is
always that value plus one. model.pt and optimizer.pt are required.

# Cleanup

DeleteCheckpoint is called once an operation finishes successfully. Prune
and CollectGarbage serve retention tooling.

Subpackages:
  - policy: when to checkpoint
  - artifact: atomic artifact directories
  - checkpoint: the metadata record store
  - sqldb: database sessions for SQLite and PostgreSQL
  - driver: an epoch loop wiring policy, cancellation, and resume together
*/
package trainstate
