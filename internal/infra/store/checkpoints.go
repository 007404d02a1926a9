package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trainmesh/coordinator/internal/domain"
)

// ─── Checkpoint Schema ──────────────────────────────────────────────────────

// checkpointMigrations returns the schema for parameter checkpoints.
// One row per session, overwritten on every flush — callers wanting history
// should rely on the training_sessions status trail instead.
func checkpointMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id   TEXT PRIMARY KEY,
			epoch        INTEGER NOT NULL DEFAULT 0,
			step         INTEGER NOT NULL DEFAULT 0,
			params_json  TEXT NOT NULL,
			digest       TEXT NOT NULL,
			saved_at     TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// SaveCheckpoint implements domain.CheckpointStore.
func (db *DB) SaveCheckpoint(ctx context.Context, sessionID string, epoch, step int, params domain.ParameterSet) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, epoch, step, params_json, digest, saved_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(session_id) DO UPDATE SET
			epoch       = excluded.epoch,
			step        = excluded.step,
			params_json = excluded.params_json,
			digest      = excluded.digest,
			saved_at    = datetime('now')
	`, sessionID, epoch, step, string(payload), params.Digest())
	return err
}

// LoadCheckpoint implements domain.CheckpointStore.
func (db *DB) LoadCheckpoint(ctx context.Context, sessionID string) (int, int, domain.ParameterSet, error) {
	var epoch, step int
	var payload string
	err := db.db.QueryRowContext(ctx, `
		SELECT epoch, step, params_json FROM checkpoints WHERE session_id = ?
	`, sessionID).Scan(&epoch, &step, &payload)
	if err == sql.ErrNoRows {
		return 0, 0, domain.ParameterSet{}, domain.ErrCheckpointMissing
	}
	if err != nil {
		return 0, 0, domain.ParameterSet{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var params domain.ParameterSet
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return 0, 0, domain.ParameterSet{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return epoch, step, params, nil
}
