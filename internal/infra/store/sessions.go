package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ─── Training Session / Shard Schema ────────────────────────────────────────
// Adapted from the teacher's fine-tuning job/shard tables: a job record with
// min/max-node bounds and a status trail, plus a per-shard node-assignment
// table. The shape is a near-exact structural match for a training session
// and its data-shard placements, so the schema is kept and only renamed.

func sessionMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS training_sessions (
			id            TEXT PRIMARY KEY,
			min_nodes     INTEGER NOT NULL DEFAULT 1,
			max_nodes     INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'initializing',
			config_json   TEXT,
			started_at    TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at    TEXT NOT NULL DEFAULT (datetime('now')),
			error         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS shard_assignments (
			session_id   TEXT NOT NULL,
			shard_index  INTEGER NOT NULL,
			worker_id    TEXT NOT NULL,
			assigned_at  TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, shard_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shard_worker ON shard_assignments(worker_id)`,
	}
}

// CreateSession inserts a new training session row.
func (db *DB) CreateSession(ctx context.Context, sessionID string, minNodes, maxNodes int, configJSON string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO training_sessions (id, min_nodes, max_nodes, status, config_json, started_at, updated_at)
		VALUES (?, ?, ?, 'initializing', ?, datetime('now'), datetime('now'))
	`, sessionID, minNodes, maxNodes, configJSON)
	return err
}

// UpdateSessionStatus transitions a session's status, recording an error
// message if provided.
func (db *DB) UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE training_sessions SET status = ?, error = ?, updated_at = datetime('now')
		WHERE id = ?
	`, status, nullableString(errMsg), sessionID)
	return err
}

// AssignShard records (or reassigns) a shard's owning worker.
func (db *DB) AssignShard(ctx context.Context, sessionID string, shardIndex int, workerID string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO shard_assignments (session_id, shard_index, worker_id, assigned_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(session_id, shard_index) DO UPDATE SET
			worker_id   = excluded.worker_id,
			assigned_at = datetime('now')
	`, sessionID, shardIndex, workerID)
	return err
}

// ShardAssignment is a single (shard, worker) pairing.
type ShardAssignment struct {
	ShardIndex int
	WorkerID   string
	AssignedAt time.Time
}

// ShardAssignments returns every shard assignment for a session.
func (db *DB) ShardAssignments(ctx context.Context, sessionID string) ([]ShardAssignment, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT shard_index, worker_id, assigned_at FROM shard_assignments
		WHERE session_id = ? ORDER BY shard_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query shard assignments: %w", err)
	}
	defer rows.Close()

	var out []ShardAssignment
	for rows.Next() {
		var a ShardAssignment
		var ts string
		if err := rows.Scan(&a.ShardIndex, &a.WorkerID, &ts); err != nil {
			return nil, err
		}
		a.AssignedAt, _ = time.Parse("2006-01-02 15:04:05", ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
