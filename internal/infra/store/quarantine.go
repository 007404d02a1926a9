package store

import (
	"context"
	"fmt"
	"time"
)

// ─── Quarantine Log Schema ──────────────────────────────────────────────────
// Kept verbatim from the teacher's phase3 quarantine_records idiom
// (started_at/expires_at/released columns, unique per node+start) — the
// selector's in-memory state machine is the source of truth at runtime;
// this table is an audit trail for operators.

func quarantineMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS quarantine_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id  TEXT NOT NULL,
			reason     TEXT NOT NULL,
			started_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			released   INTEGER NOT NULL DEFAULT 0,
			UNIQUE(worker_id, started_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quarantine_worker ON quarantine_records(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quarantine_active ON quarantine_records(released, expires_at)`,
	}
}

// InsertQuarantineRecord logs a new quarantine period for a worker.
func (db *DB) InsertQuarantineRecord(ctx context.Context, workerID, reason string, startedAt, expiresAt time.Time) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO quarantine_records (worker_id, reason, started_at, expires_at, released)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(worker_id, started_at) DO NOTHING
	`, workerID, reason, startedAt.UTC().Format(time.RFC3339), expiresAt.UTC().Format(time.RFC3339))
	return err
}

// ReleaseQuarantine marks all of a worker's open quarantine records released.
func (db *DB) ReleaseQuarantine(ctx context.Context, workerID string) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE quarantine_records SET released = 1 WHERE worker_id = ? AND released = 0
	`, workerID)
	return err
}

// IsWorkerQuarantined reports whether a worker has an active, unexpired
// quarantine record.
func (db *DB) IsWorkerQuarantined(ctx context.Context, workerID string, now time.Time) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quarantine_records
		WHERE worker_id = ? AND released = 0 AND expires_at > ?
	`, workerID, now.UTC().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check quarantine: %w", err)
	}
	return count > 0, nil
}
