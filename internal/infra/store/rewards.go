package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/trainmesh/coordinator/internal/domain"
)

// ─── Contribution / Reward Sink Schema ──────────────────────────────────────

func rewardMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS contribution_reports (
			session_id   TEXT PRIMARY KEY,
			records_json TEXT NOT NULL,
			submitted_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reward_distributions (
			session_id    TEXT PRIMARY KEY,
			pool          INTEGER NOT NULL,
			strategy      TEXT NOT NULL,
			rewards_json  TEXT NOT NULL,
			submitted_at  TEXT NOT NULL
		)`,
	}
}

// strftimeNow formats the current time with go-strftime for a stable,
// locale-independent timestamp on blockchain-bound records — the same
// format regardless of the host's locale configuration.
func strftimeNow() string {
	return strftime.Format("%Y-%m-%dT%H:%M:%SZ", time.Now().UTC())
}

// SubmitContributions implements domain.ContributionSink by recording the
// formatted report locally. A real deployment would forward this payload to
// an external ledger; the sink's return is opaque per SPEC_FULL.md §6.
func (db *DB) SubmitContributions(ctx context.Context, sessionID string, records []domain.ContributionRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal contributions: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO contribution_reports (session_id, records_json, submitted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			records_json = excluded.records_json,
			submitted_at = excluded.submitted_at
	`, sessionID, string(payload), strftimeNow())
	return err
}

// SubmitRewards implements domain.RewardSink.
func (db *DB) SubmitRewards(ctx context.Context, sessionID string, addresses []string, amounts []int64) error {
	type pair struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	pairs := make([]pair, 0, len(addresses))
	for i, a := range addresses {
		amt := int64(0)
		if i < len(amounts) {
			amt = amounts[i]
		}
		pairs = append(pairs, pair{Address: a, Amount: amt})
	}
	payload, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("marshal rewards: %w", err)
	}
	var total int64
	for _, a := range amounts {
		total += a
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO reward_distributions (session_id, pool, strategy, rewards_json, submitted_at)
		VALUES (?, ?, '', ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pool         = excluded.pool,
			rewards_json = excluded.rewards_json,
			submitted_at = excluded.submitted_at
	`, sessionID, total, string(payload), strftimeNow())
	return err
}
