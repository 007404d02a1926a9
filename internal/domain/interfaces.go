package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// CheckpointStore abstracts persistence of coordinator state: parameters,
// round progress, and registry snapshots.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, sessionID string, epoch, step int, params ParameterSet) error
	LoadCheckpoint(ctx context.Context, sessionID string) (epoch, step int, params ParameterSet, err error)
}

// ContributionSink abstracts the external registry that receives formatted
// per-worker contribution records at session end (or periodically).
type ContributionSink interface {
	SubmitContributions(ctx context.Context, sessionID string, records []ContributionRecord) error
}

// RewardSink abstracts the external payout mechanism. Its return is treated
// as opaque success/failure — how rewards are actually paid is out of scope.
type RewardSink interface {
	SubmitRewards(ctx context.Context, sessionID string, addresses []string, amounts []int64) error
}
