package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Node registry errors
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrWorkerExists        = errors.New("worker already registered")
	ErrInsufficientNodes   = errors.New("not enough capable nodes for this round")

	// Phase 3 lineage: quarantine
	ErrNodeQuarantined = errors.New("node is quarantined — cannot be selected")

	// Round / aggregation errors
	ErrGradientMismatch   = errors.New("gradient dimensions do not match expected shape")
	ErrGradientNonFinite  = errors.New("gradient contains NaN or Inf")
	ErrDuplicateGradient  = errors.New("gradient already accepted for this round")
	ErrUnexpectedWorker   = errors.New("worker not in this round's expected set")
	ErrRoundNotReady      = errors.New("round has not met the aggregation threshold")
	ErrEpochTimeout       = errors.New("round exceeded its deadline with insufficient submissions")

	// Checkpoint / persistence errors
	ErrCheckpointMissing = errors.New("checkpoint not available")
	ErrSessionNotFound   = errors.New("training session not found")

	// Reward errors
	ErrRewardOverrun  = errors.New("reward distribution exceeds pool")
	ErrRewardUnderrun = errors.New("reward distribution short of pool beyond tolerance")
	ErrEmptyPool      = errors.New("reward pool must be positive")
	ErrNoContributors = errors.New("no contributors to distribute reward among")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid coordinator configuration")
)
