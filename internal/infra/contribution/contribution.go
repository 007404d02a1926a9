// Package contribution accumulates per-worker training metrics for a
// session and derives the quality/reliability/final scores used by the
// reward calculator and reported to operators.
//
// Grounded directly on contribution_calculator.py's NodeContribution /
// ContributionCalculator (scoring formulas, outlier detection,
// validation rules), ported to integer [0,10000] scores per SPEC_FULL.md
// §4.8. internal/infra/reputation's Tracker is wired in as a
// supplementary trust-tier label alongside the session score.
package contribution

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/reputation"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

const maxComputeSeconds = 24 * 3600

// Calculator tracks contribution metrics for every worker in one session.
type Calculator struct {
	mu    sync.RWMutex
	nodes map[string]*domain.ContributionRecord
	rep   *reputation.Tracker
	now   func() time.Time
}

// NewCalculator creates an empty calculator. A reputation.Tracker is
// attached as a secondary, supplementary trust signal — not part of the
// scoring formulas below, which match the source exactly — but fed real
// task/availability/penalty events from every recorded submission so
// TrustTier reflects actual behavior instead of sitting at its default.
func NewCalculator() *Calculator {
	return &Calculator{
		nodes: make(map[string]*domain.ContributionRecord),
		rep:   reputation.NewTracker(reputation.DefaultTrackerConfig()),
		now:   time.Now,
	}
}

func (c *Calculator) getOrCreate(workerID string) *domain.ContributionRecord {
	r, ok := c.nodes[workerID]
	if !ok {
		now := c.now()
		r = &domain.ContributionRecord{WorkerID: workerID, FirstContribution: now, LastContribution: now}
		c.nodes[workerID] = r
		c.rep.Register(workerID)
	}
	return r
}

// AddTrainingMetrics records one worker's contribution to a completed round.
func (c *Calculator) AddTrainingMetrics(workerID string, computeTime time.Duration, samples int64) error {
	secs := computeTime.Seconds()
	if secs < 0 || secs > maxComputeSeconds {
		return fmt.Errorf("add metrics %s: invalid compute time %.0fs", workerID, secs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.getOrCreate(workerID)
	r.ComputeTimeSec += secs
	r.SamplesProcessed += samples
	r.LastContribution = c.now()
	_ = c.rep.RecordAvailability(workerID, reputation.AvailabilityCheck{WasOnline: true})
	return nil
}

// RecordGradientSubmission records one gradient submission's accept/reject
// outcome and, if accepted, folds its L2 norm into the running mean.
func (c *Calculator) RecordGradientSubmission(workerID string, accepted bool, gradNorm float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.getOrCreate(workerID)
	if accepted {
		r.GradientsAccepted++
		r.SuccessfulRounds++
		n := float64(r.GradientsAccepted)
		r.AvgGradientNorm += (gradNorm - r.AvgGradientNorm) / n
	} else {
		r.GradientsRejected++
		r.FailedRounds++
	}
	_ = c.rep.RecordTask(workerID, reputation.TaskOutcome{Successful: accepted, ResultVerified: accepted})
	if !accepted {
		_ = c.rep.RecordPenalty(workerID, reputation.PenaltyEvent{Severity: 0.1, Reason: "gradient rejected"})
	}
	c.recompute(r)
}

// RecordLatency folds one observed round-trip latency (ms) into the
// worker's running average, used by the reliability score.
func (c *Calculator) RecordLatency(workerID string, latencyMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.getOrCreate(workerID)
	total := r.SuccessfulRounds + r.FailedRounds
	if total <= 0 {
		r.AvgLatencyMs = latencyMs
		return
	}
	r.AvgLatencyMs += (latencyMs - r.AvgLatencyMs) / float64(total)
}

// SetUptimeFraction records a worker's observed uptime fraction in [0,1].
func (c *Calculator) SetUptimeFraction(workerID string, frac float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(workerID).UptimeFraction = frac
}

// recompute derives quality_score, reliability_score and final_score per
// the fixed formulas below. Called with mu held.
func (c *Calculator) recompute(r *domain.ContributionRecord) {
	totalGradients := r.GradientsAccepted + r.GradientsRejected
	acceptanceRate := 0.0
	if totalGradients > 0 {
		acceptanceRate = float64(r.GradientsAccepted) / float64(totalGradients)
	}
	totalRounds := r.SuccessfulRounds + r.FailedRounds
	successRate := 0.0
	if totalRounds > 0 {
		successRate = float64(r.SuccessfulRounds) / float64(totalRounds)
	}

	quality := acceptanceRate*5000 + math.Min(1, r.AvgGradientNorm/10)*3000 + successRate*2000
	r.QualityScore = clampInt(int(quality), 0, 10000)

	latencyComponent := math.Max(0, math.Min(1, (500-r.AvgLatencyMs)/450))
	reliability := math.Min(5000, float64(r.SuccessfulRounds)*100) +
		latencyComponent*3000 +
		r.UptimeFraction*2000
	r.ReliabilityScore = clampInt(int(reliability), 0, 10000)

	qualityMultiplier := 0.5 + float64(r.QualityScore)/10000
	reliabilityMultiplier := 0.8 + 0.4*float64(r.ReliabilityScore)/10000
	r.FinalScore = int(math.Floor(r.ComputeTimeSec * qualityMultiplier * reliabilityMultiplier))
	telemetry.ContributionFinalScore.WithLabelValues(r.WorkerID).Set(float64(r.FinalScore))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Get returns a copy of one worker's contribution record.
func (c *Calculator) Get(workerID string) (domain.ContributionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.nodes[workerID]
	if !ok {
		return domain.ContributionRecord{}, false
	}
	return *r, true
}

// TrustTier returns the supplementary reputation-based trust label for a
// worker, or "" if the worker has no reputation history yet.
func (c *Calculator) TrustTier(workerID string) string {
	rep := c.rep.Get(workerID)
	if rep == nil {
		return ""
	}
	return rep.TrustTier()
}

// ApplyReputationDecay ages every tracked worker's reputation, reducing
// the score of nodes that have gone quiet. Intended to run on a daily
// ticker alongside the registry's heartbeat sweep.
func (c *Calculator) ApplyReputationDecay() int {
	return c.rep.ApplyDecay()
}

// Snapshot returns every worker's current contribution record.
func (c *Calculator) Snapshot() map[string]domain.ContributionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.ContributionRecord, len(c.nodes))
	for id, r := range c.nodes {
		out[id] = *r
	}
	return out
}

// Outlier flags a worker whose final_score deviates from the session mean
// by more than threshold standard deviations (default 3.0). Requires at
// least 3 workers; outliers are reported, not acted on automatically.
type Outlier struct {
	WorkerID string
	ZScore   float64
}

// Outliers computes the outlier set over the current snapshot.
func (c *Calculator) Outliers(threshold float64) []Outlier {
	if threshold <= 0 {
		threshold = 3.0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.nodes) < 3 {
		return nil
	}
	scores := make([]float64, 0, len(c.nodes))
	for _, r := range c.nodes {
		scores = append(scores, float64(r.FinalScore))
	}
	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(variance / float64(len(scores)))
	if stddev == 0 {
		return nil
	}

	var out []Outlier
	for id, r := range c.nodes {
		z := (float64(r.FinalScore) - mean) / stddev
		if math.Abs(z) > threshold {
			out = append(out, Outlier{WorkerID: id, ZScore: z})
		}
	}
	return out
}

// BlockchainRecord is one worker's formatted contribution report, ready
// for batch submission through a domain.ContributionSink.
type BlockchainRecord struct {
	WorkerID          string
	PayoutAddress     string
	ComputeTimeSec    int64
	GradientsAccepted int
	SuccessfulRounds  int
	QualityScore      int
}

// FormatForSubmission produces the ordered report list for every worker
// with a non-empty payout address, sorted by worker ID so repeated calls
// over the same snapshot produce a byte-identical submission payload.
func (c *Calculator) FormatForSubmission() []BlockchainRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]BlockchainRecord, 0, len(c.nodes))
	for _, r := range c.nodes {
		if r.PayoutAddress == "" {
			continue
		}
		out = append(out, BlockchainRecord{
			WorkerID:          r.WorkerID,
			PayoutAddress:     r.PayoutAddress,
			ComputeTimeSec:    int64(r.ComputeTimeSec),
			GradientsAccepted: r.GradientsAccepted,
			SuccessfulRounds:  r.SuccessfulRounds,
			QualityScore:      r.QualityScore,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
