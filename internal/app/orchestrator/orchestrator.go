// Package orchestrator composes the network monitor, batch controller,
// and node selector into one per-round planning decision, and tracks the
// session's phase, adaptation history, and rollback/snapshot state.
//
// Grounded directly on adaptive_orchestrator.py: the phase enum,
// should_adapt branch-per-policy logic, the 5-vs-5-round rollback
// comparison (regression >10%, only within rollbackWindowRounds of the
// last adaptation), and the bounded snapshot history. Rolling back
// actually restores the snapshot: batch sizes go back through
// batchctl.Controller.SetBatchSize and the snapshotted worker set is
// force-included via selector.ForceInclude. internal/infra/autoscale's
// Scaler is wired in to give the "proactive" policy real early-trigger
// behavior (forecast-driven, via the scaler's exponential-smoothing
// demand model fed by per-round throughput, consulted through
// Evaluate()) instead of silently routing through the same branch as
// "aggressive", which is what the distillation source actually does.
package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/app/coordinator"
	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/autoscale"
	"github.com/trainmesh/coordinator/internal/infra/batchctl"
	"github.com/trainmesh/coordinator/internal/infra/netmonitor"
	"github.com/trainmesh/coordinator/internal/infra/selector"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// Config configures adaptation cadence and phase transition thresholds.
type Config struct {
	Policy             domain.AdaptationPolicy
	WarmupRounds       int
	AdaptationInterval int // rounds between adaptations
	ConvergenceWindow  int // rounds considered for the CoV convergence check
	ConvergenceCoVMax  float64
	MaxSnapshots       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Policy:             domain.PolicyReactive,
		WarmupRounds:       10,
		AdaptationInterval: 5,
		ConvergenceWindow:  20,
		ConvergenceCoVMax:  0.05,
		MaxSnapshots:       10,
	}
}

// Registry is the subset of the node registry the orchestrator consults
// for the full eligible-worker set.
type Registry interface {
	Eligible() []domain.WorkerInfo
}

// Snapshot captures the state just before one adaptation, for rollback:
// every eligible worker's batch size before EvaluateAndAdapt ran, and the
// eligible workers that adaptation's selection left out.
type Snapshot struct {
	Round           int
	BatchSizes      map[string]int
	ForceIncludeIDs []string
	Loss            float64
}

// Orchestrator composes C2 (monitor), C4 (batch controller), and C5
// (selector) into one per-round plan, and owns the phase state machine.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config

	registry Registry
	monitor  *netmonitor.Monitor
	batch    *batchctl.Controller
	sel      *selector.Selector
	scaler   *autoscale.Scaler

	phase              domain.TrainingPhase
	lastAdaptRound     int
	lastRound          int
	adaptationCount    int64
	rollbackCount      int64
	lossHistory        []float64
	snapshots          []Snapshot
	throughputHistory  []float64
}

// rollbackRegressionThreshold is the minimum relative increase in mean
// loss (recent 5 rounds vs. prior 5) that counts as a regression worth
// rolling back, per the documented >10% rule.
const rollbackRegressionThreshold = 0.10

// rollbackWindowRounds bounds how long after the last adaptation a
// rollback may still fire — past this many rounds, a loss regression is
// no longer attributed to that adaptation.
const rollbackWindowRounds = 5

// New creates an orchestrator over the given components.
func New(cfg Config, registry Registry, monitor *netmonitor.Monitor, batch *batchctl.Controller, sel *selector.Selector, scaler *autoscale.Scaler) *Orchestrator {
	if cfg.WarmupRounds < 0 {
		cfg.WarmupRounds = 10
	}
	if cfg.AdaptationInterval <= 0 {
		cfg.AdaptationInterval = 5
	}
	if cfg.ConvergenceWindow <= 0 {
		cfg.ConvergenceWindow = 20
	}
	if cfg.ConvergenceCoVMax <= 0 {
		cfg.ConvergenceCoVMax = 0.05
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		monitor:  monitor,
		batch:    batch,
		sel:      sel,
		scaler:   scaler,
		phase:    domain.PhaseInitialization,
	}
}

// StartTraining transitions initialization → warmup.
func (o *Orchestrator) StartTraining() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = domain.PhaseWarmup
}

// Shutdown transitions the session to completed.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = domain.PhaseCompleted
}

func (o *Orchestrator) transitionPhase(round int) {
	switch o.phase {
	case domain.PhaseWarmup:
		if round >= o.cfg.WarmupRounds {
			o.phase = domain.PhaseAdaptiveTraining
		}
	case domain.PhaseAdaptiveTraining:
		if o.convergedLocked() {
			o.phase = domain.PhaseConvergence
		}
	}
}

func (o *Orchestrator) convergedLocked() bool {
	n := o.cfg.ConvergenceWindow
	if len(o.lossHistory) < n {
		return false
	}
	window := o.lossHistory[len(o.lossHistory)-n:]
	var mean float64
	for _, v := range window {
		mean += v
	}
	mean /= float64(n)
	if mean == 0 {
		return false
	}
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(n))
	return stddev/mean < o.cfg.ConvergenceCoVMax
}

// shouldAdapt implements the per-policy adaptation gate. Called with mu held.
func (o *Orchestrator) shouldAdapt(round int) bool {
	if o.phase == domain.PhaseWarmup || o.phase == domain.PhaseInitialization {
		return false
	}
	interval := o.cfg.AdaptationInterval
	if o.cfg.Policy == domain.PolicyConservative {
		interval *= 2
	}
	roundsSince := round - o.lastAdaptRound

	switch o.cfg.Policy {
	case domain.PolicyAggressive:
		return true
	case domain.PolicyReactive:
		if roundsSince >= interval {
			return true
		}
		return o.hasProblematicNodesLocked()
	case domain.PolicyProactive:
		if roundsSince >= interval || o.hasProblematicNodesLocked() {
			return true
		}
		return o.throughputDegradingLocked()
	default: // conservative
		return roundsSince >= interval
	}
}

func (o *Orchestrator) hasProblematicNodesLocked() bool {
	if o.monitor == nil {
		return false
	}
	return len(o.monitor.Filter(domain.BandPoor, false)) > 0
}

// throughputDegradingLocked reports whether the scaler's own Evaluate()
// flags a demand spike in progress (ScaleUp or PreWarm), or the last three
// throughput samples recorded here are strictly decreasing —
// the proactive policy's early trigger, ahead of the plain interval or a
// problem report.
func (o *Orchestrator) throughputDegradingLocked() bool {
	if o.scaler == nil {
		return false
	}
	if d := o.scaler.Evaluate(); d.Direction == autoscale.ScaleUp || d.Direction == autoscale.PreWarm {
		return true
	}
	if len(o.throughputHistory) < 3 {
		return false
	}
	recent := o.throughputHistory[len(o.throughputHistory)-3:]
	return recent[2] < recent[1] && recent[1] < recent[0]
}

// PlanRound decides the round's worker selection and batch sizes,
// implementing coordinator.Orchestrator.
func (o *Orchestrator) PlanRound(ctx context.Context, round int) (coordinator.Selection, error) {
	o.mu.Lock()
	o.transitionPhase(round)
	adapt := o.shouldAdapt(round)
	o.mu.Unlock()

	eligible := o.registry.Eligible()
	candidates := make([]selector.Candidate, 0, len(eligible))
	batchSizes := make(map[string]int, len(eligible))
	for _, w := range eligible {
		snap := o.monitor.Get(w.ID)
		candidates = append(candidates, selector.Candidate{
			WorkerID:        w.ID,
			QualityScore:    snap.Score,
			HasQualityScore: true,
		})
		batchSizes[w.ID] = o.batch.CurrentBatchSize(w.ID)
	}

	if !adapt {
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.WorkerID)
		}
		return coordinator.Selection{WorkerIDs: ids, BatchSizes: batchSizes}, nil
	}

	selected := o.sel.SelectNodes(candidates)

	bands := make(map[string]domain.QualityBand, len(eligible))
	latencies := make(map[string]float64, len(eligible))
	for _, w := range eligible {
		snap := o.monitor.Get(w.ID)
		bands[w.ID] = snap.Band
		latencies[w.ID] = snap.MeanLatency
	}
	o.batch.EvaluateAndAdapt(bands, latencies)

	selectedBatch := make(map[string]int, len(selected))
	for _, id := range selected {
		selectedBatch[id] = o.batch.CurrentBatchSize(id)
	}

	o.mu.Lock()
	o.lastAdaptRound = round
	o.adaptationCount++
	inSelection := make(map[string]bool, len(selected))
	for _, id := range selected {
		inSelection[id] = true
	}
	var excluded []string
	for _, c := range candidates {
		if !inSelection[c.WorkerID] {
			excluded = append(excluded, c.WorkerID)
		}
	}
	snap := Snapshot{Round: round, BatchSizes: cloneBatchSizes(batchSizes), ForceIncludeIDs: excluded}
	o.snapshots = append(o.snapshots, snap)
	if len(o.snapshots) > o.cfg.MaxSnapshots {
		o.snapshots = o.snapshots[len(o.snapshots)-o.cfg.MaxSnapshots:]
	}
	o.mu.Unlock()

	telemetry.OrchestratorPhase.Set(phaseOrdinal(o.phase))
	return coordinator.Selection{WorkerIDs: selected, BatchSizes: selectedBatch}, nil
}

func cloneBatchSizes(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func phaseOrdinal(p domain.TrainingPhase) float64 {
	switch p {
	case domain.PhaseInitialization:
		return 0
	case domain.PhaseWarmup:
		return 1
	case domain.PhaseAdaptiveTraining:
		return 2
	case domain.PhaseConvergence:
		return 3
	case domain.PhaseCompleted:
		return 4
	default:
		return -1
	}
}

// RecordRoundMetrics folds one round's observed loss/throughput into the
// orchestrator's history, implementing coordinator.Orchestrator.
func (o *Orchestrator) RecordRoundMetrics(round int, loss, throughput float64, outcome domain.RoundOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastRound = round
	o.lossHistory = append(o.lossHistory, loss)
	o.throughputHistory = append(o.throughputHistory, throughput)
	if o.scaler != nil {
		o.scaler.RecordDemand(autoscale.Sample{Demand: throughput, Timestamp: time.Now()})
	}
}

// MaybeRollback compares the mean loss of the last 5 rounds against the
// prior 5; if the recent window regressed by more than
// rollbackRegressionThreshold, and the last adaptation happened within
// the last rollbackWindowRounds rounds, it reports the snapshot to roll
// back to and increments the rollback counter. A regression outside that
// window isn't attributable to the last adaptation, so it's left alone.
func (o *Orchestrator) MaybeRollback() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.lossHistory) < 10 || len(o.snapshots) == 0 {
		return Snapshot{}, false
	}
	if o.lastRound-o.lastAdaptRound > rollbackWindowRounds {
		return Snapshot{}, false
	}
	recent := o.lossHistory[len(o.lossHistory)-5:]
	prior := o.lossHistory[len(o.lossHistory)-10 : len(o.lossHistory)-5]

	var recentMean, priorMean float64
	for _, v := range recent {
		recentMean += v
	}
	recentMean /= 5
	for _, v := range prior {
		priorMean += v
	}
	priorMean /= 5

	if priorMean <= 0 || recentMean <= priorMean*(1+rollbackRegressionThreshold) {
		return Snapshot{}, false
	}

	o.rollbackCount++
	telemetry.OrchestratorRollbacks.Inc()
	return o.snapshots[len(o.snapshots)-1], true
}

// ApplyRollback restores a snapshot's pre-adaptation batch sizes and
// force-includes the workers that adaptation's selection left out, undoing
// the adaptation MaybeRollback flagged as having regressed training.
func (o *Orchestrator) ApplyRollback(snap Snapshot) {
	for id, size := range snap.BatchSizes {
		o.batch.SetBatchSize(id, size)
	}
	for _, id := range snap.ForceIncludeIDs {
		o.sel.ForceInclude(id)
	}
}

// RecordWorkerOutcome feeds one worker's per-round result back into the
// selector's quarantine/probation state machine and, on success, into the
// attached bandit scheduler — closing the loop the selector's SelectNode
// re-ranking depends on. computeTime doubles as the bandit's latency
// signal; this package doesn't track wire round-trip time separately.
func (o *Orchestrator) RecordWorkerOutcome(ctx context.Context, workerID string, success bool, computeTime, waitingTime time.Duration) {
	o.sel.RecordRoundOutcome(ctx, workerID, success, computeTime, waitingTime)
	if success {
		o.sel.RecordBanditOutcome(workerID, float64(computeTime.Milliseconds()))
	}
}

// Phase returns the current training phase.
func (o *Orchestrator) Phase() domain.TrainingPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Counters reports the orchestrator's adaptation and rollback totals,
// plus the scaler's current capacity recommendation and whether it's
// meeting its proactive-handling gate.
type Counters struct {
	Adaptations       int64
	Rollbacks         int64
	ScalerCapacity    int
	ScalerProactive   bool
	BanditArms        int
	BanditObservations int64
}

// Counters returns the current adaptation/rollback counters.
func (o *Orchestrator) Counters() Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := Counters{Adaptations: o.adaptationCount, Rollbacks: o.rollbackCount}
	if o.scaler != nil {
		c.ScalerCapacity = o.scaler.Capacity()
		c.ScalerProactive = o.scaler.GatePassed(90)
	}
	if bs := o.sel.BanditStats(); bs.UniqueArms > 0 || bs.TotalObservations > 0 {
		c.BanditArms = bs.UniqueArms
		c.BanditObservations = int64(bs.TotalObservations)
	}
	return c
}
