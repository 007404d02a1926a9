// Package coordinator drives the training round lifecycle: asking the
// orchestrator for a selected worker set, opening a round on the
// aggregator, dispatching to workers, collecting gradients, applying the
// aggregate, and advancing the epoch/step counters.
//
// Grounded on internal/app/executor's Submit/execute concurrency-semaphore
// and sync.RWMutex-guarded-counters shape (Task/Backend become
// Round/dispatch, governor-budget-check becomes selected-set-check), and
// on coordinator.py's advance_step/epoch-rollover and checkpoint
// save/load.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/aggregator"
	"github.com/trainmesh/coordinator/internal/infra/contribution"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// WorkerDispatcher delivers the current parameters and round parameters
// to a selected worker. Implemented by the worker-facing transport layer
// (outside this package's scope); the coordinator only calls it.
type WorkerDispatcher interface {
	Dispatch(ctx context.Context, workerID string, params domain.ParameterSet, batchSize, round int) error
	Broadcast(ctx context.Context, readyWorkerIDs []string, params domain.ParameterSet) error
}

// Selection is what the orchestrator hands back for one round.
type Selection struct {
	WorkerIDs  []string
	BatchSizes map[string]int
}

// Orchestrator is the subset of the adaptive orchestrator the coordinator
// calls into each round.
type Orchestrator interface {
	PlanRound(ctx context.Context, round int) (Selection, error)
	RecordRoundMetrics(round int, loss, throughput float64, outcome domain.RoundOutcome)
	RecordWorkerOutcome(ctx context.Context, workerID string, success bool, computeTime, waitingTime time.Duration)
}

// Config configures the coordinator's dispatch/collect loop.
type Config struct {
	MaxConcurrentDispatch int
	StepsPerEpoch         int
	CheckpointInterval    int // steps between checkpoint flushes, 0 disables
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentDispatch: 64, StepsPerEpoch: 100, CheckpointInterval: 10}
}

// Coordinator owns the live training session's round loop.
type Coordinator struct {
	mu         sync.RWMutex
	cfg        Config
	sessionID  string
	orch       Orchestrator
	agg        *aggregator.Aggregator
	contrib    *contribution.Calculator
	dispatcher WorkerDispatcher
	checkpoint domain.CheckpointStore

	params ParamsProvider

	sem chan struct{}

	round     int
	step      int
	epoch     int
	completed int64
	failed    int64

	log *telemetry.Logger
	now func() time.Time
}

// ParamsProvider is the mutable parameter set the coordinator applies
// aggregated gradients against. Kept as an interface so the coordinator
// does not need to know how updates are stored.
type ParamsProvider interface {
	Current() domain.ParameterSet
	Apply(gradient map[string]domain.ParamArray) domain.ParameterSet
}

// New creates a round coordinator for one training session.
func New(cfg Config, sessionID string, orch Orchestrator, agg *aggregator.Aggregator, contrib *contribution.Calculator, dispatcher WorkerDispatcher, checkpoint domain.CheckpointStore, params ParamsProvider) *Coordinator {
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 64
	}
	if cfg.StepsPerEpoch <= 0 {
		cfg.StepsPerEpoch = 100
	}
	return &Coordinator{
		cfg:        cfg,
		sessionID:  sessionID,
		orch:       orch,
		agg:        agg,
		contrib:    contrib,
		dispatcher: dispatcher,
		checkpoint: checkpoint,
		params:     params,
		sem:        make(chan struct{}, cfg.MaxConcurrentDispatch),
		log:        telemetry.NewLogger("coordinator"),
		now:        time.Now,
	}
}

// GradientIntake is implemented by the worker-facing transport to push an
// inbound gradient submission into the current round.
type GradientIntake func(ctx context.Context, deadline time.Time) (domain.GradientSubmission, bool)

// RunRound drives one full round: plan, dispatch, collect until ready or
// timeout, aggregate, apply, broadcast, and advance counters. intake is
// polled until the aggregator reports ready or the round's collect
// deadline passes.
func (c *Coordinator) RunRound(ctx context.Context, collectTimeout time.Duration, intake GradientIntake) error {
	c.mu.Lock()
	round := c.round
	c.mu.Unlock()

	selection, err := c.orch.PlanRound(ctx, round)
	if err != nil {
		return fmt.Errorf("plan round %d: %w", round, err)
	}
	if len(selection.WorkerIDs) == 0 {
		c.log.Printf("round %d: empty selection, skipping", round)
		c.advanceRound()
		return nil
	}

	correlationID := uuid.NewString()
	c.log.Printf("round %d (%s): dispatching to %d workers", round, correlationID, len(selection.WorkerIDs))

	shapes := shapesOf(c.params.Current())
	c.agg.StartRound(round, selection.WorkerIDs, shapes)

	if err := c.dispatchAll(ctx, round, selection); err != nil {
		return fmt.Errorf("dispatch round %d: %w", round, err)
	}

	startedAt := c.now()
	deadline := startedAt.Add(collectTimeout)
	var totalSamples int64
	var weightedLoss float64
	for {
		ready, _ := c.agg.ShouldAggregate()
		if ready {
			break
		}
		if c.now().After(deadline) {
			break
		}
		sub, ok := intake(ctx, deadline)
		if !ok {
			continue
		}
		computeTime := time.Duration(sub.Meta.ComputeTimeSec * float64(time.Second))
		if err := c.agg.ReceiveGradient(sub); err != nil {
			c.contrib.RecordGradientSubmission(sub.WorkerID, false, 0)
			c.orch.RecordWorkerOutcome(ctx, sub.WorkerID, false, computeTime, 0)
			continue
		}
		c.contrib.RecordGradientSubmission(sub.WorkerID, true, sub.Meta.GradientNorm)
		c.contrib.AddTrainingMetrics(sub.WorkerID, computeTime, int64(sub.Meta.SamplesProcessed))
		c.orch.RecordWorkerOutcome(ctx, sub.WorkerID, true, computeTime, 0)
		totalSamples += int64(sub.Meta.SamplesProcessed)
		weightedLoss += sub.Meta.LocalLoss * float64(sub.Meta.SamplesProcessed)
	}

	result, err := c.agg.AggregateRound()
	// Workers expected for this round who never submitted at all get a
	// failure outcome too, so quarantine can fire from silence, not just
	// rejected submissions.
	for _, id := range c.agg.GetMissingNodes() {
		c.orch.RecordWorkerOutcome(ctx, id, false, 0, collectTimeout)
	}
	if err != nil {
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()
		c.orch.RecordRoundMetrics(round, 0, 0, domain.RoundFailed)
		c.log.Printf("round %d failed: %v", round, err)
		c.advanceRound()
		return fmt.Errorf("aggregate round %d: %w", round, err)
	}

	newParams := c.params.Apply(result.Params)

	// The new parameters go to this round's selected workers only; ready
	// workers that an adapting round left out of the selection are not sent
	// them.
	if c.dispatcher != nil {
		if err := c.dispatcher.Broadcast(ctx, selection.WorkerIDs, newParams); err != nil {
			c.log.Printf("round %d: broadcast failed: %v", round, err)
		}
	}

	elapsed := c.now().Sub(startedAt).Seconds()
	loss, throughput := 0.0, 0.0
	if totalSamples > 0 {
		loss = weightedLoss / float64(totalSamples)
	}
	if elapsed > 0 {
		throughput = float64(totalSamples) / elapsed
	}
	c.orch.RecordRoundMetrics(round, loss, throughput, domain.RoundSuccess)
	telemetry.CoordinatorRoundDuration.Observe(elapsed)
	telemetry.CoordinatorParameterVersion.Set(float64(newParams.Version))

	c.mu.Lock()
	c.completed++
	c.mu.Unlock()

	c.advanceRound()

	if c.checkpoint != nil && c.cfg.CheckpointInterval > 0 {
		c.mu.RLock()
		step := c.step
		epoch := c.epoch
		c.mu.RUnlock()
		if step%c.cfg.CheckpointInterval == 0 {
			if err := c.checkpoint.SaveCheckpoint(ctx, c.sessionID, epoch, step, newParams); err != nil {
				c.log.Printf("checkpoint save failed at step %d: %v", step, err)
			}
		}
	}

	return nil
}

func shapesOf(p domain.ParameterSet) map[string][]int {
	out := make(map[string][]int, len(p.Names))
	for _, name := range p.Names {
		out[name] = p.Params[name].Shape
	}
	return out
}

func (c *Coordinator) dispatchAll(ctx context.Context, round int, sel Selection) error {
	if c.dispatcher == nil {
		return nil
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(sel.WorkerIDs))
	for _, id := range sel.WorkerIDs {
		id := id
		batch := sel.BatchSizes[id]
		c.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-c.sem }()
			if err := c.dispatcher.Dispatch(ctx, id, c.params.Current(), batch, round); err != nil {
				errCh <- fmt.Errorf("dispatch %s: %w", id, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// advanceRound increments the round/step counters, rolling the epoch over
// at StepsPerEpoch.
func (c *Coordinator) advanceRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round++
	c.step++
	if c.step >= c.cfg.StepsPerEpoch {
		c.step = 0
		c.epoch++
	}
}

// Resume restores round/step/epoch counters after loading a checkpoint,
// so the next RunRound call continues where the prior process left off.
func (c *Coordinator) Resume(round, step, epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round = round
	c.step = step
	c.epoch = epoch
}

// Stats reports the coordinator's cumulative round counters.
type Stats struct {
	Round     int   `json:"round"`
	Step      int   `json:"step"`
	Epoch     int   `json:"epoch"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns current coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Round:     c.round,
		Step:      c.step,
		Epoch:     c.epoch,
		Completed: c.completed,
		Failed:    c.failed,
	}
}
