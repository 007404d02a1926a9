// Package aggregator owns one training round at a time: gradient intake
// and validation, the should_aggregate readiness predicate, and the
// three averaging strategies that reduce accepted gradients into one
// update.
//
// Grounded on internal/infra/dsa's BloomFilter for the stale-submission
// pre-check (§4.5), and on the round-bookkeeping shape of
// internal/app/executor's task/result accounting, generalized from
// single tasks to expected-set/received-set round state.
package aggregator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/dsa"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// Strategy selects how accepted gradients are reduced.
type Strategy string

const (
	StrategySimpleAverage      Strategy = "simple_average"
	StrategyWeightedAverage    Strategy = "weighted_average"
	StrategyFederatedAveraging Strategy = "federated_averaging"
)

// Config configures the aggregator.
type Config struct {
	Strategy            Strategy
	MinNodesPercentage  float64 // fraction of expected that must respond before timeout
	RoundTimeout        time.Duration
	GradientClipValue   float64 // 0 disables clipping
	MaxRoundHistory     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyFederatedAveraging,
		MinNodesPercentage: 0.6,
		RoundTimeout:       60 * time.Second,
		GradientClipValue:  10.0,
		MaxRoundHistory:    200,
	}
}

type roundState struct {
	round      int
	expected   map[string]bool
	order      []string // expected-shape key order, fixed at round start
	shapes     map[string][]int
	received   map[string]domain.GradientSubmission
	startedAt  time.Time
	closed     bool
}

// Aggregator manages round state and reduces gradients into a single
// parameter update.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	current *roundState
	history []domain.RoundRecord
	stale   *dsa.BloomFilter
	log     *telemetry.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. expectedStaleItems sizes the Bloom
// filter used to reject replays of gradients from already-closed rounds.
func NewAggregator(cfg Config, expectedStaleItems int) *Aggregator {
	if cfg.MinNodesPercentage <= 0 {
		cfg.MinNodesPercentage = 0.6
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 60 * time.Second
	}
	if cfg.MaxRoundHistory <= 0 {
		cfg.MaxRoundHistory = 200
	}
	if expectedStaleItems <= 0 {
		expectedStaleItems = 10000
	}
	return &Aggregator{
		cfg:   cfg,
		stale: dsa.NewBloomFilter(dsa.BloomConfig{ExpectedItems: expectedStaleItems, FPRate: 0.001}),
		log:   telemetry.NewLogger("aggregator"),
		now:   time.Now,
	}
}

// staleKey identifies a (round, worker) pair for the replay filter.
func staleKey(round int, workerID string) string {
	return fmt.Sprintf("%d/%s", round, workerID)
}

// StartRound resets per-round state for a new round over the expected
// worker set, with expected per-parameter shapes fixing iteration order.
func (a *Aggregator) StartRound(round int, expectedIDs []string, shapes map[string][]int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	expected := make(map[string]bool, len(expectedIDs))
	for _, id := range expectedIDs {
		expected[id] = true
	}
	order := make([]string, 0, len(shapes))
	for name := range shapes {
		order = append(order, name)
	}
	a.current = &roundState{
		round:     round,
		expected:  expected,
		order:     order,
		shapes:    shapes,
		received:  make(map[string]domain.GradientSubmission),
		startedAt: a.now(),
	}
}

// ReceiveGradient validates and accepts one worker's gradient submission
// for the current round.
func (a *Aggregator) ReceiveGradient(sub domain.GradientSubmission) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || a.current.round != sub.Round {
		return fmt.Errorf("receive gradient: %w", domain.ErrUnexpectedWorker)
	}
	r := a.current

	if a.stale.Contains(staleKey(sub.Round, sub.WorkerID)) {
		return fmt.Errorf("receive gradient: stale submission: %w", domain.ErrDuplicateGradient)
	}
	if r.closed {
		return fmt.Errorf("receive gradient: %w", domain.ErrRoundNotReady)
	}
	if !r.expected[sub.WorkerID] {
		telemetry.AggregatorRejectedGradients.WithLabelValues("unexpected_worker").Inc()
		return fmt.Errorf("receive gradient: %w", domain.ErrUnexpectedWorker)
	}
	if _, dup := r.received[sub.WorkerID]; dup {
		telemetry.AggregatorRejectedGradients.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("receive gradient: %w", domain.ErrDuplicateGradient)
	}

	for name, arr := range sub.Params {
		for _, v := range arr.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				telemetry.AggregatorRejectedGradients.WithLabelValues("non_finite").Inc()
				return fmt.Errorf("receive gradient %s/%s: %w", sub.WorkerID, name, domain.ErrGradientNonFinite)
			}
		}
		if expected, ok := r.shapes[name]; ok && !shapeEqual(expected, arr.Shape) {
			telemetry.AggregatorRejectedGradients.WithLabelValues("shape_mismatch").Inc()
			return fmt.Errorf("receive gradient %s/%s: %w", sub.WorkerID, name, domain.ErrGradientMismatch)
		}
	}

	if a.cfg.GradientClipValue > 0 {
		sub.Params = clipGlobalL2(sub.Params, a.cfg.GradientClipValue)
	}

	r.received[sub.WorkerID] = sub
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// globalL2Norm computes the L2 norm across every parameter array.
func globalL2Norm(params map[string]domain.ParamArray) float64 {
	var sumSquares float64
	for _, arr := range params {
		for _, v := range arr.Data {
			sumSquares += v * v
		}
	}
	return math.Sqrt(sumSquares)
}

// clipGlobalL2 rescales every parameter array so the combined L2 norm
// does not exceed clipValue.
func clipGlobalL2(params map[string]domain.ParamArray, clipValue float64) map[string]domain.ParamArray {
	norm := globalL2Norm(params)
	if norm <= clipValue || norm == 0 {
		return params
	}
	scale := clipValue / norm
	out := make(map[string]domain.ParamArray, len(params))
	for name, arr := range params {
		scaled := make([]float64, len(arr.Data))
		for i, v := range arr.Data {
			scaled[i] = v * scale
		}
		out[name] = domain.ParamArray{Shape: arr.Shape, Data: scaled}
	}
	return out
}

// ShouldAggregate reports whether the current round is ready to
// aggregate, per the should_aggregate predicate.
func (a *Aggregator) ShouldAggregate() (ready bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shouldAggregateLocked()
}

func (a *Aggregator) shouldAggregateLocked() (bool, string) {
	r := a.current
	if r == nil {
		return false, "no active round"
	}
	if len(r.received) == len(r.expected) {
		return true, "all expected responded"
	}

	threshold := int(math.Ceil(float64(len(r.expected)) * a.cfg.MinNodesPercentage))
	elapsed := a.now().Sub(r.startedAt)

	if len(r.received) < threshold && elapsed < a.cfg.RoundTimeout {
		return false, "below threshold, timeout not reached"
	}
	if len(r.received) >= threshold && elapsed >= a.cfg.RoundTimeout {
		return true, "partial set ready at timeout"
	}
	if elapsed >= a.cfg.RoundTimeout {
		return false, "timeout with insufficient nodes"
	}
	return false, "waiting"
}

// GetMissingNodes returns the expected workers who have not yet submitted.
func (a *Aggregator) GetMissingNodes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	var out []string
	for id := range a.current.expected {
		if _, ok := a.current.received[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// AggregateResult is the outcome of a completed round aggregation.
type AggregateResult struct {
	Round       int
	Params      map[string]domain.ParamArray
	AggregateL2 float64
	PerWorkerL2 map[string]float64
	Received    []string
}

// AggregateRound reduces all gradients received so far for the current
// round into a single parameter update, closes the round out (rejecting
// any further submissions and marking it stale in the replay filter),
// and appends a round record to history.
func (a *Aggregator) AggregateRound() (AggregateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.current
	if r == nil {
		return AggregateResult{}, fmt.Errorf("aggregate round: %w", domain.ErrRoundNotReady)
	}
	ready, reason := a.shouldAggregateLocked()
	if !ready {
		return AggregateResult{}, fmt.Errorf("aggregate round: %s: %w", reason, domain.ErrRoundNotReady)
	}

	var result map[string]domain.ParamArray
	var err error
	switch a.cfg.Strategy {
	case StrategySimpleAverage:
		result = simpleAverage(r)
	case StrategyWeightedAverage:
		result = weightedAverage(r)
	case StrategyFederatedAveraging:
		result = federatedAveraging(r)
	default:
		result = simpleAverage(r)
	}

	for name, arr := range result {
		for _, v := range arr.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				err = domain.ErrGradientNonFinite
			}
		}
		if expected, ok := r.shapes[name]; ok && !shapeEqual(expected, arr.Shape) {
			err = domain.ErrGradientMismatch
		}
	}

	if a.cfg.GradientClipValue > 0 && err == nil {
		result = clipGlobalL2(result, a.cfg.GradientClipValue)
	}

	received := make([]string, 0, len(r.received))
	perWorkerL2 := make(map[string]float64, len(r.received))
	for id, sub := range r.received {
		received = append(received, id)
		perWorkerL2[id] = globalL2Norm(sub.Params)
		a.stale.Add(staleKey(r.round, id))
	}
	r.closed = true

	outcome := domain.RoundSuccess
	if err != nil {
		outcome = domain.RoundFailed
	}
	record := domain.RoundRecord{
		Round:       r.round,
		Expected:    keys(r.expected),
		Received:    received,
		StartedAt:   r.startedAt,
		ElapsedSec:  a.now().Sub(r.startedAt).Seconds(),
		PerWorkerL2: perWorkerL2,
		Outcome:     outcome,
	}
	if err == nil {
		record.AggregateL2 = globalL2Norm(result)
	}
	a.history = append(a.history, record)
	if len(a.history) > a.cfg.MaxRoundHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxRoundHistory:]
	}
	telemetry.AggregatorRoundsCompleted.WithLabelValues(string(outcome)).Inc()

	if err != nil {
		return AggregateResult{}, fmt.Errorf("aggregate round %d: %w", r.round, err)
	}
	return AggregateResult{
		Round:       r.round,
		Params:      result,
		AggregateL2: record.AggregateL2,
		PerWorkerL2: perWorkerL2,
		Received:    received,
	}, nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// simpleAverage sums each parameter across received workers and divides
// by the received count. A worker missing a parameter contributes zero.
func simpleAverage(r *roundState) map[string]domain.ParamArray {
	n := float64(len(r.received))
	if n == 0 {
		return nil
	}
	out := make(map[string]domain.ParamArray, len(r.order))
	for _, name := range r.order {
		shape := r.shapes[name]
		size := sizeOf(shape)
		sum := make([]float64, size)
		for _, sub := range r.received {
			arr, ok := sub.Params[name]
			if !ok {
				continue
			}
			for i, v := range arr.Data {
				if i < size {
					sum[i] += v
				}
			}
		}
		for i := range sum {
			sum[i] /= n
		}
		out[name] = domain.ParamArray{Shape: shape, Data: sum}
	}
	return out
}

// weightedAverage weights each worker by meta.samples_processed (default
// 1.0 if absent), falling back to simple_average if the total weight is
// zero or no worker reported metadata.
func weightedAverage(r *roundState) map[string]domain.ParamArray {
	weights := make(map[string]float64, len(r.received))
	var totalWeight float64
	anyMeta := false
	for id, sub := range r.received {
		w := 1.0
		if sub.Meta.SamplesProcessed > 0 {
			w = float64(sub.Meta.SamplesProcessed)
			anyMeta = true
		}
		weights[id] = w
		totalWeight += w
	}
	if totalWeight == 0 || !anyMeta {
		return simpleAverage(r)
	}

	out := make(map[string]domain.ParamArray, len(r.order))
	for _, name := range r.order {
		shape := r.shapes[name]
		size := sizeOf(shape)
		sum := make([]float64, size)
		for id, sub := range r.received {
			arr, ok := sub.Params[name]
			if !ok {
				continue
			}
			w := weights[id]
			for i, v := range arr.Data {
				if i < size {
					sum[i] += w * v
				}
			}
		}
		for i := range sum {
			sum[i] /= totalWeight
		}
		out[name] = domain.ParamArray{Shape: shape, Data: sum}
	}
	return out
}

// federatedAveraging weights each worker by samples_processed times a
// node quality weight (default 1.0), normalized to sum to 1.
func federatedAveraging(r *roundState) map[string]domain.ParamArray {
	weights := make(map[string]float64, len(r.received))
	var total float64
	for id, sub := range r.received {
		samples := 1.0
		if sub.Meta.SamplesProcessed > 0 {
			samples = float64(sub.Meta.SamplesProcessed)
		}
		qw := sub.Meta.NodeQualityWeight
		if qw <= 0 {
			qw = 1.0
		}
		w := samples * qw
		weights[id] = w
		total += w
	}
	if total == 0 {
		return simpleAverage(r)
	}
	for id := range weights {
		weights[id] /= total
	}

	out := make(map[string]domain.ParamArray, len(r.order))
	for _, name := range r.order {
		shape := r.shapes[name]
		size := sizeOf(shape)
		sum := make([]float64, size)
		for id, sub := range r.received {
			arr, ok := sub.Params[name]
			if !ok {
				continue
			}
			w := weights[id]
			for i, v := range arr.Data {
				if i < size {
					sum[i] += w * v
				}
			}
		}
		out[name] = domain.ParamArray{Shape: shape, Data: sum}
	}
	return out
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// History returns a copy of the bounded round history.
func (a *Aggregator) History() []domain.RoundRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.RoundRecord, len(a.history))
	copy(out, a.history)
	return out
}
