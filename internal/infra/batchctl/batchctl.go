// Package batchctl recommends a per-worker gradient-accumulation batch
// size from the worker's current network band and observed throughput
// history, without enforcing it — workers read their current batch size
// at the start of every round.
//
// Grounded on internal/infra/autoscale's exponential-smoothing history
// buffer and evaluate-at-interval idiom, generalized from one
// cluster-wide prediction to one recommendation per worker.
package batchctl

import (
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// Strategy selects how batch size is derived.
type Strategy string

const (
	StrategyFixed          Strategy = "fixed"
	StrategyLatencyBased   Strategy = "latency_based"
	StrategyThroughputBased Strategy = "throughput_based"
	StrategyHybrid         Strategy = "hybrid"
)

// Config configures the controller.
type Config struct {
	Strategy           Strategy
	Baseline           int
	MinBatch           int
	MaxBatch           int
	RoundToPowerOfTwo  bool
	AdaptationInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyHybrid,
		Baseline:           32,
		MinBatch:           4,
		MaxBatch:           512,
		RoundToPowerOfTwo:  true,
		AdaptationInterval: 30 * time.Second,
	}
}

const throughputHistorySize = 16

type workerState struct {
	batchSize  int
	throughput [throughputHistorySize]float64
	count      int
	idx        int
}

func (w *workerState) pushThroughput(v float64) {
	w.throughput[w.idx%throughputHistorySize] = v
	w.idx++
	if w.count < throughputHistorySize {
		w.count++
	}
}

// meanLast returns the mean of the last n recorded samples (most recent
// first order does not matter for a mean).
func (w *workerState) meanLast(n int) (float64, bool) {
	if w.count < n {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		pos := (w.idx - 1 - i + throughputHistorySize) % throughputHistorySize
		sum += w.throughput[pos]
	}
	return sum / float64(n), true
}

// HistoryEvent records one batch-size change.
type HistoryEvent struct {
	WorkerID string
	OldSize  int
	NewSize  int
	Reason   string
	At       time.Time
}

// Controller recommends batch sizes per worker.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	nodes      map[string]*workerState
	lastRun    time.Time
	history    []HistoryEvent
	adaptCount int64
	now        func() time.Time
}

// NewController creates a batch-size controller.
func NewController(cfg Config) *Controller {
	if cfg.Baseline <= 0 {
		cfg.Baseline = 32
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 4
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 512
	}
	if cfg.AdaptationInterval <= 0 {
		cfg.AdaptationInterval = 30 * time.Second
	}
	return &Controller{
		cfg:   cfg,
		nodes: make(map[string]*workerState),
		now:   time.Now,
	}
}

func (c *Controller) getOrCreate(workerID string) *workerState {
	w, ok := c.nodes[workerID]
	if !ok {
		w = &workerState{batchSize: c.cfg.Baseline}
		c.nodes[workerID] = w
	}
	return w
}

// RecordThroughput records one round's observed samples/sec for a worker.
func (c *Controller) RecordThroughput(workerID string, samplesPerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(workerID).pushThroughput(samplesPerSec)
}

// CurrentBatchSize returns the worker's current recommendation.
func (c *Controller) CurrentBatchSize(workerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrCreate(workerID).batchSize
}

func latencyMultiplier(band domain.QualityBand) float64 {
	switch band {
	case domain.BandExcellent:
		return 0.75
	case domain.BandGood:
		return 1.0
	case domain.BandFair:
		return 1.5
	case domain.BandPoor:
		return 2.0
	case domain.BandCritical:
		return 2.5
	default:
		return 1.0
	}
}

func (c *Controller) latencyBased(band domain.QualityBand, meanLatencyMS float64) float64 {
	mult := latencyMultiplier(band)
	switch {
	case meanLatencyMS < 50:
		mult *= 0.8
	case meanLatencyMS > 200:
		mult *= 1.5
	}
	return float64(c.cfg.Baseline) * mult
}

func (w *workerState) throughputBased(baseline int) (float64, bool) {
	recent, okRecent := w.meanLast(3)
	if !okRecent {
		return float64(w.batchSize), false
	}
	// prior 3: the 3 samples preceding the most recent 3. Without 6 full
	// samples this would read never-written ring slots, so fall back to
	// the current batch size unchanged, same as the "older_throughput =
	// current_throughput" guard in the original.
	if w.count < 6 {
		return float64(w.batchSize), true
	}
	var priorSum float64
	for i := 3; i < 6; i++ {
		pos := (w.idx - 1 - i + throughputHistorySize) % throughputHistorySize
		priorSum += w.throughput[pos]
	}
	prior := priorSum / 3
	if prior == 0 {
		return float64(w.batchSize), true
	}
	delta := (recent - prior) / prior
	switch {
	case delta > 0.05:
		return float64(w.batchSize) * 1.25, true
	case delta < -0.05:
		return float64(w.batchSize) * 0.8, true
	default:
		return float64(w.batchSize), true
	}
}

func (c *Controller) constrain(size float64) int {
	v := int(size)
	if c.cfg.RoundToPowerOfTwo {
		v = nearestPowerOfTwo(v)
	}
	if v < c.cfg.MinBatch {
		v = c.cfg.MinBatch
	}
	if v > c.cfg.MaxBatch {
		v = c.cfg.MaxBatch
	}
	return v
}

func nearestPowerOfTwo(v int) int {
	if v <= 1 {
		return 1
	}
	lower := 1
	for lower*2 <= v {
		lower *= 2
	}
	upper := lower * 2
	if v-lower < upper-v {
		return lower
	}
	return upper
}

// EvaluateAndAdapt recomputes batch sizes for every known worker against
// band/meanLatency provided by the caller (typically the netmonitor) and
// throughput history based on the controller's own strategy. It runs at
// most once per AdaptationInterval; returns the set of workers whose
// batch size changed.
func (c *Controller) EvaluateAndAdapt(bands map[string]domain.QualityBand, latencies map[string]float64) []HistoryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastRun.IsZero() && now.Sub(c.lastRun) < c.cfg.AdaptationInterval {
		return nil
	}
	c.lastRun = now

	var changed []HistoryEvent
	for id, w := range c.nodes {
		old := w.batchSize
		var target float64
		var reason string

		switch c.cfg.Strategy {
		case StrategyFixed:
			target = float64(c.cfg.Baseline)
			reason = "fixed"
		case StrategyLatencyBased:
			target = c.latencyBased(bands[id], latencies[id])
			reason = "latency_based"
		case StrategyThroughputBased:
			t, ok := w.throughputBased(c.cfg.Baseline)
			if !ok {
				continue
			}
			target = t
			reason = "throughput_based"
		case StrategyHybrid:
			lat := c.latencyBased(bands[id], latencies[id])
			thr, ok := w.throughputBased(c.cfg.Baseline)
			if !ok {
				thr = float64(old)
			}
			target = 0.6*lat + 0.4*thr
			reason = "hybrid"
		default:
			target = float64(c.cfg.Baseline)
			reason = "fixed"
		}

		newSize := c.constrain(target)
		if newSize != old {
			w.batchSize = newSize
			c.adaptCount++
			telemetry.BatchctlAdaptations.Inc()
			ev := HistoryEvent{WorkerID: id, OldSize: old, NewSize: newSize, Reason: reason, At: now}
			c.history = append(c.history, ev)
			changed = append(changed, ev)
		}
		telemetry.BatchctlCurrentSize.WithLabelValues(id).Set(float64(w.batchSize))
	}
	return changed
}

// AdaptationCount returns the cumulative number of applied adaptations.
func (c *Controller) AdaptationCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptCount
}

// SetBatchSize forces a worker's current recommendation to size, bypassing
// the strategy evaluation. Used to restore a prior snapshot on rollback.
func (c *Controller) SetBatchSize(workerID string, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.getOrCreate(workerID)
	w.batchSize = c.constrain(float64(size))
	telemetry.BatchctlCurrentSize.WithLabelValues(workerID).Set(float64(w.batchSize))
}
