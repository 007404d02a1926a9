// Package netmonitor tracks per-worker connection quality and classifies
// each worker into a discrete band with hysteresis so a single noisy
// sample cannot flip scheduling decisions.
//
// Grounded on the mutex-guarded-map, injectable-clock tracker idiom of
// internal/infra/reputation's Tracker, and on the bounded ring-buffer
// pattern (hist/hIdx/hFull) used by internal/infra/mlscheduler for
// bounded per-node history.
package netmonitor

import (
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

const ringSize = 50

// Config configures quality classification.
type Config struct {
	GraceSeconds    float64 // force offline past this silence (default 60)
	ChangeThreshold int     // consecutive samples required to flip a band (default 3)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{GraceSeconds: 60, ChangeThreshold: 3}
}

// ring is a fixed-capacity circular buffer of float64 samples.
type ring struct {
	buf  [ringSize]float64
	idx  int
	full bool
}

func (r *ring) push(v float64) {
	r.buf[r.idx] = v
	r.idx = (r.idx + 1) % ringSize
	if r.idx == 0 {
		r.full = true
	}
}

func (r *ring) mean() float64 {
	n := r.idx
	if r.full {
		n = ringSize
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += r.buf[i]
	}
	return sum / float64(n)
}

// profile is the per-worker connection state.
type profile struct {
	latency     ring
	success     ring // 1.0 on success, 0.0 on failure
	rtt         ring
	successes   int64
	total       int64
	lastSuccess time.Time

	currentBand   domain.QualityBand
	pendingBand   domain.QualityBand
	pendingStreak int
}

// Monitor tracks connection quality for every worker it has observed.
type Monitor struct {
	mu    sync.RWMutex
	cfg   Config
	nodes map[string]*profile
	now   func() time.Time
	log   *telemetry.Logger
}

// NewMonitor creates an empty quality monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.GraceSeconds <= 0 {
		cfg.GraceSeconds = 60
	}
	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = 3
	}
	return &Monitor{
		cfg:   cfg,
		nodes: make(map[string]*profile),
		now:   time.Now,
		log:   telemetry.NewLogger("netmonitor"),
	}
}

func (m *Monitor) getOrCreate(workerID string) *profile {
	p, ok := m.nodes[workerID]
	if !ok {
		p = &profile{currentBand: domain.BandOffline, pendingBand: domain.BandOffline}
		m.nodes[workerID] = p
	}
	return p
}

// RecordSample records one communication attempt's measured latency (ms)
// and round-trip time (ms), and whether it succeeded.
func (m *Monitor) RecordSample(workerID string, latencyMS, rttMS float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getOrCreate(workerID)
	p.latency.push(latencyMS)
	p.rtt.push(rttMS)
	p.total++
	if success {
		p.successes++
		p.success.push(1)
		p.lastSuccess = m.now()
	} else {
		p.success.push(0)
	}
	m.classify(workerID, p)
}

// score computes the three-component quality score in [0,100].
func score(meanLatency, successRate float64, packetLoss float64) float64 {
	latencyPts := 40.0
	switch {
	case meanLatency >= 300:
		latencyPts = 0
	case meanLatency > 50:
		latencyPts = 40.0 * (1 - (meanLatency-50)/250.0)
	}

	lossPts := 30.0 * (1 - 10*packetLoss)
	if lossPts < 0 {
		lossPts = 0
	}
	if lossPts > 30 {
		lossPts = 30
	}

	reliabilityPts := 30.0 * successRate

	return latencyPts + lossPts + reliabilityPts
}

// classify re-evaluates a worker's band with hysteresis. Called with mu held.
func (m *Monitor) classify(workerID string, p *profile) {
	if p.total == 0 {
		return
	}

	successRate := float64(p.successes) / float64(p.total)
	packetLoss := 1 - successRate
	proposed := domain.BandFromScore(score(p.latency.mean(), successRate, packetLoss))

	if !p.lastSuccess.IsZero() && m.now().Sub(p.lastSuccess).Seconds() > m.cfg.GraceSeconds {
		proposed = domain.BandOffline
	}

	m.advance(workerID, p, proposed)
}

// advance applies the hysteresis streak rule. Called with mu held.
func (m *Monitor) advance(workerID string, p *profile, proposed domain.QualityBand) {
	if proposed == p.currentBand {
		p.pendingBand = proposed
		p.pendingStreak = 0
		return
	}
	if proposed == p.pendingBand {
		p.pendingStreak++
	} else {
		p.pendingBand = proposed
		p.pendingStreak = 1
	}
	if p.pendingStreak >= m.cfg.ChangeThreshold {
		p.currentBand = proposed
		p.pendingStreak = 0
		telemetry.NetmonitorBandTransitions.WithLabelValues(proposed.String()).Inc()
		m.log.Printf("worker %s band -> %s", workerID, proposed)
	}
}

// Reclassify re-runs the grace-period check for every worker without a new
// sample, so silent workers age into offline even absent traffic. Intended
// to run on a periodic ticker from the owning component.
func (m *Monitor) Reclassify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.nodes {
		m.classify(id, p)
	}
}

// Snapshot is the read-only view of one worker's connection quality.
type Snapshot struct {
	WorkerID    string
	Band        domain.QualityBand
	Score       float64
	MeanLatency float64
	Reliability float64
}

// Get returns the current snapshot for a worker. Unknown workers read as
// offline rather than erroring — the monitor never raises.
func (m *Monitor) Get(workerID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.nodes[workerID]
	if !ok || p.total == 0 {
		return Snapshot{WorkerID: workerID, Band: domain.BandOffline}
	}
	successRate := float64(p.successes) / float64(p.total)
	s := score(p.latency.mean(), successRate, 1-successRate)
	telemetry.NetmonitorQualityScore.WithLabelValues(workerID).Set(s)
	return Snapshot{
		WorkerID:    workerID,
		Band:        p.currentBand,
		Score:       s,
		MeanLatency: p.latency.mean(),
		Reliability: successRate,
	}
}

// Filter selects workers whose band compares against threshold: atLeast
// true means "at least threshold", false means "at most threshold".
func (m *Monitor) Filter(threshold domain.QualityBand, atLeast bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, p := range m.nodes {
		if atLeast && p.currentBand >= threshold {
			out = append(out, id)
		} else if !atLeast && p.currentBand <= threshold {
			out = append(out, id)
		}
	}
	return out
}

// ClusterSummary aggregates the monitor's current state across all workers.
type ClusterSummary struct {
	BandHistogram map[string]int
	MeanScore     float64
	Healthy       int // good or excellent
	Problematic   int // poor or worse
}

// Summary computes a cluster-wide snapshot.
func (m *Monitor) Summary() ClusterSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := ClusterSummary{BandHistogram: make(map[string]int)}
	if len(m.nodes) == 0 {
		return out
	}
	var total float64
	for id, p := range m.nodes {
		out.BandHistogram[p.currentBand.String()]++
		if p.total > 0 {
			successRate := float64(p.successes) / float64(p.total)
			total += score(p.latency.mean(), successRate, 1-successRate)
		}
		_ = id
		switch {
		case p.currentBand >= domain.BandGood:
			out.Healthy++
		case p.currentBand <= domain.BandPoor:
			out.Problematic++
		}
	}
	out.MeanScore = total / float64(len(m.nodes))
	return out
}
