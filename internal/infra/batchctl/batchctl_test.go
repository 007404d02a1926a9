package batchctl

import (
	"testing"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
)

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func TestCurrentBatchSize_DefaultsToBaseline(t *testing.T) {
	c := NewController(DefaultConfig())
	if got := c.CurrentBatchSize("w1"); got != 32 {
		t.Errorf("batch size = %d, want baseline 32", got)
	}
}

func TestNearestPowerOfTwo(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {1, 1}, {3, 4}, {5, 4}, {6, 8}, {100, 128}, {512, 512},
	}
	for _, tt := range tests {
		if got := nearestPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("nearestPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEvaluateAndAdapt_RespectsAdaptationInterval(t *testing.T) {
	base := time.Now()
	cfg := DefaultConfig()
	cfg.AdaptationInterval = time.Hour
	c := NewController(cfg)
	c.now = fixedClock(base, time.Minute)
	c.CurrentBatchSize("w1")

	c.EvaluateAndAdapt(nil, nil)
	if changed := c.EvaluateAndAdapt(nil, nil); changed != nil {
		t.Errorf("second evaluation within interval should be a no-op, got %v", changed)
	}
}

func TestEvaluateAndAdapt_LatencyBased_GrowsOnPoorBand(t *testing.T) {
	cfg := Config{Strategy: StrategyLatencyBased, Baseline: 32, MinBatch: 1, MaxBatch: 1024, RoundToPowerOfTwo: true, AdaptationInterval: 0}
	c := NewController(cfg)
	c.CurrentBatchSize("w1")

	bands := map[string]domain.QualityBand{"w1": domain.BandPoor}
	latencies := map[string]float64{"w1": 50}
	c.EvaluateAndAdapt(bands, latencies)

	if got := c.CurrentBatchSize("w1"); got <= 32 {
		t.Errorf("expected batch size to grow under poor-band latency scaling, got %d", got)
	}
}

func TestEvaluateAndAdapt_ThroughputBased_IncreasesOnRisingThroughput(t *testing.T) {
	cfg := Config{Strategy: StrategyThroughputBased, Baseline: 32, MinBatch: 1, MaxBatch: 1024, RoundToPowerOfTwo: false, AdaptationInterval: 0}
	c := NewController(cfg)
	c.CurrentBatchSize("w1")

	for _, v := range []float64{100, 100, 100, 200, 200, 200} {
		c.RecordThroughput("w1", v)
	}

	c.EvaluateAndAdapt(nil, nil)
	if got := c.CurrentBatchSize("w1"); got <= 32 {
		t.Errorf("expected batch size to increase on rising throughput, got %d", got)
	}
}

func TestEvaluateAndAdapt_ThroughputBased_DecreasesOnFallingThroughput(t *testing.T) {
	cfg := Config{Strategy: StrategyThroughputBased, Baseline: 32, MinBatch: 1, MaxBatch: 1024, RoundToPowerOfTwo: false, AdaptationInterval: 0}
	c := NewController(cfg)
	c.CurrentBatchSize("w1")

	for _, v := range []float64{200, 200, 200, 100, 100, 100} {
		c.RecordThroughput("w1", v)
	}

	c.EvaluateAndAdapt(nil, nil)
	if got := c.CurrentBatchSize("w1"); got >= 32 {
		t.Errorf("expected batch size to decrease on falling throughput, got %d", got)
	}
}

func TestEvaluateAndAdapt_Constrained(t *testing.T) {
	cfg := Config{Strategy: StrategyFixed, Baseline: 10000, MinBatch: 4, MaxBatch: 512, AdaptationInterval: 0}
	c := NewController(cfg)
	c.CurrentBatchSize("w1")

	c.EvaluateAndAdapt(nil, nil)
	if got := c.CurrentBatchSize("w1"); got != 512 {
		t.Errorf("batch size = %d, want clamped to MaxBatch 512", got)
	}
}

func TestAdaptationCount_ZeroBeforeEvaluate(t *testing.T) {
	cfg := Config{Strategy: StrategyFixed, Baseline: 64, MinBatch: 1, MaxBatch: 1024, AdaptationInterval: 0}
	c := NewController(cfg)
	c.CurrentBatchSize("w1") // starts at the configured baseline 64, no change expected

	if c.AdaptationCount() != 0 {
		t.Fatalf("expected 0 adaptations before any evaluate call, got %d", c.AdaptationCount())
	}
}
