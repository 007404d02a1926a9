package aggregator

import (
	"errors"
	"math"
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

func arr(vals ...float64) domain.ParamArray {
	return domain.ParamArray{Shape: []int{len(vals)}, Data: vals}
}

func TestReceiveGradient_RejectsUnexpectedWorker(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})

	err := a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "ghost", Params: map[string]domain.ParamArray{"w": arr(1, 2)}})
	if !errors.Is(err, domain.ErrUnexpectedWorker) {
		t.Errorf("expected ErrUnexpectedWorker, got %v", err)
	}
}

func TestReceiveGradient_RejectsDuplicate(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})
	sub := domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1, 2)}}

	if err := a.ReceiveGradient(sub); err != nil {
		t.Fatal(err)
	}
	if err := a.ReceiveGradient(sub); !errors.Is(err, domain.ErrDuplicateGradient) {
		t.Errorf("expected ErrDuplicateGradient, got %v", err)
	}
}

func TestReceiveGradient_RejectsShapeMismatch(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})

	err := a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1, 2, 3)}})
	if !errors.Is(err, domain.ErrGradientMismatch) {
		t.Errorf("expected ErrGradientMismatch, got %v", err)
	}
}

func TestReceiveGradient_RejectsNonFinite(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})

	err := a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(math.NaN(), 1)}})
	if !errors.Is(err, domain.ErrGradientNonFinite) {
		t.Errorf("expected ErrGradientNonFinite, got %v", err)
	}
}

func TestReceiveGradient_ReplayRejectedAfterRoundCloses(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})
	sub := domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1, 2)}}
	if err := a.ReceiveGradient(sub); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AggregateRound(); err != nil {
		t.Fatal(err)
	}

	a.StartRound(2, []string{"w1"}, map[string][]int{"w": {2}})
	// same (round, worker) replayed at a later round number is a distinct
	// stale-key so this should succeed; verify replay at the SAME round
	// after reopening would be rejected by the bloom filter instead.
	a.current.round = 1 // simulate a re-opened round 1 (defensive path)
	err := a.ReceiveGradient(sub)
	if !errors.Is(err, domain.ErrDuplicateGradient) {
		t.Errorf("expected stale-submission rejection via bloom filter, got %v", err)
	}
}

func TestShouldAggregate_AllExpectedResponded(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w2", Params: map[string]domain.ParamArray{"w": arr(2)}})

	ready, _ := a.ShouldAggregate()
	if !ready {
		t.Error("expected ready once all expected workers responded")
	}
}

func TestShouldAggregate_PartialBelowThresholdNotTimedOut(t *testing.T) {
	base := time.Now()
	cfg := DefaultConfig()
	cfg.MinNodesPercentage = 0.9
	cfg.RoundTimeout = time.Hour
	a := NewAggregator(cfg, 0)
	a.now = fixedClock(base, time.Second)
	a.StartRound(1, []string{"w1", "w2", "w3"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})

	ready, reason := a.ShouldAggregate()
	if ready {
		t.Errorf("expected not ready, got ready (%s)", reason)
	}
}

func TestShouldAggregate_PartialReadyAtTimeout(t *testing.T) {
	base := time.Now()
	cfg := DefaultConfig()
	cfg.MinNodesPercentage = 0.5
	cfg.RoundTimeout = time.Minute
	a := NewAggregator(cfg, 0)
	a.now = fixedClock(base, 2*time.Minute)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})

	ready, reason := a.ShouldAggregate()
	if !ready {
		t.Errorf("expected ready (partial set at timeout), got not ready (%s)", reason)
	}
}

func TestAggregateRound_SimpleAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySimpleAverage
	cfg.GradientClipValue = 0
	a := NewAggregator(cfg, 0)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {2}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(2, 4)}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w2", Params: map[string]domain.ParamArray{"w": arr(4, 8)}})

	result, err := a.AggregateRound()
	if err != nil {
		t.Fatal(err)
	}
	got := result.Params["w"].Data
	if got[0] != 3 || got[1] != 6 {
		t.Errorf("simple average = %v, want [3 6]", got)
	}
}

func TestAggregateRound_WeightedAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyWeightedAverage
	cfg.GradientClipValue = 0
	a := NewAggregator(cfg, 0)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{
		Round: 1, WorkerID: "w1",
		Params: map[string]domain.ParamArray{"w": arr(10)},
		Meta:   domain.GradientMeta{SamplesProcessed: 100},
	})
	_ = a.ReceiveGradient(domain.GradientSubmission{
		Round: 1, WorkerID: "w2",
		Params: map[string]domain.ParamArray{"w": arr(20)},
		Meta:   domain.GradientMeta{SamplesProcessed: 300},
	})

	result, err := a.AggregateRound()
	if err != nil {
		t.Fatal(err)
	}
	// weighted: (10*100 + 20*300) / 400 = 17.5
	got := result.Params["w"].Data[0]
	if math.Abs(got-17.5) > 0.001 {
		t.Errorf("weighted average = %f, want 17.5", got)
	}
}

func TestAggregateRound_GradientClipping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySimpleAverage
	cfg.GradientClipValue = 1.0
	a := NewAggregator(cfg, 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {2}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(3, 4)}}) // norm=5

	result, err := a.AggregateRound()
	if err != nil {
		t.Fatal(err)
	}
	norm := math.Sqrt(result.Params["w"].Data[0]*result.Params["w"].Data[0] + result.Params["w"].Data[1]*result.Params["w"].Data[1])
	if norm > 1.0001 {
		t.Errorf("aggregate L2 norm = %f, want clipped to <= 1.0", norm)
	}
}

func TestGetMissingNodes(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})

	missing := a.GetMissingNodes()
	if len(missing) != 1 || missing[0] != "w2" {
		t.Errorf("missing = %v, want [w2]", missing)
	}
}

func TestAggregateRound_NotReady(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNodesPercentage = 1.0
	cfg.RoundTimeout = time.Hour
	a := NewAggregator(cfg, 0)
	a.StartRound(1, []string{"w1", "w2"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})

	if _, err := a.AggregateRound(); !errors.Is(err, domain.ErrRoundNotReady) {
		t.Errorf("expected ErrRoundNotReady, got %v", err)
	}
}

func TestHistory_RecordsCompletedRounds(t *testing.T) {
	a := NewAggregator(DefaultConfig(), 0)
	a.StartRound(1, []string{"w1"}, map[string][]int{"w": {1}})
	_ = a.ReceiveGradient(domain.GradientSubmission{Round: 1, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": arr(1)}})
	if _, err := a.AggregateRound(); err != nil {
		t.Fatal(err)
	}

	hist := a.History()
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	if hist[0].Outcome != domain.RoundSuccess {
		t.Errorf("outcome = %s, want success", hist[0].Outcome)
	}
}
