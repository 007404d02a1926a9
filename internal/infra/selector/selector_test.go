package selector

import (
	"context"
	"testing"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time { return t }
}

func TestSelectNodes_AllAvailable(t *testing.T) {
	s := NewSelector(DefaultConfig(), nil)
	out := s.SelectNodes([]Candidate{{WorkerID: "a"}, {WorkerID: "b"}})
	if len(out) != 2 {
		t.Errorf("expected both workers selected, got %v", out)
	}
}

func TestSelectNodes_QualityThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyQualityThreshold
	cfg.MinQualityScore = 50
	s := NewSelector(cfg, nil)

	out := s.SelectNodes([]Candidate{
		{WorkerID: "good", QualityScore: 80, HasQualityScore: true},
		{WorkerID: "bad", QualityScore: 10, HasQualityScore: true},
	})
	if len(out) != 1 || out[0] != "good" {
		t.Errorf("expected only 'good', got %v", out)
	}
}

func TestSelectNodes_TopN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyTopN
	cfg.MaxSelectedNodes = 2
	s := NewSelector(cfg, nil)

	out := s.SelectNodes([]Candidate{
		{WorkerID: "a", QualityScore: 90, HasQualityScore: true},
		{WorkerID: "b", QualityScore: 10, HasQualityScore: true},
		{WorkerID: "c", QualityScore: 50, HasQualityScore: true},
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 workers, got %v", out)
	}
	has := map[string]bool{}
	for _, id := range out {
		has[id] = true
	}
	if !has["a"] || !has["c"] {
		t.Errorf("expected top-2 scored workers [a c], got %v", out)
	}
}

func TestSelectNodes_ContributionBased(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyContributionBased
	s := NewSelector(cfg, nil)

	out := s.SelectNodes([]Candidate{
		{WorkerID: "high", ContributionScore: 60},
		{WorkerID: "low", ContributionScore: 10},
	})
	if len(out) != 1 || out[0] != "high" {
		t.Errorf("expected only 'high', got %v", out)
	}
}

func TestForceIncludeAndExclude(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyQualityThreshold
	cfg.MinQualityScore = 99
	s := NewSelector(cfg, nil)
	s.ForceInclude("forced")
	s.ForceExclude("excluded")

	out := s.SelectNodes([]Candidate{
		{WorkerID: "forced", QualityScore: 0, HasQualityScore: true},
		{WorkerID: "excluded", QualityScore: 100, HasQualityScore: true},
	})
	has := map[string]bool{}
	for _, id := range out {
		has[id] = true
	}
	if !has["forced"] {
		t.Error("expected forced worker to be included despite failing the quality gate")
	}
	if has["excluded"] {
		t.Error("expected excluded worker to be dropped despite passing the quality gate")
	}
}

func TestRecordRoundOutcome_QuarantinesAfterRepeatedFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuarantineThreshold = 3
	cfg.QuarantineDuration = time.Minute
	s := NewSelector(cfg, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.RecordRoundOutcome(ctx, "flaky", false, time.Second, 0)
	}
	if got := s.State("flaky"); got != domain.StateQuarantined {
		t.Errorf("state = %v, want quarantined", got)
	}
}

func TestQuarantine_ExpiresIntoProbation(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.QuarantineThreshold = 2
	cfg.QuarantineDuration = time.Minute
	s := NewSelector(cfg, nil)
	s.now = fixedClock(base)

	ctx := context.Background()
	s.RecordRoundOutcome(ctx, "flaky", false, time.Second, 0)
	s.RecordRoundOutcome(ctx, "flaky", false, time.Second, 0)
	if got := s.State("flaky"); got != domain.StateQuarantined {
		t.Fatalf("state = %v, want quarantined", got)
	}

	s.now = fixedClock(base.Add(2 * time.Minute))
	s.SelectNodes([]Candidate{{WorkerID: "flaky"}})
	if got := s.State("flaky"); got != domain.StateProbation {
		t.Errorf("state = %v, want probation after quarantine expiry", got)
	}
}

func TestProbation_GraduatesToActiveAfterSuccesses(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.QuarantineThreshold = 2
	cfg.QuarantineDuration = time.Minute
	cfg.ProbationSteps = 2
	s := NewSelector(cfg, nil)
	s.now = fixedClock(base)

	ctx := context.Background()
	s.RecordRoundOutcome(ctx, "flaky", false, time.Second, 0)
	s.RecordRoundOutcome(ctx, "flaky", false, time.Second, 0)

	s.now = fixedClock(base.Add(2 * time.Minute))
	s.SelectNodes([]Candidate{{WorkerID: "flaky"}}) // releases into probation

	s.RecordRoundOutcome(ctx, "flaky", true, time.Second, 0)
	s.RecordRoundOutcome(ctx, "flaky", true, time.Second, 0)

	if got := s.State("flaky"); got != domain.StateActive {
		t.Errorf("state = %v, want active after probation successes", got)
	}
}

func TestHistory_OrderedByTime(t *testing.T) {
	s := NewSelector(DefaultConfig(), nil)
	s.SelectNodes([]Candidate{{WorkerID: "a"}})
	s.SelectNodes([]Candidate{{WorkerID: "b"}})

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].At.After(hist[1].At) {
		t.Error("expected history ordered oldest-first")
	}
}
