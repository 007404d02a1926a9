package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/aggregator"
	"github.com/trainmesh/coordinator/internal/infra/contribution"
)

type fakeOrchestrator struct {
	mu       sync.Mutex
	sel      Selection
	planErr  error
	recorded []float64
}

func (f *fakeOrchestrator) PlanRound(ctx context.Context, round int) (Selection, error) {
	if f.planErr != nil {
		return Selection{}, f.planErr
	}
	return f.sel, nil
}

func (f *fakeOrchestrator) RecordRoundMetrics(round int, loss, throughput float64, outcome domain.RoundOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, loss)
}

func (f *fakeOrchestrator) RecordWorkerOutcome(ctx context.Context, workerID string, success bool, computeTime, waitingTime time.Duration) {
}

type fakeCheckpoint struct {
	mu    sync.Mutex
	saves int
}

func (f *fakeCheckpoint) SaveCheckpoint(ctx context.Context, sessionID string, epoch, step int, params domain.ParameterSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeCheckpoint) LoadCheckpoint(ctx context.Context, sessionID string) (int, int, domain.ParameterSet, error) {
	return 0, 0, domain.ParameterSet{}, nil
}

func testParams() domain.ParameterSet {
	return domain.ParameterSet{
		Version: 0,
		Names:   []string{"w"},
		Params:  map[string]domain.ParamArray{"w": {Shape: []int{2}, Data: []float64{0, 0}}},
	}
}

func submissionIntake(subs []domain.GradientSubmission) GradientIntake {
	i := 0
	return func(ctx context.Context, deadline time.Time) (domain.GradientSubmission, bool) {
		if i >= len(subs) {
			time.Sleep(time.Millisecond)
			return domain.GradientSubmission{}, false
		}
		s := subs[i]
		i++
		return s, true
	}
}

func TestRunRound_EmptySelectionSkipsAndAdvances(t *testing.T) {
	orch := &fakeOrchestrator{sel: Selection{}}
	agg := aggregator.NewAggregator(aggregator.DefaultConfig(), 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	c := New(DefaultConfig(), "sess", orch, agg, contrib, nil, nil, params)

	if err := c.RunRound(context.Background(), time.Second, submissionIntake(nil)); err != nil {
		t.Fatal(err)
	}
	if c.Stats().Round != 1 {
		t.Errorf("round = %d, want 1 after empty-selection skip", c.Stats().Round)
	}
}

func TestRunRound_PlanErrorPropagates(t *testing.T) {
	wantErr := errors.New("planning exploded")
	orch := &fakeOrchestrator{planErr: wantErr}
	agg := aggregator.NewAggregator(aggregator.DefaultConfig(), 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	c := New(DefaultConfig(), "sess", orch, agg, contrib, nil, nil, params)

	err := c.RunRound(context.Background(), time.Second, submissionIntake(nil))
	if !errors.Is(err, wantErr) {
		t.Errorf("expected plan error to propagate, got %v", err)
	}
}

func TestRunRound_CollectsAggregatesAndAppliesParams(t *testing.T) {
	orch := &fakeOrchestrator{sel: Selection{WorkerIDs: []string{"w1", "w2"}, BatchSizes: map[string]int{"w1": 8, "w2": 8}}}
	aggCfg := aggregator.DefaultConfig()
	aggCfg.GradientClipValue = 0
	agg := aggregator.NewAggregator(aggCfg, 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	c := New(DefaultConfig(), "sess", orch, agg, contrib, nil, nil, params)

	subs := []domain.GradientSubmission{
		{Round: 0, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": {Shape: []int{2}, Data: []float64{1, 1}}}, Meta: domain.GradientMeta{SamplesProcessed: 100, LocalLoss: 0.4}},
		{Round: 0, WorkerID: "w2", Params: map[string]domain.ParamArray{"w": {Shape: []int{2}, Data: []float64{3, 3}}}, Meta: domain.GradientMeta{SamplesProcessed: 100, LocalLoss: 0.6}},
	}

	if err := c.RunRound(context.Background(), 5*time.Second, submissionIntake(subs)); err != nil {
		t.Fatal(err)
	}

	stats := c.Stats()
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.Round != 1 {
		t.Errorf("round = %d, want 1", stats.Round)
	}

	// average gradient is [2 2]; applied with learning rate 1.0 against a
	// zero-initialized parameter gives [2 2].
	current := params.Current()
	if current.Params["w"].Data[0] != 2 || current.Params["w"].Data[1] != 2 {
		t.Errorf("params after apply = %v, want [2 2]", current.Params["w"].Data)
	}

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.recorded) != 1 {
		t.Fatalf("expected 1 recorded round metric, got %d", len(orch.recorded))
	}
	// weighted loss = (0.4*100 + 0.6*100) / 200 = 0.5
	if orch.recorded[0] != 0.5 {
		t.Errorf("recorded loss = %f, want 0.5", orch.recorded[0])
	}
}

func TestRunRound_AggregationFailureMarksFailed(t *testing.T) {
	aggCfg := aggregator.DefaultConfig()
	aggCfg.MinNodesPercentage = 1.0
	aggCfg.RoundTimeout = 10 * time.Millisecond
	orch := &fakeOrchestrator{sel: Selection{WorkerIDs: []string{"w1", "w2"}, BatchSizes: map[string]int{}}}
	agg := aggregator.NewAggregator(aggCfg, 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	c := New(DefaultConfig(), "sess", orch, agg, contrib, nil, nil, params)

	// Only w1 submits; w2 never does, so the round times out with an
	// insufficient set under MinNodesPercentage=1.0.
	subs := []domain.GradientSubmission{
		{Round: 0, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": {Shape: []int{2}, Data: []float64{1, 1}}}},
	}

	err := c.RunRound(context.Background(), 20*time.Millisecond, submissionIntake(subs))
	if err == nil {
		t.Fatal("expected aggregation failure error")
	}
	if c.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", c.Stats().Failed)
	}
}

func TestAdvanceRound_RollsEpochAtStepsPerEpoch(t *testing.T) {
	orch := &fakeOrchestrator{sel: Selection{}}
	agg := aggregator.NewAggregator(aggregator.DefaultConfig(), 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	cfg := DefaultConfig()
	cfg.StepsPerEpoch = 2
	c := New(cfg, "sess", orch, agg, contrib, nil, nil, params)

	for i := 0; i < 3; i++ {
		if err := c.RunRound(context.Background(), time.Second, submissionIntake(nil)); err != nil {
			t.Fatal(err)
		}
	}
	stats := c.Stats()
	if stats.Epoch != 1 || stats.Step != 1 {
		t.Errorf("epoch/step = %d/%d, want 1/1 after 3 rounds with StepsPerEpoch=2", stats.Epoch, stats.Step)
	}
}

func TestResume_RestoresCounters(t *testing.T) {
	orch := &fakeOrchestrator{}
	agg := aggregator.NewAggregator(aggregator.DefaultConfig(), 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	c := New(DefaultConfig(), "sess", orch, agg, contrib, nil, nil, params)

	c.Resume(5, 3, 2)
	stats := c.Stats()
	if stats.Round != 5 || stats.Step != 3 || stats.Epoch != 2 {
		t.Errorf("stats after Resume = %+v, want round=5 step=3 epoch=2", stats)
	}
}

func TestRunRound_SavesCheckpointAtInterval(t *testing.T) {
	orch := &fakeOrchestrator{sel: Selection{WorkerIDs: []string{"w1"}, BatchSizes: map[string]int{"w1": 8}}}
	agg := aggregator.NewAggregator(aggregator.DefaultConfig(), 0)
	contrib := contribution.NewCalculator()
	params := NewInMemoryParams(testParams(), 1.0)
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 1
	ckpt := &fakeCheckpoint{}
	c := New(cfg, "sess", orch, agg, contrib, nil, ckpt, params)

	subs := []domain.GradientSubmission{
		{Round: 0, WorkerID: "w1", Params: map[string]domain.ParamArray{"w": {Shape: []int{2}, Data: []float64{1, 1}}}},
	}
	if err := c.RunRound(context.Background(), time.Second, submissionIntake(subs)); err != nil {
		t.Fatal(err)
	}

	ckpt.mu.Lock()
	defer ckpt.mu.Unlock()
	if ckpt.saves != 1 {
		t.Errorf("checkpoint saves = %d, want 1", ckpt.saves)
	}
}
