package orchestrator

import (
	"context"
	"testing"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/autoscale"
	"github.com/trainmesh/coordinator/internal/infra/batchctl"
	"github.com/trainmesh/coordinator/internal/infra/netmonitor"
	"github.com/trainmesh/coordinator/internal/infra/selector"
)

type fakeRegistry struct{ workers []domain.WorkerInfo }

func (f fakeRegistry) Eligible() []domain.WorkerInfo { return f.workers }

func newTestOrchestrator(cfg Config, workers []domain.WorkerInfo) *Orchestrator {
	monitor := netmonitor.NewMonitor(netmonitor.DefaultConfig())
	batch := batchctl.NewController(batchctl.DefaultConfig())
	sel := selector.NewSelector(selector.DefaultConfig(), nil)
	scaler := autoscale.NewScaler(autoscale.DefaultConfig())
	return New(cfg, fakeRegistry{workers}, monitor, batch, sel, scaler)
}

func TestNew_StartsInInitialization(t *testing.T) {
	o := newTestOrchestrator(DefaultConfig(), nil)
	if o.Phase() != domain.PhaseInitialization {
		t.Errorf("phase = %s, want initialization", o.Phase())
	}
}

func TestStartTraining_MovesToWarmup(t *testing.T) {
	o := newTestOrchestrator(DefaultConfig(), nil)
	o.StartTraining()
	if o.Phase() != domain.PhaseWarmup {
		t.Errorf("phase = %s, want warmup", o.Phase())
	}
}

func TestPlanRound_NoAdaptDuringWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupRounds = 10
	o := newTestOrchestrator(cfg, []domain.WorkerInfo{{ID: "w1", Status: domain.WorkerReady}})
	o.StartTraining()

	sel, err := o.PlanRound(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.WorkerIDs) != 1 || sel.WorkerIDs[0] != "w1" {
		t.Errorf("expected the single eligible worker included without adaptation, got %v", sel.WorkerIDs)
	}
	if o.Counters().Adaptations != 0 {
		t.Error("expected no adaptation to occur during warmup")
	}
}

func TestTransitionPhase_WarmupToAdaptiveTraining(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupRounds = 3
	o := newTestOrchestrator(cfg, []domain.WorkerInfo{{ID: "w1", Status: domain.WorkerReady}})
	o.StartTraining()

	_, _ = o.PlanRound(context.Background(), 3)
	if o.Phase() != domain.PhaseAdaptiveTraining {
		t.Errorf("phase = %s, want adaptive_training after reaching WarmupRounds", o.Phase())
	}
}

func TestShouldAdapt_AggressivePolicyAlwaysAdapts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = domain.PolicyAggressive
	cfg.WarmupRounds = 0
	o := newTestOrchestrator(cfg, []domain.WorkerInfo{{ID: "w1", Status: domain.WorkerReady}})
	o.StartTraining()

	_, _ = o.PlanRound(context.Background(), 1)
	if o.Counters().Adaptations != 1 {
		t.Errorf("adaptations = %d, want 1 under aggressive policy", o.Counters().Adaptations)
	}
}

func TestRecordRoundMetrics_FeedsLossHistory(t *testing.T) {
	o := newTestOrchestrator(DefaultConfig(), nil)
	o.RecordRoundMetrics(1, 0.5, 100, domain.RoundSuccess)
	if len(o.lossHistory) != 1 || o.lossHistory[0] != 0.5 {
		t.Errorf("lossHistory = %v, want [0.5]", o.lossHistory)
	}
}

func TestMaybeRollback_NoneWithInsufficientHistory(t *testing.T) {
	o := newTestOrchestrator(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		o.RecordRoundMetrics(i, 1.0, 100, domain.RoundSuccess)
	}
	if _, ok := o.MaybeRollback(); ok {
		t.Error("expected no rollback with fewer than 10 rounds of history")
	}
}

func TestMaybeRollback_TriggersOnRegression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupRounds = 0
	cfg.Policy = domain.PolicyAggressive
	o := newTestOrchestrator(cfg, []domain.WorkerInfo{{ID: "w1", Status: domain.WorkerReady}})
	o.StartTraining()
	_, _ = o.PlanRound(context.Background(), 5) // produce a snapshot to roll back to

	for i := 0; i < 5; i++ {
		o.RecordRoundMetrics(i, 0.1, 100, domain.RoundSuccess) // prior window: low loss
	}
	for i := 5; i < 10; i++ {
		o.RecordRoundMetrics(i, 1.0, 100, domain.RoundSuccess) // recent window: regressed
	}

	snap, ok := o.MaybeRollback()
	if !ok {
		t.Fatal("expected rollback to trigger on loss regression")
	}
	if snap.Round != 5 {
		t.Errorf("rollback snapshot round = %d, want 5", snap.Round)
	}
	if o.Counters().Rollbacks != 1 {
		t.Errorf("rollback count = %d, want 1", o.Counters().Rollbacks)
	}
}

func TestMaybeRollback_NoTriggerOnImprovement(t *testing.T) {
	o := newTestOrchestrator(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		o.RecordRoundMetrics(i, 1.0, 100, domain.RoundSuccess)
	}
	for i := 5; i < 10; i++ {
		o.RecordRoundMetrics(i, 0.1, 100, domain.RoundSuccess)
	}
	if _, ok := o.MaybeRollback(); ok {
		t.Error("expected no rollback when loss is improving")
	}
}
