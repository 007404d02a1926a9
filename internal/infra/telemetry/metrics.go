package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Metrics ─────────────────────────────────────────────────────────────
// Adapted from the teacher's observability package: kept the promauto
// collector-construction idiom and Namespace/Subsystem/Name grouping,
// re-pointed at the nine training-coordinator components. The teacher's
// hand-rolled Span/Tracer machinery is not carried — nothing in this spec
// calls for distributed tracing.

const namespace = "trainmesh"

var (
	RegistryWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "workers",
	}, []string{"status"})

	RegistryRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "removals_total",
	}, []string{"reason"})

	NetmonitorQualityScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "netmonitor",
		Name:      "quality_score",
	}, []string{"worker_id"})

	NetmonitorBandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "netmonitor",
		Name:      "band_transitions_total",
	}, []string{"to_band"})

	BatchctlCurrentSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "batchctl",
		Name:      "current_batch_size",
	}, []string{"worker_id"})

	BatchctlAdaptations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batchctl",
		Name:      "adaptations_total",
	})

	SelectorSelectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "selected_nodes",
	})

	SelectorQuarantineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "quarantine_events_total",
	}, []string{"event"})

	AggregatorRoundsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "rounds_total",
	}, []string{"outcome"})

	AggregatorRejectedGradients = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "rejected_gradients_total",
	}, []string{"reason"})

	CoordinatorParameterVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "parameter_version",
	})

	CoordinatorRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "round_duration_seconds",
		Buckets:   prometheus.DefBuckets,
	})

	OrchestratorPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "phase",
	})

	OrchestratorRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "rollbacks_total",
	})

	ContributionFinalScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "contribution",
		Name:      "final_score",
	}, []string{"worker_id"})

	RewardDistributedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reward",
		Name:      "distributed_total",
	})
)
