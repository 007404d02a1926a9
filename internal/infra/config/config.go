// Package config loads the coordinator's TOML configuration file and
// builds every component's own Config value from it.
//
// Grounded on the teacher's Config/DefaultConfig() idiom, repeated
// identically across mlscheduler.Config, autoscale.Config, and
// executor.Config: a single struct with a DefaultConfig() constructor,
// no builder pattern, no functional options. BurntSushi/toml is the
// teacher's own config-file library (referenced by SPEC_FULL.md §6.1).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/trainmesh/coordinator/internal/app/coordinator"
	"github.com/trainmesh/coordinator/internal/app/orchestrator"
	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/aggregator"
	"github.com/trainmesh/coordinator/internal/infra/batchctl"
	"github.com/trainmesh/coordinator/internal/infra/netmonitor"
	"github.com/trainmesh/coordinator/internal/infra/registry"
	"github.com/trainmesh/coordinator/internal/infra/reward"
	"github.com/trainmesh/coordinator/internal/infra/selector"
)

// Config mirrors the option table field-for-field; unknown keys in the
// TOML source are a configuration error (toml.DecodeFile returns undecoded
// keys, checked by Load), not silently ignored.
type Config struct {
	AggregationStrategy string  `toml:"aggregation_strategy"`
	TimeoutSeconds      int     `toml:"timeout_seconds"`
	MinNodesPercentage  float64 `toml:"min_nodes_percentage"`
	GradientClipValue   float64 `toml:"gradient_clip_value"` // 0 disables

	SelectionStrategy   string  `toml:"selection_strategy"`
	MinQualityScore     float64 `toml:"min_quality_score"`
	MaxSelectedNodes    int     `toml:"max_selected_nodes"` // 0 = unbounded
	EnableQuarantine    bool    `toml:"enable_quarantine"`
	QuarantineThreshold int     `toml:"quarantine_threshold"`
	QuarantineDuration  int     `toml:"quarantine_duration"` // seconds
	ProbationSteps      int     `toml:"probation_steps"`

	BatchStrategy     string `toml:"batch_strategy"`
	BaselineBatchSize int    `toml:"baseline_batch_size"`
	MinBatchSize      int    `toml:"min_batch_size"`
	MaxBatchSize      int    `toml:"max_batch_size"`
	UsePowerOfTwo     bool   `toml:"use_power_of_two"`

	AdaptationPolicy   string `toml:"adaptation_policy"`
	AdaptationInterval int    `toml:"adaptation_interval"` // rounds
	WarmupRounds       int    `toml:"warmup_rounds"`
	EnableRollback     bool   `toml:"enable_rollback"`

	RewardStrategy string `toml:"reward_strategy"`

	MaxConsecutiveFailures  int `toml:"max_consecutive_failures"`
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds"`
	HashRingVirtualNodes    int `toml:"hash_ring_virtual_nodes"`

	CheckpointIntervalRounds int `toml:"checkpoint_interval_rounds"`

	// MetricsNamespace is validated against the fixed "trainmesh" prefix
	// every telemetry collector is registered under at package init
	// (see internal/infra/telemetry/metrics.go) — it cannot be applied at
	// runtime without turning every package-level promauto.New* call into
	// a per-instance registry, which nothing else in this repo needs.
	MetricsNamespace string `toml:"metrics_namespace"`

	// StorePath is the SQLite file backing checkpoints, quarantine
	// records, sessions, and reward/contribution submissions. Not part
	// of §6's table; an ambient path every deployment needs.
	StorePath string `toml:"store_path"`

	// ListenAddr is the API server's bind address.
	ListenAddr string `toml:"listen_addr"`

	// RewardSinkURL / ContributionSinkURL hold payout-registry
	// credentials; read from environment variables, never from the
	// checked-in TOML file (see ApplyEnvOverrides).
	RewardSinkURL       string `toml:"-"`
	ContributionSinkURL string `toml:"-"`
}

// DefaultConfig returns production defaults, matching §6's default column.
func DefaultConfig() Config {
	return Config{
		AggregationStrategy: "simple",
		TimeoutSeconds:      30,
		MinNodesPercentage:  0.8,
		GradientClipValue:   0,

		SelectionStrategy:   "adaptive",
		MinQualityScore:     30,
		MaxSelectedNodes:    0,
		EnableQuarantine:    true,
		QuarantineThreshold: 5,
		QuarantineDuration:  300,
		ProbationSteps:      3,

		BatchStrategy:     "hybrid",
		BaselineBatchSize: 64,
		MinBatchSize:      16,
		MaxBatchSize:      256,
		UsePowerOfTwo:     true,

		AdaptationPolicy:   "reactive",
		AdaptationInterval: 5,
		WarmupRounds:       10,
		EnableRollback:     true,

		RewardStrategy: "proportional",

		MaxConsecutiveFailures:  5,
		HeartbeatTimeoutSeconds: 45,
		HashRingVirtualNodes:    150,

		CheckpointIntervalRounds: 10,
		MetricsNamespace:         "trainmesh",

		StorePath:  "coordinator.db",
		ListenAddr: "127.0.0.1:8780",
	}
}

// Load reads and decodes a TOML configuration file over DefaultConfig(),
// then applies environment-variable overrides for secrets. An unknown key
// in the file is a hard error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys: %v", path, undecoded)
	}
	if cfg.MetricsNamespace != "trainmesh" {
		return Config{}, fmt.Errorf("load config %s: metrics_namespace must be %q, got %q", path, "trainmesh", cfg.MetricsNamespace)
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides fills sink credentials from the environment. These
// never live in the checked-in TOML file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TRAINMESH_REWARD_SINK_URL"); v != "" {
		c.RewardSinkURL = v
	}
	if v := os.Getenv("TRAINMESH_CONTRIBUTION_SINK_URL"); v != "" {
		c.ContributionSinkURL = v
	}
}

// RegistryConfig builds the node registry's Config.
func (c Config) RegistryConfig() registry.Config {
	return registry.Config{
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		HashRingVirtualNodes:   c.HashRingVirtualNodes,
	}
}

// NetmonitorConfig builds the network quality monitor's Config.
func (c Config) NetmonitorConfig() netmonitor.Config {
	return netmonitor.Config{
		GraceSeconds:    float64(c.HeartbeatTimeoutSeconds),
		ChangeThreshold: 3,
	}
}

// AggregatorConfig builds the gradient aggregator's Config.
func (c Config) AggregatorConfig() (aggregator.Config, error) {
	strategy, err := aggregationStrategy(c.AggregationStrategy)
	if err != nil {
		return aggregator.Config{}, err
	}
	return aggregator.Config{
		Strategy:           strategy,
		MinNodesPercentage: c.MinNodesPercentage,
		RoundTimeout:       time.Duration(c.TimeoutSeconds) * time.Second,
		GradientClipValue:  c.GradientClipValue,
		MaxRoundHistory:    200,
	}, nil
}

// SelectorConfig builds the node selector's Config.
func (c Config) SelectorConfig() (selector.Config, error) {
	strategy, err := selectionStrategy(c.SelectionStrategy)
	if err != nil {
		return selector.Config{}, err
	}
	return selector.Config{
		Strategy:            strategy,
		MinQualityScore:     c.MinQualityScore,
		MaxSelectedNodes:    c.MaxSelectedNodes,
		QuarantineEnabled:   c.EnableQuarantine,
		QuarantineThreshold: c.QuarantineThreshold,
		QuarantineDuration:  time.Duration(c.QuarantineDuration) * time.Second,
		ProbationSteps:      c.ProbationSteps,
	}, nil
}

// BatchctlConfig builds the adaptive batch controller's Config.
func (c Config) BatchctlConfig() (batchctl.Config, error) {
	strategy, err := batchStrategy(c.BatchStrategy)
	if err != nil {
		return batchctl.Config{}, err
	}
	return batchctl.Config{
		Strategy:           strategy,
		Baseline:           c.BaselineBatchSize,
		MinBatch:           c.MinBatchSize,
		MaxBatch:           c.MaxBatchSize,
		RoundToPowerOfTwo:  c.UsePowerOfTwo,
		AdaptationInterval: 30 * time.Second,
	}, nil
}

// OrchestratorConfig builds the adaptive orchestrator's Config.
func (c Config) OrchestratorConfig() (orchestrator.Config, error) {
	policy, err := adaptationPolicy(c.AdaptationPolicy)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Policy:             policy,
		WarmupRounds:       c.WarmupRounds,
		AdaptationInterval: c.AdaptationInterval,
		ConvergenceWindow:  20,
		ConvergenceCoVMax:  0.05,
		MaxSnapshots:       10,
	}, nil
}

// CoordinatorConfig builds the round coordinator's Config.
func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MaxConcurrentDispatch: 64,
		StepsPerEpoch:         100,
		CheckpointInterval:    c.CheckpointIntervalRounds,
	}
}

// RewardConfig builds the reward calculator's Config.
func (c Config) RewardConfig() (reward.Config, error) {
	strategy, err := rewardStrategy(c.RewardStrategy)
	if err != nil {
		return reward.Config{}, err
	}
	return reward.Config{Strategy: strategy, MinPercentage: 0.5}, nil
}

// HeartbeatTimeout is the registry's SweepTimeouts argument, derived from
// HeartbeatTimeoutSeconds.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func aggregationStrategy(s string) (aggregator.Strategy, error) {
	switch s {
	case "simple", "":
		return aggregator.StrategySimpleAverage, nil
	case "weighted":
		return aggregator.StrategyWeightedAverage, nil
	case "federated":
		return aggregator.StrategyFederatedAveraging, nil
	default:
		return "", fmt.Errorf("unknown aggregation_strategy %q", s)
	}
}

func selectionStrategy(s string) (selector.Strategy, error) {
	switch s {
	case "all":
		return selector.StrategyAllAvailable, nil
	case "threshold":
		return selector.StrategyQualityThreshold, nil
	case "top_n":
		return selector.StrategyTopN, nil
	case "adaptive", "":
		return selector.StrategyAdaptiveThreshold, nil
	case "contribution":
		return selector.StrategyContributionBased, nil
	default:
		return "", fmt.Errorf("unknown selection_strategy %q", s)
	}
}

func batchStrategy(s string) (batchctl.Strategy, error) {
	switch s {
	case "fixed":
		return batchctl.StrategyFixed, nil
	case "latency":
		return batchctl.StrategyLatencyBased, nil
	case "throughput":
		return batchctl.StrategyThroughputBased, nil
	case "hybrid", "":
		return batchctl.StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown batch_strategy %q", s)
	}
}

func adaptationPolicy(s string) (domain.AdaptationPolicy, error) {
	switch domain.AdaptationPolicy(s) {
	case domain.PolicyConservative, domain.PolicyAggressive, domain.PolicyReactive, domain.PolicyProactive:
		return domain.AdaptationPolicy(s), nil
	case "":
		return domain.PolicyReactive, nil
	default:
		return "", fmt.Errorf("unknown adaptation_policy %q", s)
	}
}

func rewardStrategy(s string) (domain.RewardStrategy, error) {
	switch domain.RewardStrategy(s) {
	case domain.RewardProportional, domain.RewardTiered, domain.RewardPerformance, domain.RewardHybrid:
		return domain.RewardStrategy(s), nil
	case "":
		return domain.RewardProportional, nil
	default:
		return "", fmt.Errorf("unknown reward_strategy %q", s)
	}
}
