package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trainmesh/coordinator/internal/api"
	"github.com/trainmesh/coordinator/internal/app/coordinator"
	"github.com/trainmesh/coordinator/internal/app/orchestrator"
	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/aggregator"
	"github.com/trainmesh/coordinator/internal/infra/autoscale"
	"github.com/trainmesh/coordinator/internal/infra/batchctl"
	"github.com/trainmesh/coordinator/internal/infra/config"
	"github.com/trainmesh/coordinator/internal/infra/contribution"
	"github.com/trainmesh/coordinator/internal/infra/mlscheduler"
	"github.com/trainmesh/coordinator/internal/infra/netmonitor"
	"github.com/trainmesh/coordinator/internal/infra/registry"
	"github.com/trainmesh/coordinator/internal/infra/reward"
	"github.com/trainmesh/coordinator/internal/infra/selector"
	"github.com/trainmesh/coordinator/internal/infra/store"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

var (
	sessionID     string
	minNodes      int
	maxNodes      int
	learningRate  float64
	initParamsPath string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&sessionID, "session", "", "training session id (generated if empty)")
	serveCmd.Flags().IntVar(&minNodes, "min-nodes", 1, "minimum worker pool size")
	serveCmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "maximum worker pool size (0 = unbounded)")
	serveCmd.Flags().Float64Var(&learningRate, "learning-rate", 1.0, "scale applied to the aggregated gradient each round")
	serveCmd.Flags().StringVar(&initParamsPath, "init-params", "", "JSON file containing the session's initial domain.ParameterSet (a minimal placeholder is used if empty)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long:  `Start the round engine, adaptive orchestrator, and HTTP API for one training session.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	log := telemetry.NewLogger("serve")

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	configJSON, _ := json.Marshal(cfg)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := db.CreateSession(ctx, sessionID, minNodes, maxNodes, string(configJSON)); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	reg := registry.NewManager(cfg.RegistryConfig(), db)
	monitor := netmonitor.NewMonitor(cfg.NetmonitorConfig())
	contrib := contribution.NewCalculator()

	batchCfg, err := cfg.BatchctlConfig()
	if err != nil {
		return err
	}
	batch := batchctl.NewController(batchCfg)

	selCfg, err := cfg.SelectorConfig()
	if err != nil {
		return err
	}
	sel := selector.NewSelector(selCfg, db)
	sel.UseBandit(mlscheduler.NewScheduler(mlscheduler.DefaultConfig()))

	aggCfg, err := cfg.AggregatorConfig()
	if err != nil {
		return err
	}
	agg := aggregator.NewAggregator(aggCfg, 4096)

	scaler := autoscale.NewScaler(autoscale.DefaultConfig())

	orchCfg, err := cfg.OrchestratorConfig()
	if err != nil {
		return err
	}
	orch := orchestrator.New(orchCfg, reg, monitor, batch, sel, scaler)

	initial, err := loadInitialParams(initParamsPath)
	if err != nil {
		return err
	}
	params := coordinator.NewInMemoryParams(initial, learningRate)

	intake := api.NewGradientIntake(1024)

	// The worker-facing wire transport is out of scope (see SPEC_FULL.md
	// §6): dispatch/broadcast are left nil, so the round loop skips
	// them rather than reaching for a concrete protocol binding.
	co := coordinator.New(cfg.CoordinatorConfig(), sessionID, orch, agg, contrib, nil, db, params)

	rewardCfg, err := cfg.RewardConfig()
	if err != nil {
		return err
	}
	rewards := reward.NewCalculator(rewardCfg)

	srv := api.NewServer(sessionID, reg, co, orch, contrib, rewards, intake)
	srv.EnableMetrics()

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	go func() {
		log.Printf("API listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server stopped: %v", err)
		}
	}()
	defer httpSrv.Shutdown(context.Background())

	go runHeartbeatSweep(ctx, reg, cfg.HeartbeatTimeout())
	go runReputationDecay(ctx, contrib)

	orch.StartTraining()
	log.Printf("session %s started (round timeout %ds)", sessionID, cfg.TimeoutSeconds)

	roundTimeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return nil
		default:
		}
		if err := co.RunRound(ctx, roundTimeout, intake.Next); err != nil {
			log.Printf("round error: %v", err)
		}
		if snap, ok := orch.MaybeRollback(); ok {
			orch.ApplyRollback(snap)
			log.Printf("rolled back to round %d snapshot (%d workers force-included)", snap.Round, len(snap.ForceIncludeIDs))
		}
	}
}

func runHeartbeatSweep(ctx context.Context, reg *registry.Manager, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SweepTimeouts(timeout)
		}
	}
}

func runReputationDecay(ctx context.Context, contrib *contribution.Calculator) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			contrib.ApplyReputationDecay()
		}
	}
}

func loadConfigOrDefault(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	return config.Load(path)
}

func loadInitialParams(path string) (domain.ParameterSet, error) {
	if path == "" {
		return domain.ParameterSet{
			Version: 0,
			Names:   []string{"w"},
			Params:  map[string]domain.ParamArray{"w": {Shape: []int{4}, Data: make([]float64, 4)}},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ParameterSet{}, fmt.Errorf("read init params: %w", err)
	}
	var p domain.ParameterSet
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ParameterSet{}, fmt.Errorf("parse init params: %w", err)
	}
	return p, nil
}
