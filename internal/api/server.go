// Package api exposes the coordinator's operator- and worker-facing HTTP
// surface: health/status/metrics for operators, and the worker-facing
// gradient submission and heartbeat endpoints that feed the round engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trainmesh/coordinator/internal/app/coordinator"
	"github.com/trainmesh/coordinator/internal/app/orchestrator"
	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/contribution"
	"github.com/trainmesh/coordinator/internal/infra/registry"
	"github.com/trainmesh/coordinator/internal/infra/reward"
)

// Server is the coordinator's HTTP API.
type Server struct {
	registry       *registry.Manager
	coord          *coordinator.Coordinator
	orch           *orchestrator.Orchestrator
	contrib        *contribution.Calculator
	rewards        *reward.Calculator
	intake         *GradientIntake
	metricsEnabled bool
	sessionID      string
}

// NewServer creates the coordinator API over its core components.
func NewServer(sessionID string, reg *registry.Manager, coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, contrib *contribution.Calculator, rewards *reward.Calculator, intake *GradientIntake) *Server {
	return &Server{
		sessionID: sessionID,
		registry:  reg,
		coord:     coord,
		orch:      orch,
		contrib:   contrib,
		rewards:   rewards,
		intake:    intake,
	}
}

// EnableMetrics turns on the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/workers", func(r chi.Router) {
		r.Post("/register", s.handleWorkerRegister)
		r.Post("/{id}/heartbeat", s.handleWorkerHeartbeat)
	})

	r.Post("/rounds/gradients", s.handleGradientSubmission)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/report", s.handleSessionReport)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the coordinator's point-in-time summary.
type statusResponse struct {
	SessionID string                `json:"session_id"`
	Phase     domain.TrainingPhase  `json:"phase"`
	Round     coordinator.Stats     `json:"round"`
	Workers   map[string]int        `json:"worker_health"`
	Counters  orchestrator.Counters `json:"orchestrator"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		SessionID: s.sessionID,
		Phase:     s.orch.Phase(),
		Round:     s.coord.Stats(),
		Workers:   s.registry.HealthBuckets(),
		Counters:  s.orch.Counters(),
	})
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var in domain.WorkerInfo
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker payload: "+err.Error())
		return
	}
	if in.ID == "" {
		writeError(w, http.StatusBadRequest, "worker id is required")
		return
	}
	if err := s.registry.Register(in); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Heartbeat(id); err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGradientSubmission(w http.ResponseWriter, r *http.Request) {
	var sub domain.GradientSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid gradient payload: "+err.Error())
		return
	}
	if sub.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	if !s.intake.Offer(r.Context(), sub) {
		writeError(w, http.StatusServiceUnavailable, "round is not accepting submissions")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// sessionReport is the end-of-session summary: every worker's
// contribution record, reputation-based trust tier, and, if computed,
// the outlier flags.
type sessionReport struct {
	SessionID    string                                `json:"session_id"`
	Contribution map[string]domain.ContributionRecord   `json:"contribution"`
	TrustTiers   map[string]string                      `json:"trust_tiers,omitempty"`
	Outliers     []contribution.Outlier                 `json:"outliers,omitempty"`
}

func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records := s.contrib.Snapshot()
	tiers := make(map[string]string, len(records))
	for workerID := range records {
		if tier := s.contrib.TrustTier(workerID); tier != "" {
			tiers[workerID] = tier
		}
	}
	writeJSON(w, http.StatusOK, sessionReport{
		SessionID:    id,
		Contribution: records,
		TrustTiers:   tiers,
		Outliers:     s.contrib.Outliers(3.0),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": msg},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
