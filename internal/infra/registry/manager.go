// Package registry tracks the set of training workers known to the
// coordinator: registration, heartbeats, failure accounting, and the
// shard assignment each worker owns.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/dsa"
	"github.com/trainmesh/coordinator/internal/infra/store"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// Config configures the registry's failure-eviction behavior and shard
// placement.
type Config struct {
	MaxConsecutiveFailures int // auto-remove a worker once its streak reaches this
	HashRingVirtualNodes   int // replica points per worker on the shard ring
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: 5, HashRingVirtualNodes: 150}
}

// Manager is the registry of known training workers.
// Shard assignment is delegated to a consistent hash ring so that
// worker churn reshuffles only the O(K/n) shards that must move.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	workers map[string]*domain.WorkerInfo
	ring    *dsa.HashRing
	db      *store.DB
	log     *telemetry.Logger
}

// NewManager creates an empty registry. db may be nil, in which case
// shard assignments are not persisted (useful for tests).
func NewManager(cfg Config, db *store.DB) *Manager {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.HashRingVirtualNodes <= 0 {
		cfg.HashRingVirtualNodes = 150
	}
	return &Manager{
		cfg:     cfg,
		workers: make(map[string]*domain.WorkerInfo),
		ring:    dsa.NewHashRing(dsa.HashRingConfig{VirtualNodes: cfg.HashRingVirtualNodes}),
		db:      db,
		log:     telemetry.NewLogger("registry"),
	}
}

// Register adds a new worker in the initializing state, or re-registers
// an already-known worker (e.g. after a process restart). A duplicate ID
// is not an error: the existing record's address/capacity are refreshed
// and its failure streak is reset to 0, but its RegisteredAt and payout
// address survive the re-registration unless the new payload sets its
// own payout address explicitly.
func (m *Manager) Register(w domain.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.workers[w.ID]; exists {
		w.RegisteredAt = existing.RegisteredAt
		if w.PayoutAddress == "" {
			w.PayoutAddress = existing.PayoutAddress
		}
		w.ConsecutiveFails = 0
		w.Heartbeats = existing.Heartbeats
		w.LastHeartbeat = time.Now()
		if w.Status == "" {
			w.Status = domain.WorkerReady
		}
		*existing = w
		m.refreshMetrics()
		m.log.Printf("re-registered worker %s (%s), failure streak reset", w.ID, w.Address)
		return nil
	}

	if w.Status == "" {
		w.Status = domain.WorkerInitializing
	}
	w.RegisteredAt = time.Now()
	w.LastHeartbeat = w.RegisteredAt
	m.workers[w.ID] = &w
	m.ring.AddNode(w.ID)
	m.refreshMetrics()
	m.log.Printf("registered worker %s (%s)", w.ID, w.Address)
	return nil
}

// Remove evicts a worker entirely (e.g. on graceful shutdown).
func (m *Manager) Remove(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[workerID]; !exists {
		return fmt.Errorf("remove %s: %w", workerID, domain.ErrWorkerNotFound)
	}
	delete(m.workers, workerID)
	m.ring.RemoveNode(workerID)
	m.refreshMetrics()
	telemetry.RegistryRemovals.WithLabelValues("manual").Inc()
	return nil
}

// Heartbeat records a successful contact with the worker, clearing its
// failure streak and advancing it out of initializing/degraded states.
func (m *Manager) Heartbeat(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", workerID, domain.ErrWorkerNotFound)
	}
	w.Heartbeats++
	w.ConsecutiveFails = 0
	w.LastHeartbeat = time.Now()
	if w.Status == domain.WorkerInitializing || w.Status == domain.WorkerDegraded || w.Status == domain.WorkerOffline {
		w.Status = domain.WorkerReady
	}
	m.refreshMetrics()
	return nil
}

// RecordFailure records a missed contact or failed round participation.
// Once its streak reaches MaxConsecutiveFailures, the worker is evicted from the ring
// entirely rather than merely marked degraded — repeated timeouts are
// treated as a structural departure, not transient noise.
func (m *Manager) RecordFailure(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("record failure %s: %w", workerID, domain.ErrWorkerNotFound)
	}
	w.ConsecutiveFails++
	if w.ConsecutiveFails >= m.cfg.MaxConsecutiveFailures {
		delete(m.workers, workerID)
		m.ring.RemoveNode(workerID)
		m.refreshMetrics()
		telemetry.RegistryRemovals.WithLabelValues("max_failures").Inc()
		m.log.Printf("evicted worker %s after %d consecutive failures", workerID, w.ConsecutiveFails)
		return nil
	}
	w.Status = domain.WorkerDegraded
	m.refreshMetrics()
	return nil
}

// SetStatus transitions a worker to an explicit status (e.g. training,
// idle) outside the heartbeat/failure bookkeeping path.
func (m *Manager) SetStatus(workerID string, status domain.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("set status %s: %w", workerID, domain.ErrWorkerNotFound)
	}
	w.Status = status
	m.refreshMetrics()
	return nil
}

// Get returns a copy of a worker's record.
func (m *Manager) Get(workerID string) (domain.WorkerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	if !ok {
		return domain.WorkerInfo{}, fmt.Errorf("get %s: %w", workerID, domain.ErrWorkerNotFound)
	}
	return *w, nil
}

// List returns every registered worker, sorted by ID for stable output.
func (m *Manager) List() []domain.WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible returns every worker currently eligible for round selection.
func (m *Manager) Eligible() []domain.WorkerInfo {
	all := m.List()
	out := make([]domain.WorkerInfo, 0, len(all))
	for _, w := range all {
		if w.Status.IsEligible() {
			out = append(out, w)
		}
	}
	return out
}

// SweepTimeouts records a failure against every worker whose last
// heartbeat is older than timeout, returning the number flagged. Intended
// to run on a periodic ticker alongside the explicit Heartbeat calls
// workers make on contact.
func (m *Manager) SweepTimeouts(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	m.mu.RLock()
	var stale []string
	for id, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		_ = m.RecordFailure(id)
	}
	return len(stale)
}

// Count returns the number of registered workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// HealthBuckets summarizes the registry by HealthBucket, for the
// coordinator's status endpoint.
func (m *Manager) HealthBuckets() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buckets := map[string]int{"healthy": 0, "degraded": 0, "offline": 0}
	for _, w := range m.workers {
		buckets[w.HealthBucket()]++
	}
	return buckets
}

// AssignShard maps a data shard key to the worker responsible for it via
// the consistent hash ring, and persists the assignment when a store is
// configured. Re-assignment on worker churn touches only the shards whose
// ring position moved, not the whole session.
func (m *Manager) AssignShard(ctx context.Context, sessionID string, shardIndex int) (string, error) {
	m.mu.RLock()
	workerID := m.ring.Lookup(fmt.Sprintf("%s/%d", sessionID, shardIndex))
	m.mu.RUnlock()

	if workerID == "" {
		return "", domain.ErrInsufficientNodes
	}
	if m.db != nil {
		if err := m.db.AssignShard(ctx, sessionID, shardIndex, workerID); err != nil {
			return "", fmt.Errorf("persist shard assignment: %w", err)
		}
	}
	return workerID, nil
}

// refreshMetrics recomputes the per-status gauge. Called with mu held.
func (m *Manager) refreshMetrics() {
	counts := map[domain.WorkerStatus]int{}
	for _, w := range m.workers {
		counts[w.Status]++
	}
	for _, status := range []domain.WorkerStatus{
		domain.WorkerInitializing, domain.WorkerReady, domain.WorkerTraining,
		domain.WorkerIdle, domain.WorkerDegraded, domain.WorkerOffline, domain.WorkerError,
	} {
		telemetry.RegistryWorkers.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
