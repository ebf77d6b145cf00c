// Package registry implements the Worker Registry (C10): indices from
// agent ID and role to connected workers, in-flight workload counters,
// and a pick(role) selection policy. Grounded on the predecessor's
// internal/routing/router.go (SelectProvider/scoreCandidates), whose
// provider-scoring shape is generalized here from LLM providers to
// connected ACP workers.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/hub"
	"github.com/jordanhubbard/loomd/internal/models"
)

// Worker is one connected agent's registry entry.
type Worker struct {
	AgentID      string
	Role         models.AgentRole
	Session      *hub.Session
	ConnectedAt  time.Time
	InFlight     int
	SuccessCount int64
	FailureCount int64
	LastActiveAt time.Time
}

// SuccessRate mirrors models.Pattern's nil-when-zero-denominator rule.
func (w *Worker) SuccessRate() *float64 {
	total := w.SuccessCount + w.FailureCount
	if total == 0 {
		return nil
	}
	rate := float64(w.SuccessCount) / float64(total)
	return &rate
}

// Registry indexes workers by agent ID and role, and tracks in-flight
// counts used both by the selection policy and by /health's capacity report.
type Registry struct {
	mu       sync.RWMutex
	byAgent  map[string]*Worker
	byRole   map[models.AgentRole]map[string]*Worker // role -> agentID -> Worker
}

func New() *Registry {
	return &Registry{
		byAgent: make(map[string]*Worker),
		byRole:  make(map[models.AgentRole]map[string]*Worker),
	}
}

// Register adds a newly connected worker to both indices.
func (r *Registry) Register(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[w.AgentID] = w
	if r.byRole[w.Role] == nil {
		r.byRole[w.Role] = make(map[string]*Worker)
	}
	r.byRole[w.Role][w.AgentID] = w
}

// Deregister removes a worker, e.g. after its session closes.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byAgent[agentID]
	if !ok {
		return
	}
	delete(r.byAgent, agentID)
	delete(r.byRole[w.Role], agentID)
}

// Get looks up a worker by agent ID.
func (r *Registry) Get(agentID string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byAgent[agentID]
	return w, ok
}

// ByRole returns a snapshot slice of workers registered under role.
func (r *Registry) ByRole(role models.AgentRole) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workers := make([]*Worker, 0, len(r.byRole[role]))
	for _, w := range r.byRole[role] {
		workers = append(workers, w)
	}
	return workers
}

// Count returns the total number of connected workers across all roles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}

// IncrementInFlight/DecrementInFlight adjust a worker's in-flight
// delegation counter; callers hold the registry's lock only for the
// duration of the adjustment.
func (r *Registry) IncrementInFlight(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.byAgent[agentID]; ok {
		w.InFlight++
		w.LastActiveAt = time.Now()
	}
}

func (r *Registry) DecrementInFlight(agentID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byAgent[agentID]
	if !ok {
		return
	}
	if w.InFlight > 0 {
		w.InFlight--
	}
	if success {
		w.SuccessCount++
	} else {
		w.FailureCount++
	}
	w.LastActiveAt = time.Now()
}

// Pick selects the best candidate worker for role; it is PickExcluding
// with an empty exclusion set.
func (r *Registry) Pick(role models.AgentRole) (*Worker, error) {
	return r.PickExcluding(role, nil)
}

// PickExcluding selects the best candidate worker for role, skipping any
// agent ID present in excluded. The Orchestrator uses this for its single
// retry on a different candidate after a transport failure (spec.md
// §4.8's Dispatch step). Ranking: orders candidates by in-flight count
// (lowest first), then breaks ties by success rate descending, then by
// connection age ascending (the predecessor's scoreCandidates used the
// same "most idle, most reliable, longest tenured" ordering for provider
// selection).
func (r *Registry) PickExcluding(role models.AgentRole, excluded map[string]bool) (*Worker, error) {
	r.mu.RLock()
	candidates := make([]*Worker, 0, len(r.byRole[role]))
	for id, w := range r.byRole[role] {
		if excluded[id] {
			continue
		}
		candidates = append(candidates, w)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.NotFound, "NoWorker: no workers available for role").WithField("role", string(role))
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		aRate, bRate := rateOrZero(a), rateOrZero(b)
		if aRate != bRate {
			return aRate > bRate
		}
		return a.ConnectedAt.Before(b.ConnectedAt)
	})
	return candidates[0], nil
}

func rateOrZero(w *Worker) float64 {
	if rate := w.SuccessRate(); rate != nil {
		return *rate
	}
	return 0
}
