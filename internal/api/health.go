package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCache memoizes the last health composition for ttl, so a health
// check storm from a load balancer doesn't hammer every dependency on
// every probe.
type healthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	at      time.Time
	payload healthResponse
}

func newHealthCache(ttl time.Duration) *healthCache {
	return &healthCache{ttl: ttl}
}

type dependencyStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string              `json:"status"` // "healthy" | "degraded"
	Dependencies []dependencyStatus  `json:"dependencies"`
	CheckedAt    time.Time           `json:"checked_at"`
}

// handleHealth composes every registered dependency check. It never
// panics: a failing check is reported as an unhealthy dependency, never
// as a 500 — the endpoint itself always returns 200 with a status field,
// so a load balancer can distinguish "degraded but serving" from "down".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthCache.mu.Lock()
	if time.Since(s.healthCache.at) < s.healthCache.ttl {
		cached := s.healthCache.payload
		s.healthCache.mu.Unlock()
		respondJSON(w, http.StatusOK, cached)
		return
	}
	s.healthCache.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", CheckedAt: time.Now()}
	for name, check := range s.healthChecks {
		dep := dependencyStatus{Name: name, Healthy: true}
		if err := safeCheck(ctx, check); err != nil {
			dep.Healthy = false
			dep.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Dependencies = append(resp.Dependencies, dep)
	}

	s.healthCache.mu.Lock()
	s.healthCache.at = time.Now()
	s.healthCache.payload = resp
	s.healthCache.mu.Unlock()

	respondJSON(w, http.StatusOK, resp)
}

// safeCheck recovers from a panicking dependency check so one broken
// health probe can't take the whole endpoint down.
func safeCheck(ctx context.Context, check HealthChecker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = context.DeadlineExceeded
		}
	}()
	return check(ctx)
}
