package auth

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// LimitTier names which layer of the limiter rejected a request, surfaced
// as a structured field on the returned error.
type LimitTier string

const (
	LimitGlobal LimitTier = "global"
	LimitPerIP  LimitTier = "per_ip"
	LimitPerKey LimitTier = "per_api_key"
)

// RateLimiter enforces three independent token buckets, matching
// SPEC_FULL.md's "layered" requirement: a single noisy client can't starve
// the global budget, and a single global burst can't starve other clients.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	perIP   map[string]*rate.Limiter
	perKey  map[string]*rate.Limiter
	ipRate  rate.Limit
	ipBurst int
	keyRate rate.Limit
	keyBurst int
}

// NewRateLimiter builds a limiter with the given rates-per-second and
// burst sizes for each of the three layers.
func NewRateLimiter(globalRPS float64, globalBurst int, perIPRPS float64, perIPBurst int, perKeyRPS float64, perKeyBurst int) *RateLimiter {
	return &RateLimiter{
		global:   rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		perIP:    make(map[string]*rate.Limiter),
		perKey:   make(map[string]*rate.Limiter),
		ipRate:   rate.Limit(perIPRPS),
		ipBurst:  perIPBurst,
		keyRate:  rate.Limit(perKeyRPS),
		keyBurst: perKeyBurst,
	}
}

func (rl *RateLimiter) limiterFor(m map[string]*rate.Limiter, key string, r rate.Limit, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := m[key]
	if !ok {
		lim = rate.NewLimiter(r, burst)
		m[key] = lim
	}
	return lim
}

// Allow checks all three layers in order (global, per-IP, per-key) and
// returns the first one that rejects, so callers can log which budget was
// exhausted. The global layer is always consulted; the per-IP or per-key
// layer is skipped when clientIP or apiKeyID is empty (e.g. pre-auth
// requests skip the per-key layer).
func (rl *RateLimiter) Allow(clientIP, apiKeyID string) error {
	if !rl.global.Allow() {
		return apperrors.New(apperrors.Policy, "rate limit exceeded").WithField("limit_type", string(LimitGlobal))
	}
	if clientIP != "" {
		if !rl.limiterFor(rl.perIP, clientIP, rl.ipRate, rl.ipBurst).Allow() {
			return apperrors.New(apperrors.Policy, "rate limit exceeded").WithField("limit_type", string(LimitPerIP))
		}
	}
	if apiKeyID != "" {
		if !rl.limiterFor(rl.perKey, apiKeyID, rl.keyRate, rl.keyBurst).Allow() {
			return apperrors.New(apperrors.Policy, "rate limit exceeded").WithField("limit_type", string(LimitPerKey))
		}
	}
	return nil
}
