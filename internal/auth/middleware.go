package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "loomd.auth.principal"

// ExemptPaths never go through API key verification or rate limiting;
// a load balancer's liveness probe shouldn't need a credential.
var ExemptPaths = map[string]bool{
	"/health":        true,
	"/metrics":       true,
	"/api/v1/health": true,
}

// Middleware bundles the Verifier and RateLimiter into a single
// net/http middleware, mirroring the predecessor's internal/auth/middleware.go
// layering but generalized to the daemon's require_auth config toggle.
type Middleware struct {
	verifier    *Verifier
	limiter     *RateLimiter
	requireAuth func() bool
}

func NewMiddleware(verifier *Verifier, limiter *RateLimiter, requireAuth func() bool) *Middleware {
	return &Middleware{verifier: verifier, limiter: limiter, requireAuth: requireAuth}
}

// Wrap returns an http.Handler that rate-limits and authenticates before
// delegating to next. Exempt paths skip both checks.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIPFromRequest(r)
		var apiKeyID string

		if m.requireAuth == nil || m.requireAuth() {
			id, secret, err := ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "missing or malformed credentials")
				return
			}
			principal, err := m.verifier.Verify(id, secret)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			apiKeyID = principal.ID
			r = r.WithContext(context.WithValue(r.Context(), principalContextKey, principal))
		}

		if m.limiter != nil {
			if err := m.limiter.Allow(clientIP, apiKeyID); err != nil {
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// RequirePermission wraps next so it 403s unless the authenticated
// principal (set by Wrap) holds permission.
func RequirePermission(permission Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || !principal.Allows(permission) {
			writeAuthError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext recovers the Principal a Middleware attached.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
