// Package auth implements the daemon's auth perimeter (C3): constant-time
// API key comparison, a layered token-bucket rate limiter, and JWT
// issuance/validation (TokenIssuer). The WebSocket hub has no
// "authenticate" RPC and does not call TokenIssuer. Grounded on the predecessor's internal/auth/middleware.go and
// internal/auth/models.go, generalized from its HTTP-session model to the
// daemon's combined HTTP+WebSocket ingress.
package auth

import (
	"crypto/subtle"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// Permission is a colon-scoped capability string, e.g. "task:create" or
// "agent:*". The predecessor's PreDefinedRoles table used the same shape.
type Permission string

// Role bundles a set of permissions under a name assignable to an API key
// or JWT subject.
type Role struct {
	Name        string
	Permissions []Permission
}

// PreDefinedRoles mirrors the predecessor's role table, trimmed to the
// permissions this daemon's API surface actually checks.
var PreDefinedRoles = map[string]Role{
	"admin": {
		Name:        "admin",
		Permissions: []Permission{"*"},
	},
	"operator": {
		Name: "operator",
		Permissions: []Permission{
			"task:create", "task:read", "task:cancel",
			"agent:read", "pattern:read", "pattern:search",
		},
	},
	"worker": {
		Name: "worker",
		Permissions: []Permission{
			"task:read", "pattern:read", "pattern:search", "pattern:write",
		},
	},
	"readonly": {
		Name:        "readonly",
		Permissions: []Permission{"task:read", "agent:read", "pattern:read"},
	},
}

// Allows reports whether role grants permission, honoring the "*"
// wildcard the predecessor used for its admin role.
func (r Role) Allows(permission Permission) bool {
	for _, p := range r.Permissions {
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// APIKey is a registered credential: its opaque secret, the role it
// carries, and a human label for audit logs.
type APIKey struct {
	ID     string
	Secret string
	Role   string
	Label  string
}

// Principal is what a successfully authenticated request carries forward:
// either an API key or a JWT subject, never both.
type Principal struct {
	Kind    string // "api_key" | "jwt"
	ID      string
	Role    string
	Subject string
}

// Allows reports whether the principal's role grants permission.
func (p Principal) Allows(permission Permission) bool {
	role, ok := PreDefinedRoles[p.Role]
	if !ok {
		return false
	}
	return role.Allows(permission)
}

// Verifier holds the registered API keys and checks presented secrets
// against them in constant time, so a mistyped key can't be distinguished
// from a wrong one by timing.
type Verifier struct {
	keys map[string]APIKey // keyed by ID
}

func NewVerifier(keys []APIKey) *Verifier {
	v := &Verifier{keys: make(map[string]APIKey, len(keys))}
	for _, k := range keys {
		v.keys[k.ID] = k
	}
	return v
}

// Verify checks id/secret against the registered key set using
// crypto/subtle.ConstantTimeCompare, returning the matching Principal.
func (v *Verifier) Verify(id, secret string) (Principal, error) {
	key, ok := v.keys[id]
	if !ok {
		// Still do a dummy compare so a missing ID takes the same time as
		// a present one with a wrong secret.
		subtle.ConstantTimeCompare([]byte(secret), []byte(secret))
		return Principal{}, apperrors.New(apperrors.Auth, "invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(key.Secret)) != 1 {
		return Principal{}, apperrors.New(apperrors.Auth, "invalid api key")
	}
	return Principal{Kind: "api_key", ID: key.ID, Role: key.Role}, nil
}

// ParseBearer splits an "Authorization: Bearer <id>:<secret>" header value
// into its id/secret components, the encoding the predecessor's CLI client
// used for API keys.
func ParseBearer(header string) (id, secret string, err error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", "", apperrors.New(apperrors.Auth, "missing bearer token")
	}
	token := header[len(prefix):]
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i], token[i+1:], nil
		}
	}
	return "", "", apperrors.New(apperrors.Auth, "malformed bearer token")
}
