package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_VerifyAcceptsCorrectSecret(t *testing.T) {
	v := NewVerifier([]APIKey{{ID: "k1", Secret: "s3cret", Role: "operator", Label: "ci"}})

	principal, err := v.Verify("k1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "operator", principal.Role)
	assert.Equal(t, "k1", principal.ID)
}

func TestVerifier_VerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier([]APIKey{{ID: "k1", Secret: "s3cret", Role: "operator"}})

	_, err := v.Verify("k1", "wrong")
	assert.Error(t, err)
}

func TestVerifier_VerifyRejectsUnknownID(t *testing.T) {
	v := NewVerifier([]APIKey{{ID: "k1", Secret: "s3cret", Role: "operator"}})

	_, err := v.Verify("missing", "s3cret")
	assert.Error(t, err)
}

func TestRole_AllowsWildcard(t *testing.T) {
	admin := PreDefinedRoles["admin"]
	assert.True(t, admin.Allows("anything:goes"))
}

func TestRole_AllowsExactMatchOnly(t *testing.T) {
	readonly := PreDefinedRoles["readonly"]
	assert.True(t, readonly.Allows("task:read"))
	assert.False(t, readonly.Allows("task:create"))
}

func TestParseBearer(t *testing.T) {
	id, secret, err := ParseBearer("Bearer abc:xyz123")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "xyz123", secret)
}

func TestParseBearer_RejectsMalformed(t *testing.T) {
	_, _, err := ParseBearer("Basic abc:xyz")
	assert.Error(t, err)

	_, _, err = ParseBearer("Bearer no-colon-here")
	assert.Error(t, err)
}

func TestTokenIssuer_IssueAndVerifyRoundTrips(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Minute)

	token, err := issuer.Issue("agent-7", "worker")
	require.NoError(t, err)

	principal, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", principal.ID)
	assert.Equal(t, "worker", principal.Role)
	assert.Equal(t, "jwt", principal.Kind)
}

func TestTokenIssuer_VerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("right-secret"), time.Minute)
	token, err := issuer.Issue("agent-1", "worker")
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("wrong-secret"), time.Minute)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestRateLimiter_AllowsWithinBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(1000, 2, 1000, 2, 1000, 2)

	require.NoError(t, rl.Allow("1.2.3.4", "key-1"))
	require.NoError(t, rl.Allow("1.2.3.4", "key-1"))
	err := rl.Allow("1.2.3.4", "key-1")
	assert.Error(t, err)
}

func TestRateLimiter_SeparatesBudgetsPerIP(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 1000, 1, 1000, 1000)

	require.NoError(t, rl.Allow("1.1.1.1", ""))
	require.Error(t, rl.Allow("1.1.1.1", ""))
	require.NoError(t, rl.Allow("2.2.2.2", ""))
}
