package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// Claims is the JWT payload a TokenIssuer signs for a worker session.
// The hub does not use TokenIssuer: it handles no "authenticate" RPC, so
// there is no post-connect grace path for presenting a token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies worker session tokens with the single
// shared HMAC secret passed to NewTokenIssuer; there is no key rotation.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a signed token for subject (an agent ID) with the given role.
func (ti *TokenIssuer) Issue(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, "sign token", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the Principal it grants.
func (ti *TokenIssuer) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.Auth, "unexpected signing method")
		}
		return ti.secret, nil
	})
	if err != nil {
		return Principal{}, apperrors.Wrap(apperrors.Auth, "invalid token", err)
	}
	if !token.Valid {
		return Principal{}, apperrors.New(apperrors.Auth, "invalid token")
	}
	return Principal{Kind: "jwt", ID: claims.Subject, Role: claims.Role, Subject: claims.Subject}, nil
}
