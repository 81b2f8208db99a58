package storage

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes understood by the HTTP authority. A write token also
// grants read access.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// TokenClaims are the JWT claims carried by authority access tokens.
type TokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with the given scope. A zero
// ttl issues a token without expiry.
func IssueToken(secret []byte, subject, scope string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("issue token: empty signing secret")
	}
	if scope != ScopeRead && scope != ScopeWrite {
		return "", fmt.Errorf("issue token: unknown scope %q (expected %s or %s)", scope, ScopeRead, ScopeWrite)
	}
	now := time.Now()
	claims := TokenClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// tokenVerifier checks bearer tokens on incoming requests. A verifier
// with no secret accepts every request.
type tokenVerifier struct {
	secret []byte
}

// authorize returns ErrUnauthorized unless r carries a valid token whose
// scope covers the required one.
func (v tokenVerifier) authorize(r *http.Request, required string) (*TokenClaims, error) {
	if len(v.secret) == 0 {
		return nil, nil
	}
	raw := extractBearerToken(r)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	switch {
	case claims.Scope == ScopeWrite:
	case claims.Scope == ScopeRead && required == ScopeRead:
	default:
		return nil, fmt.Errorf("%w: scope %q does not allow %s access", ErrUnauthorized, claims.Scope, required)
	}
	return claims, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
