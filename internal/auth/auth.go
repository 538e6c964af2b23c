// Package auth resolves opaque bearer credentials to caller identities.
// Tokens are minted by an external issuer; this package only verifies.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/squadlive/backend/internal/apperrors"
)

// Role is the privilege level a connection authenticates with.
type Role string

const (
	RoleTrainer  Role = "trainer"
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTrainer, RolePlayer, RoleObserver:
		return true
	}
	return false
}

// Identity is the resolved peer identity attached to a connection.
type Identity struct {
	UserID string
	Role   Role
	TeamID string
}

// claims is the internal claims type used for JWT parsing.
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	TeamID string `json:"team_id"`
}

// Verifier validates bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier builds a Verifier. Issuer and audience are enforced only
// when non-empty. now may be nil, in which case time.Now is used.
func NewVerifier(secret, issuer, audience string, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      now,
	}
}

// Verify parses and validates token and returns the caller identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, apperrors.New(apperrors.CodeForbidden, "missing credentials")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeForbidden, fmt.Sprintf("invalid credentials: %v", err), err)
	}

	role := Role(c.Role)
	if c.UserID == "" || !role.Valid() {
		return Identity{}, apperrors.New(apperrors.CodeForbidden, "credentials missing user or role")
	}

	return Identity{UserID: c.UserID, Role: role, TeamID: c.TeamID}, nil
}

// TokenFromRequest extracts the bearer credential from an HTTP request,
// checking the Authorization header, the X-Squadlive-Token header, and
// the token query parameter in that order.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.Header.Get("X-Squadlive-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}
