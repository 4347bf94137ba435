// Package identity resolves the validated sender identity the router
// consumes as an opaque value (spec explicitly scopes credential issuance
// and RBAC out of the core). Adapted from the teacher's JWTManager: same
// HS256 sign/verify shape, collapsed to the single opaque identity the
// router needs instead of the teacher's separate user/device claim sets.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"uaip-hub/internal/apierr"
)

// Identity is the validated, opaque sender the router and server attach to
// a request. Neither the router nor the HTTP surface interprets Role; it is
// carried over from the token unchanged.
type Identity struct {
	ID   string
	Type string
	Role string
}

type claims struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HS256 tokens carrying an Identity.
type Manager struct {
	secret   []byte
	tokenTTL time.Duration
}

func NewManager(secret string, tokenTTL time.Duration) *Manager {
	return &Manager{secret: []byte(secret), tokenTTL: tokenTTL}
}

// Issue signs a token for an identity. Exists mainly for tests and local
// tooling; production deployments mint tokens from whatever external
// authentication system already exists (spec non-goal).
func (m *Manager) Issue(id Identity) (string, error) {
	now := time.Now()
	c := &claims{
		ID:   id.ID,
		Type: id.Type,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "uaip-hub",
			Subject:   id.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(m.secret)
}

// Verify validates a token and returns the identity it carries.
func (m *Manager) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Identity{}, apierr.Newf(apierr.InvalidMessage, "invalid token: %v", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Identity{}, apierr.New(apierr.InvalidMessage, "invalid token claims")
	}
	return Identity{ID: c.ID, Type: c.Type, Role: c.Role}, nil
}

// FromRequest extracts and verifies a bearer token from the Authorization
// header, falling back to a ?token= query parameter for WebSocket upgrade
// requests that cannot set arbitrary headers.
func (m *Manager) FromRequest(r *http.Request) (Identity, error) {
	token, err := tokenFromHeader(r)
	if err != nil {
		token, err = tokenFromQuery(r)
		if err != nil {
			return Identity{}, apierr.New(apierr.InvalidMessage, "no bearer token found")
		}
	}
	return m.Verify(token)
}

func tokenFromHeader(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer prefix")
	}
	return strings.TrimPrefix(header, prefix), nil
}

func tokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("missing token query parameter")
	}
	return token, nil
}
