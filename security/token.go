// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/go-a2a/mesh"
)

const (
	defaultTokenTTL   = time.Hour
	defaultRefreshTTL = 24 * time.Hour
	defaultIssuer     = "mesh"

	claimRoles    = "roles"
	claimTokenUse = "token_use"

	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenManager issues and validates opaque bearer tokens. Tokens are HMAC
// signed JWTs; callers never inspect them directly.
type TokenManager struct {
	key        jwk.Key
	issuer     string
	ttl        time.Duration
	refreshTTL time.Duration
}

// TokenOption configures a [TokenManager].
type TokenOption func(*TokenManager)

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		m.ttl = ttl
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		m.refreshTTL = ttl
	}
}

// WithIssuer sets the issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		m.issuer = issuer
	}
}

// NewTokenManager creates a [TokenManager] signing with the given symmetric
// secret.
func NewTokenManager(secret []byte, opts ...TokenOption) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("security: signing secret must not be empty")
	}
	key, err := jwk.Import(secret)
	if err != nil {
		return nil, fmt.Errorf("security: importing signing key: %w", err)
	}
	m := &TokenManager{
		key:        key,
		issuer:     defaultIssuer,
		ttl:        defaultTokenTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue returns a new access/refresh token pair for the agent.
func (m *TokenManager) Issue(agentID string, roles []Role) (*TokenPair, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.ttl)

	access, err := m.sign(agentID, roles, tokenUseAccess, now, expiresAt)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(agentID, roles, tokenUseRefresh, now, now.Add(m.refreshTTL))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

func (m *TokenManager) sign(agentID string, roles []Role, use string, issuedAt, expiresAt time.Time) (string, error) {
	roleNames := make([]string, len(roles))
	for i, role := range roles {
		roleNames[i] = string(role)
	}

	token, err := jwt.NewBuilder().
		Issuer(m.issuer).
		Subject(agentID).
		IssuedAt(issuedAt).
		Expiration(expiresAt).
		Claim(claimRoles, roleNames).
		Claim(claimTokenUse, use).
		Build()
	if err != nil {
		return "", fmt.Errorf("security: building token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), m.key))
	if err != nil {
		return "", fmt.Errorf("security: signing token: %w", err)
	}
	return string(signed), nil
}

// Validate parses and validates an access token, returning the request
// security context. Expired and malformed tokens both fail with the auth
// error code; the message distinguishes them.
func (m *TokenManager) Validate(tokenString string) (*Context, error) {
	return m.validate(tokenString, tokenUseAccess)
}

// Refresh validates a refresh token and issues a fresh token pair.
func (m *TokenManager) Refresh(refreshToken string) (*TokenPair, error) {
	sc, err := m.validate(refreshToken, tokenUseRefresh)
	if err != nil {
		return nil, err
	}
	return m.Issue(sc.AgentID, sc.Roles)
}

func (m *TokenManager) validate(tokenString, wantUse string) (*Context, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(jwa.HS256(), m.key),
		jwt.WithValidate(true),
	)
	if err != nil {
		if m.isExpired(tokenString) {
			return nil, mesh.Errorf(mesh.AuthErrorCode, "token expired")
		}
		return nil, mesh.Errorf(mesh.AuthErrorCode, "invalid token")
	}

	var use string
	if err := token.Get(claimTokenUse, &use); err != nil || use != wantUse {
		return nil, mesh.Errorf(mesh.AuthErrorCode, "invalid token")
	}

	agentID, ok := token.Subject()
	if !ok || agentID == "" {
		return nil, mesh.Errorf(mesh.AuthErrorCode, "invalid token")
	}

	var roleNames []string
	if err := token.Get(claimRoles, &roleNames); err != nil {
		return nil, mesh.Errorf(mesh.AuthErrorCode, "invalid token")
	}
	roles := make([]Role, len(roleNames))
	for i, name := range roleNames {
		roles[i] = Role(name)
	}

	expiresAt, _ := token.Expiration()

	return &Context{
		AgentID:   agentID,
		Roles:     roles,
		Token:     tokenString,
		ExpiresAt: expiresAt,
	}, nil
}

// isExpired re-parses without validation to distinguish an expired token
// from a malformed or tampered one.
func (m *TokenManager) isExpired(tokenString string) bool {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(jwa.HS256(), m.key),
		jwt.WithValidate(false),
	)
	if err != nil {
		return false
	}
	exp, ok := token.Expiration()
	return ok && exp.Before(time.Now())
}
