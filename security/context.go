// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package security provides token issuance and validation, role-based access
// control over RPC methods, and optional signing of broadcast events.
package security

import (
	"context"
	"slices"
	"time"
)

// Role is a coarse-grained authorization role carried in tokens.
type Role string

// Built-in roles.
const (
	// RoleAdmin may call every method.
	RoleAdmin Role = "admin"
	// RoleAgent is the default role for registered agents.
	RoleAgent Role = "agent"
	// RoleObserver may only call read-only methods.
	RoleObserver Role = "observer"
)

// Context is the authenticated identity attached to a single request.
// It is request-scoped and never persisted.
type Context struct {
	AgentID   string    `json:"agent_id"`
	Roles     []Role    `json:"roles"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the context carries the role.
func (c *Context) HasRole(role Role) bool {
	return slices.Contains(c.Roles, role)
}

type contextKey struct{}

// WithContext returns a ctx carrying the security context. Handlers retrieve
// it with [FromContext]; this is the reserved-parameter mechanism of the
// dispatcher.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the security context attached to ctx, or nil for
// unauthenticated (exempt-method) requests.
func FromContext(ctx context.Context) *Context {
	sc, _ := ctx.Value(contextKey{}).(*Context)
	return sc
}
