// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"strings"
	"sync"

	"github.com/go-a2a/mesh"
)

// AccessControl applies a role to permitted-methods policy, default-deny.
// Method patterns are either exact names ("task.create"), a dotted prefix
// wildcard ("task.*") or the universal wildcard ("*").
type AccessControl struct {
	mu     sync.RWMutex
	policy map[Role][]string
}

// NewAccessControl creates an [AccessControl] with the default policy:
// admins call everything, agents call the operational surface, observers
// call read-only methods.
func NewAccessControl() *AccessControl {
	ac := &AccessControl{policy: make(map[Role][]string)}
	ac.Allow(RoleAdmin, "*")
	ac.Allow(RoleAgent,
		"agent.*",
		"discovery.*",
		"task.*",
		"workflow.*",
		"conversation.*",
		"channel.*",
	)
	ac.Allow(RoleObserver,
		"agent.get", "agent.list", "agent.status",
		"discovery.*",
		"task.get", "task.list",
		"workflow.info", "workflow.list",
		"conversation.list", "conversation.info",
		"channel.list", "channel.info",
	)
	return ac
}

// Allow grants the role access to the given method patterns.
func (ac *AccessControl) Allow(role Role, patterns ...string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.policy[role] = append(ac.policy[role], patterns...)
}

// Revoke removes every grant for the role.
func (ac *AccessControl) Revoke(role Role) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	delete(ac.policy, role)
}

// Check verifies that the security context may call the method. A nil
// context or a context whose roles grant no matching pattern is denied.
func (ac *AccessControl) Check(method string, sc *Context) error {
	if sc == nil {
		return mesh.Errorf(mesh.AuthErrorCode, "no security context")
	}

	ac.mu.RLock()
	defer ac.mu.RUnlock()

	for _, role := range sc.Roles {
		for _, pattern := range ac.policy[role] {
			if methodMatches(pattern, method) {
				return nil
			}
		}
	}
	return mesh.Errorf(mesh.PermissionDeniedErrorCode, "agent %s may not call %s", sc.AgentID, method)
}

func methodMatches(pattern, method string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(method, prefix+".")
	}
	return pattern == method
}
