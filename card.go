// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the liveness status of a registered agent.
type AgentStatus string

// Agent liveness states.
const (
	// AgentStatusOnline means the agent heartbeats within the degraded threshold.
	AgentStatusOnline AgentStatus = "online"
	// AgentStatusDegraded means the agent missed heartbeats but is not yet offline.
	AgentStatusDegraded AgentStatus = "degraded"
	// AgentStatusOffline means the agent exceeded the offline threshold.
	AgentStatusOffline AgentStatus = "offline"
)

// AgentCard describes a registered agent: its identity, advertised
// capabilities and the RPC methods it supports. Cards are owned exclusively
// by the agent registry.
type AgentCard struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Version          string         `json:"version"`
	Capabilities     []string       `json:"capabilities"`
	SupportedMethods []string       `json:"supported_methods"`
	Endpoint         string         `json:"endpoint,omitempty"`
	Status           AgentStatus    `json:"status"`
	LastHeartbeat    time.Time      `json:"last_heartbeat"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewAgentCard creates an [AgentCard] with a generated id and online status.
func NewAgentCard(name, description, version string, capabilities, supportedMethods []string) *AgentCard {
	return &AgentCard{
		ID:               "agent-" + uuid.NewString(),
		Name:             name,
		Description:      description,
		Version:          version,
		Capabilities:     capabilities,
		SupportedMethods: supportedMethods,
		Status:           AgentStatusOnline,
		LastHeartbeat:    time.Now().UTC(),
	}
}

// HasCapability reports whether the agent advertises the capability.
func (c *AgentCard) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// SupportsMethod reports whether the agent advertises the RPC method.
func (c *AgentCard) SupportsMethod(method string) bool {
	return slices.Contains(c.SupportedMethods, method)
}

// Clone returns a deep copy of the card. The registry hands out clones so
// callers can never mutate registry-owned state.
func (c *AgentCard) Clone() *AgentCard {
	clone := *c
	clone.Capabilities = slices.Clone(c.Capabilities)
	clone.SupportedMethods = slices.Clone(c.SupportedMethods)
	if c.Metadata != nil {
		clone.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
