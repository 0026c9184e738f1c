// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sort"
	"strings"

	"github.com/go-a2a/mesh"
)

// Discovery provides capability-indexed lookup over a [Registry].
type Discovery struct {
	registry *Registry
}

// NewDiscovery creates a [Discovery] service over the registry.
func NewDiscovery(registry *Registry) *Discovery {
	return &Discovery{registry: registry}
}

// FindForCapability returns online agents advertising the capability.
// When includeOffline is set, degraded and offline agents are included too.
func (d *Discovery) FindForCapability(capability string, includeOffline bool) []*mesh.AgentCard {
	var found []*mesh.AgentCard
	for _, card := range d.registry.List() {
		if !card.HasCapability(capability) {
			continue
		}
		if !includeOffline && card.Status != mesh.AgentStatusOnline {
			continue
		}
		found = append(found, card)
	}
	sortCards(found)
	return found
}

// CapabilityMap returns every advertised capability mapped to the ids of the
// agents advertising it.
func (d *Discovery) CapabilityMap() map[string][]string {
	capMap := make(map[string][]string)
	for _, card := range d.registry.List() {
		for _, capability := range card.Capabilities {
			capMap[capability] = append(capMap[capability], card.ID)
		}
	}
	for _, ids := range capMap {
		sort.Strings(ids)
	}
	return capMap
}

// QueryFilter narrows a [Discovery.Query]. Zero-valued fields match all.
type QueryFilter struct {
	Capability string
	Method     string
	Status     mesh.AgentStatus
	// NameContains matches case-insensitively on the agent name.
	NameContains string
}

// Query returns agents matching every set filter field.
func (d *Discovery) Query(filter QueryFilter) []*mesh.AgentCard {
	var found []*mesh.AgentCard
	for _, card := range d.registry.List() {
		if filter.Capability != "" && !card.HasCapability(filter.Capability) {
			continue
		}
		if filter.Method != "" && !card.SupportsMethod(filter.Method) {
			continue
		}
		if filter.Status != "" && card.Status != filter.Status {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(strings.ToLower(card.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		found = append(found, card)
	}
	sortCards(found)
	return found
}

func sortCards(cards []*mesh.AgentCard) {
	sort.Slice(cards, func(i, j int) bool {
		return cards[i].ID < cards[j].ID
	})
}
