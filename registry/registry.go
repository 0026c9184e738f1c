// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the in-process agent registry and the
// capability-indexed discovery service built on top of it.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-a2a/mesh"
)

// LivenessPolicy configures the heartbeat thresholds used by the liveness
// sweep. An agent is marked degraded after DegradedAfter without a heartbeat
// and offline after OfflineAfter.
type LivenessPolicy struct {
	DegradedAfter time.Duration
	OfflineAfter  time.Duration
}

// DefaultLivenessPolicy is the policy used when none is configured.
var DefaultLivenessPolicy = LivenessPolicy{
	DegradedAfter: 90 * time.Second,
	OfflineAfter:  180 * time.Second,
}

// Observer receives agent lifecycle events. Observer failures are isolated:
// a panicking observer is logged and never propagates into registry calls.
type Observer interface {
	OnAgentEvent(event *mesh.Event)
}

// Registry stores agent capability cards and tracks liveness. The agent
// table uses a read-write lock for map topology plus a per-agent mutex for
// card mutation, so heartbeats for unrelated agents never serialize.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	policy LivenessPolicy
	logger *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

type agentEntry struct {
	mu   sync.Mutex
	card *mesh.AgentCard
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLivenessPolicy sets the heartbeat thresholds.
func WithLivenessPolicy(policy LivenessPolicy) Option {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithLogger sets the [*slog.Logger] for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty [Registry].
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]*agentEntry),
		policy: DefaultLivenessPolicy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers an observer for agent lifecycle events.
func (r *Registry) AddObserver(obs Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, obs)
}

func (r *Registry) notify(event *mesh.Event) {
	r.obsMu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("agent observer panicked", "event", event.Type, "panic", rec)
				}
			}()
			obs.OnAgentEvent(event)
		}()
	}
}

// Register stores or overwrites a card by id, returning the previous card if
// the registration is an update. The stored card is forced online with a
// fresh heartbeat.
func (r *Registry) Register(card *mesh.AgentCard) *mesh.AgentCard {
	stored := card.Clone()
	stored.Status = mesh.AgentStatusOnline
	stored.LastHeartbeat = time.Now().UTC()

	r.mu.Lock()
	entry, exists := r.agents[stored.ID]
	if !exists {
		r.agents[stored.ID] = &agentEntry{card: stored}
		r.mu.Unlock()
		r.notify(mesh.NewAgentEvent(mesh.EventAgentRegistered, "registry", stored))
		return nil
	}
	r.mu.Unlock()

	entry.mu.Lock()
	prev := entry.card
	entry.card = stored
	entry.mu.Unlock()

	r.notify(mesh.NewAgentEvent(mesh.EventAgentRegistered, "registry", stored))
	return prev
}

// Unregister removes an agent, returning the removed card or nil.
func (r *Registry) Unregister(id string) *mesh.AgentCard {
	r.mu.Lock()
	entry, exists := r.agents[id]
	if exists {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	card := entry.card
	entry.mu.Unlock()

	r.notify(mesh.NewAgentEvent(mesh.EventAgentDeregistered, "registry", card))
	return card
}

// Get returns a copy of the agent card, or nil if the agent is unknown.
func (r *Registry) Get(id string) *mesh.AgentCard {
	r.mu.RLock()
	entry, exists := r.agents[id]
	r.mu.RUnlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.card.Clone()
}

// List returns copies of all registered cards.
func (r *Registry) List() []*mesh.AgentCard {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	cards := make([]*mesh.AgentCard, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		cards = append(cards, entry.card.Clone())
		entry.mu.Unlock()
	}
	return cards
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdateHeartbeat records a heartbeat for the agent, restoring online status
// if the agent had been marked degraded.
func (r *Registry) UpdateHeartbeat(id string) error {
	r.mu.RLock()
	entry, exists := r.agents[id]
	r.mu.RUnlock()

	if !exists {
		return mesh.Errorf(mesh.AgentNotFoundErrorCode, "agent %s not found", id)
	}

	var statusChanged *mesh.AgentCard

	entry.mu.Lock()
	entry.card.LastHeartbeat = time.Now().UTC()
	if entry.card.Status == mesh.AgentStatusDegraded {
		entry.card.Status = mesh.AgentStatusOnline
		statusChanged = entry.card.Clone()
	}
	entry.mu.Unlock()

	if statusChanged != nil {
		r.notify(mesh.NewAgentEvent(mesh.EventAgentStatus, "registry", statusChanged))
	}
	return nil
}

// SweepLiveness applies the liveness policy against now, demoting agents
// that missed heartbeats. It returns the cards whose status changed. The
// sweep is driven by an external ticker, typically the service facade.
func (r *Registry) SweepLiveness(now time.Time) []*mesh.AgentCard {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var changed []*mesh.AgentCard
	for _, entry := range entries {
		entry.mu.Lock()
		silent := now.Sub(entry.card.LastHeartbeat)
		var next mesh.AgentStatus
		switch {
		case silent >= r.policy.OfflineAfter:
			next = mesh.AgentStatusOffline
		case silent >= r.policy.DegradedAfter:
			next = mesh.AgentStatusDegraded
		default:
			next = mesh.AgentStatusOnline
		}
		// The sweep only demotes; agents come back online via heartbeat
		// or re-registration.
		var card *mesh.AgentCard
		if statusSeverity(next) > statusSeverity(entry.card.Status) {
			entry.card.Status = next
			card = entry.card.Clone()
		}
		entry.mu.Unlock()

		if card != nil {
			changed = append(changed, card)
			r.notify(mesh.NewAgentEvent(mesh.EventAgentStatus, "registry", card))
		}
	}
	return changed
}

func statusSeverity(s mesh.AgentStatus) int {
	switch s {
	case mesh.AgentStatusOnline:
		return 0
	case mesh.AgentStatusDegraded:
		return 1
	case mesh.AgentStatusOffline:
		return 2
	default:
		return 0
	}
}
