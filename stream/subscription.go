// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-a2a/mesh"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind is closed rather than allowed to block publishers.
const subscriberBuffer = 64

// Subscription is one agent's standing interest in a channel or channel
// pattern. Events arrive on [Subscription.Events] in publish order for
// this subscriber; there is no ordering across subscribers.
type Subscription struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Pattern   string    `json:"channel_pattern"`
	CreatedAt time.Time `json:"created_at"`

	mu     sync.Mutex
	closed bool
	events chan *mesh.Event
}

// Events returns the subscriber's delivery channel. It is closed when the
// subscription is cancelled or evicted for falling behind.
func (s *Subscription) Events() <-chan *mesh.Event {
	return s.events
}

// deliver enqueues without blocking. The second return is false when the
// queue was full and the subscriber should be evicted.
func (s *Subscription) deliver(event *mesh.Event) (sent, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	select {
	case s.events <- event:
		return true, true
	default:
		return false, false
	}
}

// Drain returns up to max buffered events without blocking; max <= 0
// drains everything queued. RPC clients poll their subscriptions this way.
func (s *Subscription) Drain(max int) []*mesh.Event {
	var out []*mesh.Event
	for max <= 0 || len(out) < max {
		select {
		case event, ok := <-s.events:
			if !ok {
				return out
			}
			out = append(out, event)
		default:
			return out
		}
	}
	return out
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// SubscriptionManager indexes subscriptions and routes published events to
// every subscription whose pattern matches the event's channel. Delivery
// is FIFO per subscriber via a buffered queue; a full queue evicts that
// subscriber only, so one slow consumer never blocks the publisher or its
// peers.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	logger   *slog.Logger
	verifier EventVerifier
}

// EventVerifier checks the origin signature on an event before it reaches
// subscribers. [security.MessageSigner] implements it.
type EventVerifier interface {
	VerifyEvent(event *mesh.Event) ([]byte, error)
}

// SubscriptionOption configures a [SubscriptionManager].
type SubscriptionOption func(*SubscriptionManager)

// WithSubscriptionLogger sets the [*slog.Logger] for the manager.
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.logger = logger
	}
}

// WithSubscriptionVerifier makes [SubscriptionManager.Publish] verify each
// event's signature on behalf of subscribers. Events that fail
// verification are logged and dropped instead of delivered.
func WithSubscriptionVerifier(v EventVerifier) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.verifier = v
	}
}

// NewSubscriptionManager creates an empty [SubscriptionManager].
func NewSubscriptionManager(opts ...SubscriptionOption) *SubscriptionManager {
	m := &SubscriptionManager{
		subs:   make(map[string]*Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe creates an exact-channel subscription.
func (m *SubscriptionManager) Subscribe(agentID, channel string) *Subscription {
	return m.add(agentID, channel)
}

// SubscribePattern creates a wildcard subscription, see [Match] for the
// pattern grammar.
func (m *SubscriptionManager) SubscribePattern(agentID, pattern string) *Subscription {
	return m.add(agentID, pattern)
}

func (m *SubscriptionManager) add(agentID, pattern string) *Subscription {
	sub := &Subscription{
		ID:        "sub-" + uuid.NewString(),
		AgentID:   agentID,
		Pattern:   pattern,
		CreatedAt: time.Now().UTC(),
		events:    make(chan *mesh.Event, subscriberBuffer),
	}
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()
	return sub
}

// Get returns a subscription by id, or nil.
func (m *SubscriptionManager) Get(id string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[id]
}

// Unsubscribe cancels a subscription, reporting whether it existed.
func (m *SubscriptionManager) Unsubscribe(id string) bool {
	m.mu.Lock()
	sub, exists := m.subs[id]
	if exists {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if exists {
		sub.close()
	}
	return exists
}

// UnsubscribeAgent cancels all of an agent's subscriptions, returning how
// many were removed.
func (m *SubscriptionManager) UnsubscribeAgent(agentID string) int {
	m.mu.Lock()
	var victims []*Subscription
	for id, sub := range m.subs {
		if sub.AgentID == agentID {
			victims = append(victims, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()

	for _, sub := range victims {
		sub.close()
	}
	return len(victims)
}

// Subscriptions returns the subscriptions matching agentID, or all of them
// when agentID is empty, sorted by creation time.
func (m *SubscriptionManager) Subscriptions(agentID string) []*Subscription {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if agentID == "" || sub.AgentID == agentID {
			subs = append(subs, sub)
		}
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs
}

// Publish routes an event to every matching subscriber and returns the
// delivery count. Subscribers whose queues are full are evicted and their
// channels closed.
func (m *SubscriptionManager) Publish(channel string, event *mesh.Event) int {
	if m.verifier != nil {
		if _, err := m.verifier.VerifyEvent(event); err != nil {
			m.logger.Warn("dropping event with bad signature",
				"event", event.ID, "type", event.Type, "channel", channel, "error", err)
			return 0
		}
	}

	m.mu.RLock()
	matched := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if Match(sub.Pattern, channel) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	var evicted []*Subscription
	for _, sub := range matched {
		sent, alive := sub.deliver(event)
		if sent {
			delivered++
		}
		if !alive {
			evicted = append(evicted, sub)
		}
	}

	for _, sub := range evicted {
		m.logger.Warn("evicting slow subscriber",
			"subscription", sub.ID, "agent", sub.AgentID, "pattern", sub.Pattern)
		m.mu.Lock()
		delete(m.subs, sub.ID)
		m.mu.Unlock()
		sub.close()
	}
	return delivered
}
