// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-a2a/mesh"
)

// Listener receives a notification for every message appended to any
// conversation. A panicking listener is logged and never propagates into
// the send.
type Listener interface {
	OnMessage(conversationID string, msg *Message)
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(conversationID string, msg *Message)

// OnMessage implements [Listener].
func (f ListenerFunc) OnMessage(conversationID string, msg *Message) { f(conversationID, msg) }

// Manager owns the conversation table with the same locking discipline as
// the other entity managers: a read-write lock for map topology plus a
// per-conversation mutex.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*entry

	logger *slog.Logger
	tracer trace.Tracer

	lisMu     sync.RWMutex
	listeners []Listener
}

type entry struct {
	mu   sync.Mutex
	conv *Conversation
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the [*slog.Logger] for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTracerProvider sets the [trace.TracerProvider] for conversation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = tp.Tracer("github.com/go-a2a/mesh/conversation")
	}
}

// NewManager creates an empty [Manager].
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		conversations: make(map[string]*entry),
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/go-a2a/mesh/conversation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a listener for appended messages.
func (m *Manager) AddListener(l Listener) {
	m.lisMu.Lock()
	defer m.lisMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(conversationID string, msg *Message) {
	m.lisMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lisMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("conversation listener panicked", "conversation", conversationID, "panic", rec)
				}
			}()
			l.OnMessage(conversationID, msg)
		}()
	}
}

// CreateOptions carries the optional fields of [Manager.Create].
type CreateOptions struct {
	Description string
	// Mode defaults to [FreeForm].
	Mode TurnMode
	// InitialParticipants join at creation with the participant role.
	InitialParticipants []string
}

// Create makes a new conversation. The creator joins as moderator.
func (m *Manager) Create(ctx context.Context, topic, createdBy string, opts CreateOptions) (*Conversation, error) {
	_, span := m.tracer.Start(ctx, "conversation.Create",
		trace.WithAttributes(attribute.String("conversation.topic", topic)))
	defer span.End()

	if topic == "" {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "conversation topic must not be empty")
	}
	mode := opts.Mode
	if mode == "" {
		mode = FreeForm
	}
	if !mode.valid() {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown turn-taking mode %q", opts.Mode)
	}

	conv := newConversation(topic, createdBy, mode)
	conv.Description = opts.Description
	now := time.Now().UTC()
	conv.Participants[createdBy] = &Participant{Role: RoleModerator, JoinedAt: now}
	for _, agentID := range opts.InitialParticipants {
		if agentID == createdBy {
			continue
		}
		conv.Participants[agentID] = &Participant{Role: RoleParticipant, JoinedAt: now}
	}

	m.mu.Lock()
	m.conversations[conv.ID] = &entry{conv: conv}
	m.mu.Unlock()

	span.SetAttributes(attribute.String("conversation.id", conv.ID))
	return conv.Clone(), nil
}

// Join adds an agent to the conversation with the given role.
func (m *Manager) Join(id, agentID string, role ParticipantRole) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	if role == "" {
		role = RoleParticipant
	}
	if role != RoleParticipant && role != RoleModerator {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown participant role %q", role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv.State == StateEnded {
		return mesh.Errorf(mesh.ConversationEndedErrorCode, "conversation %s has ended", id)
	}
	if _, joined := e.conv.Participants[agentID]; joined {
		return nil
	}
	e.conv.Participants[agentID] = &Participant{Role: role, JoinedAt: time.Now().UTC()}
	e.conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Leave removes an agent. If the departing agent held the turn, the queue
// advances immediately.
func (m *Manager) Leave(id, agentID string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, joined := e.conv.Participants[agentID]; !joined {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "agent %s is not in conversation %s", agentID, id)
	}
	delete(e.conv.Participants, agentID)
	e.conv.dequeue(agentID)
	if e.conv.TurnHolder == agentID {
		e.conv.advanceTurn()
	}
	e.conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Send appends a message to the ordered log. Under free_form anyone may
// send; under any other mode only the current turn holder may. An
// unclaimed turn is claimed implicitly when the queue is empty or the
// sender is at its head.
func (m *Manager) Send(ctx context.Context, id, senderID, content string, metadata map[string]any) (*Message, error) {
	_, span := m.tracer.Start(ctx, "conversation.Send",
		trace.WithAttributes(attribute.String("conversation.id", id)))
	defer span.End()

	e, err := m.entry(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.mu.Lock()
	conv := e.conv
	if conv.State == StateEnded {
		e.mu.Unlock()
		err := mesh.Errorf(mesh.ConversationEndedErrorCode, "conversation %s has ended", id)
		span.RecordError(err)
		return nil, err
	}
	if _, joined := conv.Participants[senderID]; !joined {
		e.mu.Unlock()
		err := mesh.Errorf(mesh.PermissionDeniedErrorCode, "agent %s is not in conversation %s", senderID, id)
		span.RecordError(err)
		return nil, err
	}

	if conv.Mode != FreeForm {
		if conv.TurnHolder == "" && (len(conv.TurnQueue) == 0 || conv.TurnQueue[0] == senderID) {
			conv.dequeue(senderID)
			conv.TurnHolder = senderID
		}
		if conv.TurnHolder != senderID {
			e.mu.Unlock()
			err := mesh.Errorf(mesh.TurnViolationErrorCode, "agent %s does not hold the turn in conversation %s", senderID, id)
			span.RecordError(err)
			return nil, err
		}
	}

	msg := newMessage(id, senderID, content, metadata)
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.Timestamp

	if conv.Mode == RoundRobin {
		conv.TurnQueue = append(conv.TurnQueue, senderID)
		conv.advanceTurn()
	}
	delivered := *msg
	e.mu.Unlock()

	m.notify(id, &delivered)
	return &delivered, nil
}

// RequestTurn queues the agent for the turn. The returned position is 0
// when the agent now holds the turn (or already held it) and 1-based
// otherwise. Requesting again returns the existing position.
func (m *Manager) RequestTurn(id, agentID string) (int, error) {
	e, err := m.entry(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	if conv.State == StateEnded {
		return 0, mesh.Errorf(mesh.ConversationEndedErrorCode, "conversation %s has ended", id)
	}
	if _, joined := conv.Participants[agentID]; !joined {
		return 0, mesh.Errorf(mesh.PermissionDeniedErrorCode, "agent %s is not in conversation %s", agentID, id)
	}
	if conv.Mode == FreeForm {
		return 0, nil
	}
	if conv.TurnHolder == agentID {
		return 0, nil
	}
	if conv.TurnHolder == "" && len(conv.TurnQueue) == 0 {
		conv.TurnHolder = agentID
		conv.UpdatedAt = time.Now().UTC()
		return 0, nil
	}
	if pos := conv.queuePosition(agentID); pos > 0 {
		return pos, nil
	}
	conv.TurnQueue = append(conv.TurnQueue, agentID)
	conv.UpdatedAt = time.Now().UTC()
	return len(conv.TurnQueue), nil
}

// GrantTurn unconditionally hands the turn to agentID, bypassing the FIFO
// order. Only participants with the moderator role may grant.
func (m *Manager) GrantTurn(id, moderatorID, agentID string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	if conv.State == StateEnded {
		return mesh.Errorf(mesh.ConversationEndedErrorCode, "conversation %s has ended", id)
	}
	moderator, joined := conv.Participants[moderatorID]
	if !joined || moderator.Role != RoleModerator {
		return mesh.Errorf(mesh.PermissionDeniedErrorCode, "agent %s is not a moderator of conversation %s", moderatorID, id)
	}
	if _, joined := conv.Participants[agentID]; !joined {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "agent %s is not in conversation %s", agentID, id)
	}
	conv.dequeue(agentID)
	conv.TurnHolder = agentID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// End marks the conversation ended. Only the creator or a moderator may
// end it; subsequent sends fail with a ConversationEnded error.
func (m *Manager) End(id, agentID string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	if conv.State == StateEnded {
		return mesh.Errorf(mesh.ConversationEndedErrorCode, "conversation %s has already ended", id)
	}
	p, joined := conv.Participants[agentID]
	if agentID != conv.CreatedBy && (!joined || p.Role != RoleModerator) {
		return mesh.Errorf(mesh.PermissionDeniedErrorCode, "agent %s cannot end conversation %s", agentID, id)
	}
	conv.State = StateEnded
	conv.TurnHolder = ""
	conv.TurnQueue = nil
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the conversation, or a ConversationNotFound error.
func (m *Manager) Get(id string) (*Conversation, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

// List returns copies of all conversations, ordered by creation time.
func (m *Manager) List() []*Conversation {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.conversations))
	for _, e := range m.conversations {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	conversations := make([]*Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		conversations = append(conversations, e.conv.Clone())
		e.mu.Unlock()
	}
	sort.Slice(conversations, func(i, j int) bool {
		if !conversations[i].CreatedAt.Equal(conversations[j].CreatedAt) {
			return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
		}
		return conversations[i].ID < conversations[j].ID
	})
	return conversations
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, exists := m.conversations[id]
	m.mu.RUnlock()
	if !exists {
		return nil, mesh.Errorf(mesh.ConversationNotFoundErrorCode, "conversation %s not found", id)
	}
	return e, nil
}
