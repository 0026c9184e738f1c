// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package conversation manages multi-agent conversations and enforces
// turn-taking discipline on their message logs.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// TurnMode governs who may append to the message log.
type TurnMode string

// Turn-taking modes.
const (
	// FreeForm imposes no turn discipline; every participant may send at
	// any time.
	FreeForm TurnMode = "free_form"
	// RoundRobin rotates the turn through the queue: after each message
	// the sender goes to the back and the next queued agent takes over.
	RoundRobin TurnMode = "round_robin"
	// Moderated leaves the turn with its holder until a moderator grants
	// it to someone else or the holder leaves.
	Moderated TurnMode = "moderated"
)

func (m TurnMode) valid() bool {
	switch m {
	case FreeForm, RoundRobin, Moderated:
		return true
	default:
		return false
	}
}

// ParticipantRole is an agent's role within one conversation.
type ParticipantRole string

// Participant roles.
const (
	RoleParticipant ParticipantRole = "participant"
	RoleModerator   ParticipantRole = "moderator"
)

// Participant records an agent's membership in a conversation.
type Participant struct {
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
}

// Message is one entry of the ordered conversation log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// State is the lifecycle state of a conversation. Ended is terminal.
type State string

// Conversation states.
const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Conversation is a turn-disciplined multi-agent message exchange.
type Conversation struct {
	ID          string   `json:"id"`
	Topic       string   `json:"topic"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"created_by"`
	Mode        TurnMode `json:"turn_taking_mode"`

	Participants map[string]*Participant `json:"participants"`
	Messages     []*Message              `json:"messages"`
	// TurnHolder is the agent currently allowed to send; empty when the
	// turn is unclaimed or the mode is free_form.
	TurnHolder string `json:"turn_holder,omitempty"`
	// TurnQueue is the FIFO of agents waiting for the turn.
	TurnQueue []string `json:"turn_queue,omitempty"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newConversation(topic, createdBy string, mode TurnMode) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:           "conv-" + uuid.NewString(),
		Topic:        topic,
		CreatedBy:    createdBy,
		Mode:         mode,
		Participants: make(map[string]*Participant),
		State:        StateActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newMessage(conversationID, senderID, content string, metadata map[string]any) *Message {
	return &Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Metadata:       metadata,
		Timestamp:      time.Now().UTC(),
	}
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Participants = make(map[string]*Participant, len(c.Participants))
	for id, p := range c.Participants {
		participant := *p
		clone.Participants[id] = &participant
	}
	clone.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		message := *m
		clone.Messages[i] = &message
	}
	clone.TurnQueue = make([]string, len(c.TurnQueue))
	copy(clone.TurnQueue, c.TurnQueue)
	return &clone
}

// queuePosition returns the 1-based position of agentID in the turn queue,
// or 0 if absent.
func (c *Conversation) queuePosition(agentID string) int {
	for i, id := range c.TurnQueue {
		if id == agentID {
			return i + 1
		}
	}
	return 0
}

// dequeue removes agentID from the turn queue if present.
func (c *Conversation) dequeue(agentID string) {
	for i, id := range c.TurnQueue {
		if id == agentID {
			c.TurnQueue = append(c.TurnQueue[:i], c.TurnQueue[i+1:]...)
			return
		}
	}
}

// advanceTurn pops the queue head into the turn holder, or clears the
// holder when nobody is waiting.
func (c *Conversation) advanceTurn() {
	if len(c.TurnQueue) == 0 {
		c.TurnHolder = ""
		return
	}
	c.TurnHolder = c.TurnQueue[0]
	c.TurnQueue = c.TurnQueue[1:]
}
