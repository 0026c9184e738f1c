// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the generic publish/subscribe messaging primitive
// the service facade consumes, and an in-memory implementation of it.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one payload published to a named channel.
type Message struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id,omitempty"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a [Message] with a generated id.
func NewMessage(channel, senderID string, content any, metadata map[string]any) *Message {
	return &Message{
		ID:        "message-" + uuid.NewString(),
		Channel:   channel,
		SenderID:  senderID,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes messages delivered to a subscription.
type Handler func(ctx context.Context, msg *Message)

// ChannelInfo describes one registered channel.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Subscribers int       `json:"subscribers"`
}

// Bus is the messaging primitive. Channels are created explicitly with a
// description or implicitly on first publish or subscribe. Delivery is
// FIFO per subscriber with no cross-subscriber ordering.
type Bus interface {
	// CreateChannel registers a channel, updating the description if the
	// channel already exists.
	CreateChannel(name, description string) error
	// Channel returns metadata for one channel.
	Channel(name string) (*ChannelInfo, error)
	// Channels lists all registered channels.
	Channels() []*ChannelInfo
	// Publish delivers a message to the channel's subscribers.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe attaches a handler to a channel. The returned cancel
	// function detaches it.
	Subscribe(channel string, h Handler) (cancel func(), err error)
}
