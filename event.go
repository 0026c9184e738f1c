// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a domain event.
type EventType string

// Domain event types. The dotted names double as pub/sub channel names.
const (
	EventTaskCreated      EventType = "task.created"
	EventTaskStateChanged EventType = "task.state_changed"
	EventTaskProgress     EventType = "task.progress"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskCancelled    EventType = "task.cancelled"

	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventAgentStatus       EventType = "agent.status_changed"

	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventWorkflowTimeout   EventType = "workflow.timeout"

	EventChannelMessage EventType = "channel.message"
)

// Event is the canonical envelope every domain event is converted to before
// it reaches SSE/WebSocket connections and pattern subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Signature carries an optional detached JWS over the payload.
	Signature string `json:"signature,omitempty"`
}

// NewEvent creates an [Event] envelope with a generated id.
func NewEvent(typ EventType, source string, payload map[string]any) *Event {
	return &Event{
		ID:        "event-" + uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
}

// Channel returns the pub/sub channel the event is routed on.
func (e *Event) Channel() string {
	return string(e.Type)
}

// NewTaskEvent creates an event describing a task lifecycle change.
func NewTaskEvent(typ EventType, source string, task *Task, extra map[string]any) *Event {
	payload := map[string]any{
		"task_id": task.ID,
		"name":    task.Name,
		"state":   string(task.State),
	}
	if task.AgentID != "" {
		payload["agent_id"] = task.AgentID
	}
	for k, v := range extra {
		payload[k] = v
	}
	return NewEvent(typ, source, payload)
}

// NewAgentEvent creates an event describing an agent registry change.
func NewAgentEvent(typ EventType, source string, card *AgentCard) *Event {
	return NewEvent(typ, source, map[string]any{
		"agent_id": card.ID,
		"name":     card.Name,
		"status":   string(card.Status),
	})
}

// NewWorkflowEvent creates an event describing a workflow state change.
func NewWorkflowEvent(typ EventType, source, workflowID string, extra map[string]any) *Event {
	payload := map[string]any{"workflow_id": workflowID}
	for k, v := range extra {
		payload[k] = v
	}
	return NewEvent(typ, source, payload)
}
