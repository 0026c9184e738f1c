// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

// Task lifecycle states. Completed, failed and cancelled are terminal.
const (
	TaskStateCreated   TaskState = "created"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// taskTransitions is the legal transition table of the task state machine.
// Cancellation from any non-terminal state is encoded explicitly.
var taskTransitions = map[TaskState][]TaskState{
	TaskStateCreated:  {TaskStateAssigned, TaskStateRunning, TaskStateCancelled, TaskStateFailed},
	TaskStateAssigned: {TaskStateAssigned, TaskStateRunning, TaskStateCancelled, TaskStateFailed},
	TaskStateRunning:  {TaskStateCompleted, TaskStateFailed, TaskStateCancelled},
}

// Terminal reports whether the state is terminal.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Terminal states permit nothing.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	return slices.Contains(taskTransitions[s], next)
}

// Task is the unit of work tracked by the lifecycle state machine. Tasks are
// owned by the task manager; workflows reference them by id, never own them.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CreatedBy   string         `json:"created_by"`
	State       TaskState      `json:"state"`
	InputData   map[string]any `json:"input_data,omitempty"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	// Progress is in [0, 1] and only advances while the task is running.
	Progress float64 `json:"progress"`
	// AgentID is the agent the task is assigned to, if any.
	AgentID     string         `json:"agent_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewTask creates a [Task] in the created state with a generated id.
func NewTask(name, createdBy string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        "task-" + uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		State:     TaskStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	clone.InputData = cloneMap(t.InputData)
	clone.OutputData = cloneMap(t.OutputData)
	clone.Metadata = cloneMap(t.Metadata)
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
