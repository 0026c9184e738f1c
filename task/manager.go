// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package task owns [mesh.Task] entities and drives their lifecycle state
// machine, emitting an event to registered listeners on every transition.
package task

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

// Listener receives task lifecycle events. Events for a single task arrive
// in strict transition order; there is no ordering across tasks. A
// panicking listener is logged and never propagates into the transition.
//
// Events are delivered while the transitioning task's lock is held, so a
// listener must not call back into the manager for the task the event
// describes. Operations on other tasks are safe.
type Listener interface {
	OnTaskEvent(event *mesh.Event)
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(event *mesh.Event)

// OnTaskEvent implements [Listener].
func (f ListenerFunc) OnTaskEvent(event *mesh.Event) { f(event) }

// Manager owns the task table. The table uses a read-write lock for map
// topology plus a per-task mutex, so transitions on unrelated tasks never
// serialize. Listeners are notified while the per-task lock is held, which
// is what makes per-task event order strict.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry

	logger *slog.Logger
	tracer trace.Tracer

	lisMu     sync.RWMutex
	listeners []Listener
}

type taskEntry struct {
	mu   sync.Mutex
	task *mesh.Task
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the [*slog.Logger] for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTracerProvider sets the [trace.TracerProvider] used for transition
// spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = tp.Tracer("github.com/go-a2a/mesh/task")
	}
}

// NewManager creates an empty [Manager].
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tasks:  make(map[string]*taskEntry),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/go-a2a/mesh/task"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a listener for task lifecycle events.
func (m *Manager) AddListener(l Listener) {
	m.lisMu.Lock()
	defer m.lisMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(event *mesh.Event) {
	m.lisMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lisMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("task listener panicked", "event", event.Type, "panic", rec)
				}
			}()
			l.OnTaskEvent(event)
		}()
	}
}

// CreateOptions carries the optional fields of [Manager.Create].
type CreateOptions struct {
	Description string
	InputData   map[string]any
	Metadata    map[string]any
}

// Create makes a new task in the created state and emits task.created.
func (m *Manager) Create(ctx context.Context, name, createdBy string, opts CreateOptions) (*mesh.Task, error) {
	_, span := m.tracer.Start(ctx, "task.Create",
		trace.WithAttributes(attribute.String("task.name", name)))
	defer span.End()

	if name == "" {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "task name must not be empty")
	}

	t := mesh.NewTask(name, createdBy)
	t.Description = opts.Description
	t.InputData = opts.InputData
	t.Metadata = opts.Metadata

	m.mu.Lock()
	m.tasks[t.ID] = &taskEntry{task: t}
	m.mu.Unlock()

	span.SetAttributes(attribute.String("task.id", t.ID))
	m.notify(mesh.NewTaskEvent(mesh.EventTaskCreated, "task_manager", t, nil))
	return t.Clone(), nil
}

// Get returns a copy of the task, or a TaskNotFound error.
func (m *Manager) Get(id string) (*mesh.Task, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), nil
}

// Filter narrows [Manager.List]. Zero values match everything.
type Filter struct {
	State   mesh.TaskState
	AgentID string
}

// List returns copies of tasks matching the filter, ordered by creation
// time then id for a stable result.
func (m *Manager) List(filter Filter) []*mesh.Task {
	m.mu.RLock()
	entries := make([]*taskEntry, 0, len(m.tasks))
	for _, entry := range m.tasks {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	tasks := make([]*mesh.Task, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		t := entry.task
		if (filter.State == "" || t.State == filter.State) &&
			(filter.AgentID == "" || t.AgentID == filter.AgentID) {
			tasks = append(tasks, t.Clone())
		}
		entry.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Assign moves a task to the assigned state and records the agent.
// Reassignment of an already-assigned task is allowed.
func (m *Manager) Assign(ctx context.Context, id, agentID string) (*mesh.Task, error) {
	return m.transition(ctx, id, mesh.TaskStateAssigned, func(t *mesh.Task) {
		t.AgentID = agentID
	})
}

// Start moves a task to the running state and stamps StartedAt.
func (m *Manager) Start(ctx context.Context, id string) (*mesh.Task, error) {
	return m.transition(ctx, id, mesh.TaskStateRunning, func(t *mesh.Task) {
		now := time.Now().UTC()
		t.StartedAt = &now
	})
}

// UpdateProgress records progress on a running task and emits
// task.progress. Progress must be in [0, 1].
func (m *Manager) UpdateProgress(ctx context.Context, id string, progress float64, message string) (*mesh.Task, error) {
	_, span := m.tracer.Start(ctx, "task.UpdateProgress",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	if progress < 0 || progress > 1 {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "progress %v out of range [0, 1]", progress)
	}

	entry, err := m.entry(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.task.State != mesh.TaskStateRunning {
		err := mesh.Errorf(mesh.InvalidStateErrorCode, "task %s is %s, progress requires running", id, entry.task.State)
		span.RecordError(err)
		return nil, err
	}
	entry.task.Progress = progress
	entry.task.UpdatedAt = time.Now().UTC()

	extra := map[string]any{"progress": progress}
	if message != "" {
		extra["message"] = message
	}
	m.notify(mesh.NewTaskEvent(mesh.EventTaskProgress, "task_manager", entry.task, extra))
	return entry.task.Clone(), nil
}

// Complete moves a running task to the completed state with its output.
func (m *Manager) Complete(ctx context.Context, id string, output map[string]any) (*mesh.Task, error) {
	return m.transition(ctx, id, mesh.TaskStateCompleted, func(t *mesh.Task) {
		now := time.Now().UTC()
		t.OutputData = output
		t.Progress = 1
		t.CompletedAt = &now
	})
}

// Fail moves a task to the failed state, recording the error message.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) (*mesh.Task, error) {
	return m.transition(ctx, id, mesh.TaskStateFailed, func(t *mesh.Task) {
		now := time.Now().UTC()
		t.Error = errMsg
		t.CompletedAt = &now
	})
}

// Cancel moves a task from any non-terminal state to cancelled.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*mesh.Task, error) {
	return m.transition(ctx, id, mesh.TaskStateCancelled, func(t *mesh.Task) {
		now := time.Now().UTC()
		if reason != "" {
			t.Error = reason
		}
		t.CompletedAt = &now
	})
}

// MergeInput merges extra keys into a task's input data before it starts.
// Pipeline coordinators use this to feed one stage's output into the next
// stage's input. Only tasks that have not yet started can be amended.
func (m *Manager) MergeInput(id string, input map[string]any) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.task.State {
	case mesh.TaskStateCreated, mesh.TaskStateAssigned:
	default:
		return mesh.Errorf(mesh.InvalidStateErrorCode, "task %s is %s, input is frozen", id, entry.task.State)
	}
	if entry.task.InputData == nil {
		entry.task.InputData = make(map[string]any, len(input))
	}
	for k, v := range input {
		entry.task.InputData[k] = v
	}
	entry.task.UpdatedAt = time.Now().UTC()
	return nil
}

// Retry resets a failed task back to assigned so a coordinator can run it
// again. Only failed tasks can be retried; the error field is cleared.
func (m *Manager) Retry(ctx context.Context, id string) (*mesh.Task, error) {
	_, span := m.tracer.Start(ctx, "task.Retry",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	entry, err := m.entry(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.task.State != mesh.TaskStateFailed {
		err := mesh.Errorf(mesh.InvalidStateErrorCode, "task %s is %s, retry requires failed", id, entry.task.State)
		span.RecordError(err)
		return nil, err
	}
	from := entry.task.State
	entry.task.State = mesh.TaskStateAssigned
	entry.task.Error = ""
	entry.task.Progress = 0
	entry.task.CompletedAt = nil
	entry.task.UpdatedAt = time.Now().UTC()

	m.notify(mesh.NewTaskEvent(mesh.EventTaskStateChanged, "task_manager", entry.task, map[string]any{
		"from": string(from),
		"to":   string(mesh.TaskStateAssigned),
	}))
	return entry.task.Clone(), nil
}

func (m *Manager) entry(id string) (*taskEntry, error) {
	m.mu.RLock()
	entry, exists := m.tasks[id]
	m.mu.RUnlock()
	if !exists {
		return nil, mesh.Errorf(mesh.TaskNotFoundErrorCode, "task %s not found", id)
	}
	return entry, nil
}

// transition applies the state machine under the per-task lock. Listeners
// are notified before the lock is released so events for one task can never
// be observed out of transition order.
func (m *Manager) transition(ctx context.Context, id string, to mesh.TaskState, mutate func(*mesh.Task)) (*mesh.Task, error) {
	_, span := m.tracer.Start(ctx, "task.transition",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.to_state", string(to)),
		))
	defer span.End()

	entry, err := m.entry(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.task.State
	if !from.CanTransitionTo(to) {
		err := mesh.Errorf(mesh.InvalidStateErrorCode, "task %s cannot transition %s -> %s", id, from, to)
		span.RecordError(err)
		return nil, err
	}

	mutate(entry.task)
	entry.task.State = to
	entry.task.UpdatedAt = time.Now().UTC()

	m.notify(mesh.NewTaskEvent(mesh.EventTaskStateChanged, "task_manager", entry.task, map[string]any{
		"from": string(from),
		"to":   string(to),
	}))
	if typ, terminal := terminalEventType(to); terminal {
		var extra map[string]any
		switch typ {
		case mesh.EventTaskCompleted:
			if entry.task.OutputData != nil {
				extra = map[string]any{"output": entry.task.OutputData}
			}
		case mesh.EventTaskFailed:
			extra = map[string]any{"error": entry.task.Error}
		}
		m.notify(mesh.NewTaskEvent(typ, "task_manager", entry.task, extra))
	}
	return entry.task.Clone(), nil
}

func terminalEventType(s mesh.TaskState) (mesh.EventType, bool) {
	switch s {
	case mesh.TaskStateCompleted:
		return mesh.EventTaskCompleted, true
	case mesh.TaskStateFailed:
		return mesh.EventTaskFailed, true
	case mesh.TaskStateCancelled:
		return mesh.EventTaskCancelled, true
	default:
		return "", false
	}
}
