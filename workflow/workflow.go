// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow builds and runs dependency graphs of tasks under the
// coordination patterns sequential, parallel, pipeline, fanout and custom.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-a2a/mesh"
)

// Pattern is the coordination pattern a workflow was built with.
type Pattern string

// Coordination patterns.
const (
	PatternSequential Pattern = "sequential"
	PatternParallel   Pattern = "parallel"
	PatternPipeline   Pattern = "pipeline"
	PatternFanout     Pattern = "fanout"
	PatternCustom     Pattern = "custom"
)

// DependencyType is the temporal relationship between two workflow tasks.
type DependencyType string

// Dependency types.
const (
	// FinishToStart gates the successor's start on the predecessor's
	// completion.
	FinishToStart DependencyType = "finish_to_start"
	// StartToStart gates the successor's start on the predecessor having
	// started.
	StartToStart DependencyType = "start_to_start"
	// FinishToFinish expresses that the successor should not finish before
	// the predecessor. Completion is driven by external agents, so this
	// type does not gate starting.
	FinishToFinish DependencyType = "finish_to_finish"
)

func (d DependencyType) valid() bool {
	switch d {
	case FinishToStart, StartToStart, FinishToFinish:
		return true
	default:
		return false
	}
}

// State is the lifecycle state of a workflow.
type State string

// Workflow lifecycle states. Completed, failed and cancelled are terminal.
const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the workflow state is terminal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Dependency is one edge of the workflow graph. Predecessor and Successor
// are workflow-task ids, not task-manager ids.
type Dependency struct {
	Predecessor string         `json:"predecessor"`
	Successor   string         `json:"successor"`
	Type        DependencyType `json:"type"`
}

// Workflow is the graph descriptor. TaskIDs maps workflow-task ids (stable
// names within the graph, like "t1" or "stage-2") to the task-manager ids
// of the tasks they reference. The workflow references tasks, it never owns
// them.
type Workflow struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	CreatedBy string  `json:"created_by"`
	Pattern   Pattern `json:"pattern"`

	TaskIDs      map[string]string `json:"task_ids"`
	Dependencies []Dependency      `json:"dependencies,omitempty"`

	// MaxParallel bounds concurrently running tasks; zero means unbounded.
	MaxParallel int `json:"max_parallel,omitempty"`
	// RetryFailed allows failed tasks to be retried up to MaxRetries
	// attempts before they are treated as hard failures.
	RetryFailed bool `json:"retry_failed,omitempty"`
	MaxRetries  int  `json:"max_retries,omitempty"`
	// TimeoutSeconds forces cancellation if the workflow has not reached a
	// terminal state in time; zero means no timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMaxRetries is the attempt bound applied when RetryFailed is set
// without an explicit MaxRetries. Retries are immediate, with no backoff.
const DefaultMaxRetries = 3

// New creates an empty [Workflow] in the created state.
func New(name, createdBy string, pattern Pattern) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        "workflow-" + uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		Pattern:   pattern,
		TaskIDs:   make(map[string]string),
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTask binds a task-manager task to the workflow under wtID.
func (w *Workflow) AddTask(wtID, taskID string) error {
	if wtID == "" || taskID == "" {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow task id and task id must not be empty")
	}
	if _, exists := w.TaskIDs[wtID]; exists {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow task %q already exists", wtID)
	}
	w.TaskIDs[wtID] = taskID
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// AddDependency inserts an edge after validating both endpoints and
// checking that the edge keeps the graph acyclic. On any failure the graph
// is left unmodified.
func (w *Workflow) AddDependency(pred, succ string, typ DependencyType) error {
	if !typ.valid() {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown dependency type %q", typ)
	}
	if pred == succ {
		return mesh.Errorf(mesh.CycleDetectedErrorCode, "task %q cannot depend on itself", pred)
	}
	if _, exists := w.TaskIDs[pred]; !exists {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown workflow task %q", pred)
	}
	if _, exists := w.TaskIDs[succ]; !exists {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown workflow task %q", succ)
	}
	if w.pathExists(succ, pred) {
		return mesh.Errorf(mesh.CycleDetectedErrorCode, "dependency %s -> %s would create a cycle", pred, succ)
	}
	w.Dependencies = append(w.Dependencies, Dependency{Predecessor: pred, Successor: succ, Type: typ})
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// pathExists reports whether to is reachable from from along dependency
// edges, by depth-first search.
func (w *Workflow) pathExists(from, to string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == to {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		for _, dep := range w.Dependencies {
			if dep.Predecessor == node {
				stack = append(stack, dep.Successor)
			}
		}
	}
	return false
}

// Predecessors returns the edges whose successor is wtID.
func (w *Workflow) Predecessors(wtID string) []Dependency {
	var deps []Dependency
	for _, dep := range w.Dependencies {
		if dep.Successor == wtID {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Clone returns a deep copy of the workflow descriptor.
func (w *Workflow) Clone() *Workflow {
	clone := *w
	clone.TaskIDs = make(map[string]string, len(w.TaskIDs))
	for k, v := range w.TaskIDs {
		clone.TaskIDs[k] = v
	}
	clone.Dependencies = make([]Dependency, len(w.Dependencies))
	copy(clone.Dependencies, w.Dependencies)
	return &clone
}
