// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/task"
)

// Listener receives workflow lifecycle events. A panicking listener is
// logged and never propagates into the coordinator.
type Listener interface {
	OnWorkflowEvent(event *mesh.Event)
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(event *mesh.Event)

// OnWorkflowEvent implements [Listener].
func (f ListenerFunc) OnWorkflowEvent(event *mesh.Event) { f(event) }

// TaskSpec describes one task to create when building a workflow.
type TaskSpec struct {
	// WorkflowTaskID names the task within the graph. Generated when empty.
	WorkflowTaskID string
	Name           string
	Description    string
	// AgentID pre-assigns the task to an agent.
	AgentID   string
	InputData map[string]any
	Metadata  map[string]any
}

// CreateOptions carries the optional knobs shared by all workflow
// constructors.
type CreateOptions struct {
	MaxParallel int
	RetryFailed bool
	// MaxRetries defaults to [DefaultMaxRetries] when RetryFailed is set.
	MaxRetries     int
	TimeoutSeconds int
}

// Snapshot is a point-in-time copy of a workflow and the coordinator's view
// of its task states.
type Snapshot struct {
	*Workflow
	TaskStates map[string]mesh.TaskState `json:"task_states"`
	Attempts   map[string]int            `json:"attempts,omitempty"`
}

// Coordinator builds workflows over a [task.Manager] and schedules their
// tasks as dependencies resolve. Scheduling is event-driven: the
// coordinator listens to task lifecycle events and re-evaluates dependent
// readiness on every completion, failure or cancellation. Events are
// handled on a dedicated goroutine so reactions never run inside the task
// manager's locks.
type Coordinator struct {
	mu        sync.RWMutex
	workflows map[string]*entry
	taskIndex map[string]taskRef

	tasks  *task.Manager
	logger *slog.Logger
	tracer trace.Tracer

	lisMu     sync.RWMutex
	listeners []Listener

	events    chan *mesh.Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type taskRef struct {
	workflowID string
	wtID       string
}

// entry pairs a workflow descriptor with the coordinator's scheduling
// state. The state mirror is maintained from task events and the
// coordinator's own actions, never by calling back into the task manager.
type entry struct {
	mu       sync.Mutex
	wf       *Workflow
	states   map[string]mesh.TaskState
	outputs  map[string]map[string]any
	attempts map[string]int
	blocked  map[string]bool
}

type startPlan struct {
	wtID   string
	taskID string
	input  map[string]any
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the [*slog.Logger] for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTracerProvider sets the [trace.TracerProvider] for workflow spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		c.tracer = tp.Tracer("github.com/go-a2a/mesh/workflow")
	}
}

// NewCoordinator creates a [Coordinator], registers it as a task listener
// and starts its scheduling goroutine. Call [Coordinator.Close] to stop it.
func NewCoordinator(tasks *task.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		workflows: make(map[string]*entry),
		taskIndex: make(map[string]taskRef),
		tasks:     tasks,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/go-a2a/mesh/workflow"),
		events:    make(chan *mesh.Event, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	tasks.AddListener(c)
	go c.run()
	return c
}

// Close stops the scheduling goroutine. Running workflows stop making
// progress; their tasks are untouched.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
	})
}

// AddListener registers a listener for workflow lifecycle events.
func (c *Coordinator) AddListener(l Listener) {
	c.lisMu.Lock()
	defer c.lisMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) notify(event *mesh.Event) {
	c.lisMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lisMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("workflow listener panicked", "event", event.Type, "panic", rec)
				}
			}()
			l.OnWorkflowEvent(event)
		}()
	}
}

// OnTaskEvent implements [task.Listener]. Terminal task events are queued
// for the scheduling goroutine; everything else is ignored.
func (c *Coordinator) OnTaskEvent(event *mesh.Event) {
	switch event.Type {
	case mesh.EventTaskCompleted, mesh.EventTaskFailed, mesh.EventTaskCancelled:
	default:
		return
	}
	select {
	case c.events <- event:
	case <-c.quit:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case event := <-c.events:
			c.processEvent(event)
		case <-c.quit:
			return
		}
	}
}

// Create makes an empty custom workflow to be populated through
// [Coordinator.AddTask] and [Coordinator.AddDependency].
func (c *Coordinator) Create(ctx context.Context, name, createdBy string, pattern Pattern, opts CreateOptions) (*Workflow, error) {
	_, span := c.tracer.Start(ctx, "workflow.Create",
		trace.WithAttributes(attribute.String("workflow.pattern", string(pattern))))
	defer span.End()

	if name == "" {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow name must not be empty")
	}
	switch pattern {
	case PatternSequential, PatternParallel, PatternPipeline, PatternFanout, PatternCustom:
	default:
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "unknown workflow pattern %q", pattern)
	}

	wf := New(name, createdBy, pattern)
	wf.MaxParallel = opts.MaxParallel
	wf.RetryFailed = opts.RetryFailed
	wf.TimeoutSeconds = opts.TimeoutSeconds
	if opts.RetryFailed {
		wf.MaxRetries = opts.MaxRetries
		if wf.MaxRetries <= 0 {
			wf.MaxRetries = DefaultMaxRetries
		}
	}

	c.mu.Lock()
	c.workflows[wf.ID] = &entry{
		wf:       wf,
		states:   make(map[string]mesh.TaskState),
		outputs:  make(map[string]map[string]any),
		attempts: make(map[string]int),
		blocked:  make(map[string]bool),
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.String("workflow.id", wf.ID))
	return wf.Clone(), nil
}

// CreateSequential builds a workflow where each task has a finish_to_start
// dependency on the previous one.
func (c *Coordinator) CreateSequential(ctx context.Context, name, createdBy string, specs []TaskSpec, opts CreateOptions) (*Workflow, error) {
	return c.createChain(ctx, name, createdBy, PatternSequential, specs, opts)
}

// CreatePipeline builds a chained workflow where each completed stage's
// output is merged into the next stage's input before it starts.
func (c *Coordinator) CreatePipeline(ctx context.Context, name, createdBy string, specs []TaskSpec, opts CreateOptions) (*Workflow, error) {
	return c.createChain(ctx, name, createdBy, PatternPipeline, specs, opts)
}

func (c *Coordinator) createChain(ctx context.Context, name, createdBy string, pattern Pattern, specs []TaskSpec, opts CreateOptions) (*Workflow, error) {
	if len(specs) == 0 {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow needs at least one task")
	}
	wf, err := c.Create(ctx, name, createdBy, pattern, opts)
	if err != nil {
		return nil, err
	}
	wtIDs := make([]string, 0, len(specs))
	for _, spec := range specs {
		wtID, err := c.AddTask(ctx, wf.ID, spec)
		if err != nil {
			return nil, err
		}
		wtIDs = append(wtIDs, wtID)
	}
	for i := 1; i < len(wtIDs); i++ {
		if err := c.AddDependency(wf.ID, wtIDs[i-1], wtIDs[i], FinishToStart); err != nil {
			return nil, err
		}
	}
	return c.descriptor(wf.ID)
}

// CreateParallel builds a workflow with no dependencies; MaxParallel in
// opts bounds how many of its tasks run at once.
func (c *Coordinator) CreateParallel(ctx context.Context, name, createdBy string, specs []TaskSpec, opts CreateOptions) (*Workflow, error) {
	if len(specs) == 0 {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow needs at least one task")
	}
	wf, err := c.Create(ctx, name, createdBy, PatternParallel, opts)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, err := c.AddTask(ctx, wf.ID, spec); err != nil {
			return nil, err
		}
	}
	return c.descriptor(wf.ID)
}

// CreateFanout builds a workflow where one source task's completion
// releases every target task.
func (c *Coordinator) CreateFanout(ctx context.Context, name, createdBy string, source TaskSpec, targets []TaskSpec, opts CreateOptions) (*Workflow, error) {
	if len(targets) == 0 {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "fanout workflow needs at least one target task")
	}
	wf, err := c.Create(ctx, name, createdBy, PatternFanout, opts)
	if err != nil {
		return nil, err
	}
	sourceID, err := c.AddTask(ctx, wf.ID, source)
	if err != nil {
		return nil, err
	}
	for _, spec := range targets {
		targetID, err := c.AddTask(ctx, wf.ID, spec)
		if err != nil {
			return nil, err
		}
		if err := c.AddDependency(wf.ID, sourceID, targetID, FinishToStart); err != nil {
			return nil, err
		}
	}
	return c.descriptor(wf.ID)
}

// AddTask creates a task through the task manager and binds it to the
// workflow, returning the workflow-task id. Only workflows that have not
// started can be extended. Validation runs before the task manager is
// touched, so a rejected call leaves no orphaned task behind.
func (c *Coordinator) AddTask(ctx context.Context, workflowID string, spec TaskSpec) (string, error) {
	e, err := c.entry(workflowID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf.State != StateCreated {
		return "", mesh.Errorf(mesh.InvalidStateErrorCode, "workflow %s is %s, tasks can only be added before start", workflowID, e.wf.State)
	}
	wtID := spec.WorkflowTaskID
	if wtID == "" {
		wtID = fmt.Sprintf("t%d", len(e.wf.TaskIDs)+1)
	}
	if _, exists := e.wf.TaskIDs[wtID]; exists {
		return "", mesh.Errorf(mesh.InvalidParamsErrorCode, "workflow task %q already exists", wtID)
	}

	t, err := c.tasks.Create(ctx, spec.Name, e.wf.CreatedBy, task.CreateOptions{
		Description: spec.Description,
		InputData:   spec.InputData,
		Metadata:    spec.Metadata,
	})
	if err != nil {
		return "", err
	}
	state := mesh.TaskStateCreated
	if spec.AgentID != "" {
		if _, err := c.tasks.Assign(ctx, t.ID, spec.AgentID); err != nil {
			c.discard(ctx, t.ID)
			return "", err
		}
		state = mesh.TaskStateAssigned
	}
	if err := e.wf.AddTask(wtID, t.ID); err != nil {
		c.discard(ctx, t.ID)
		return "", err
	}
	e.states[wtID] = state

	c.mu.Lock()
	c.taskIndex[t.ID] = taskRef{workflowID: workflowID, wtID: wtID}
	c.mu.Unlock()
	return wtID, nil
}

// AddDependency inserts a dependency edge, rejecting cycles atomically.
// Only workflows that have not started can be extended.
func (c *Coordinator) AddDependency(workflowID, pred, succ string, typ DependencyType) error {
	e, err := c.entry(workflowID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf.State != StateCreated {
		return mesh.Errorf(mesh.InvalidStateErrorCode, "workflow %s is %s, dependencies can only be added before start", workflowID, e.wf.State)
	}
	return e.wf.AddDependency(pred, succ, typ)
}

// Start transitions the workflow to running and starts its initial ready
// set. Later tasks start as their dependencies resolve.
func (c *Coordinator) Start(ctx context.Context, workflowID string) error {
	_, span := c.tracer.Start(ctx, "workflow.Start",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	e, err := c.entry(workflowID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	e.mu.Lock()
	if e.wf.State != StateCreated {
		state := e.wf.State
		e.mu.Unlock()
		err := mesh.Errorf(mesh.InvalidStateErrorCode, "workflow %s is %s, start requires created", workflowID, state)
		span.RecordError(err)
		return err
	}
	e.wf.State = StateRunning
	e.wf.UpdatedAt = time.Now().UTC()
	timeout := e.wf.TimeoutSeconds
	plans, finished := c.evaluate(e)
	e.mu.Unlock()

	c.notify(mesh.NewWorkflowEvent(mesh.EventWorkflowStarted, "task_coordinator", workflowID, map[string]any{
		"name": c.name(e),
	}))
	c.finish(workflowID, e, finished)
	c.execute(context.WithoutCancel(ctx), workflowID, e, plans)

	if timeout > 0 {
		go c.watchTimeout(workflowID, e, time.Duration(timeout)*time.Second)
	}
	return nil
}

// Cancel cancels every non-terminal constituent task and marks the
// workflow cancelled. Individual task cancellation failures are logged and
// do not abort the cascade.
func (c *Coordinator) Cancel(ctx context.Context, workflowID, reason string) error {
	_, span := c.tracer.Start(ctx, "workflow.Cancel",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	e, err := c.entry(workflowID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	e.mu.Lock()
	if e.wf.State.Terminal() {
		state := e.wf.State
		e.mu.Unlock()
		err := mesh.Errorf(mesh.InvalidStateErrorCode, "workflow %s is already %s", workflowID, state)
		span.RecordError(err)
		return err
	}
	e.wf.State = StateCancelled
	e.wf.UpdatedAt = time.Now().UTC()
	var victims []string
	for wtID, state := range e.states {
		if !state.Terminal() {
			victims = append(victims, e.wf.TaskIDs[wtID])
			e.states[wtID] = mesh.TaskStateCancelled
		}
	}
	e.mu.Unlock()

	sort.Strings(victims)
	for _, taskID := range victims {
		if _, err := c.tasks.Cancel(context.WithoutCancel(ctx), taskID, reason); err != nil {
			c.logger.Warn("cascading task cancel failed", "workflow", workflowID, "task", taskID, "error", err)
		}
	}
	c.notify(mesh.NewWorkflowEvent(mesh.EventWorkflowCancelled, "task_coordinator", workflowID, map[string]any{
		"reason": reason,
	}))
	return nil
}

// Get returns a snapshot of the workflow, or a WorkflowNotFound error.
func (c *Coordinator) Get(workflowID string) (*Snapshot, error) {
	e, err := c.entry(workflowID)
	if err != nil {
		return nil, err
	}
	return c.snapshot(e), nil
}

// List returns snapshots of all workflows, ordered by creation time.
func (c *Coordinator) List() []*Snapshot {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.workflows))
	for _, e := range c.workflows {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	snapshots := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		snapshots = append(snapshots, c.snapshot(e))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
		}
		return snapshots[i].ID < snapshots[j].ID
	})
	return snapshots
}

func (c *Coordinator) entry(workflowID string) (*entry, error) {
	c.mu.RLock()
	e, exists := c.workflows[workflowID]
	c.mu.RUnlock()
	if !exists {
		return nil, mesh.Errorf(mesh.WorkflowNotFoundErrorCode, "workflow %s not found", workflowID)
	}
	return e, nil
}

func (c *Coordinator) descriptor(workflowID string) (*Workflow, error) {
	e, err := c.entry(workflowID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wf.Clone(), nil
}

func (c *Coordinator) snapshot(e *entry) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &Snapshot{
		Workflow:   e.wf.Clone(),
		TaskStates: make(map[string]mesh.TaskState, len(e.states)),
	}
	for wtID, state := range e.states {
		s.TaskStates[wtID] = state
	}
	if len(e.attempts) > 0 {
		s.Attempts = make(map[string]int, len(e.attempts))
		for wtID, n := range e.attempts {
			s.Attempts[wtID] = n
		}
	}
	return s
}

func (c *Coordinator) name(e *entry) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wf.Name
}

// discard cancels a task created for a workflow binding that did not go
// through. Best effort: the task is not in taskIndex yet, so the cancel
// event passes through the scheduler untracked.
func (c *Coordinator) discard(ctx context.Context, taskID string) {
	if _, err := c.tasks.Cancel(ctx, taskID, "workflow binding failed"); err != nil {
		c.logger.Warn("discarding unbound workflow task failed", "task", taskID, "error", err)
	}
}

// processEvent folds one terminal task event into the owning workflow's
// scheduling state and starts whatever became ready. Runs only on the
// scheduling goroutine.
func (c *Coordinator) processEvent(event *mesh.Event) {
	taskID, _ := event.Payload["task_id"].(string)
	c.mu.RLock()
	ref, tracked := c.taskIndex[taskID]
	c.mu.RUnlock()
	if !tracked {
		return
	}
	e, err := c.entry(ref.workflowID)
	if err != nil {
		return
	}

	ctx := context.Background()

	e.mu.Lock()
	if e.wf.State != StateRunning {
		e.mu.Unlock()
		return
	}

	switch event.Type {
	case mesh.EventTaskCompleted:
		e.states[ref.wtID] = mesh.TaskStateCompleted
		if output, ok := event.Payload["output"].(map[string]any); ok {
			e.outputs[ref.wtID] = output
		}

	case mesh.EventTaskFailed:
		if e.wf.RetryFailed && e.attempts[ref.wtID] < e.wf.MaxRetries {
			e.attempts[ref.wtID]++
			attempt := e.attempts[ref.wtID]
			e.states[ref.wtID] = mesh.TaskStateAssigned
			e.mu.Unlock()

			c.logger.Info("retrying failed task",
				"workflow", ref.workflowID, "task", taskID, "attempt", attempt)
			if _, err := c.tasks.Retry(ctx, taskID); err != nil {
				c.logger.Warn("task retry failed", "workflow", ref.workflowID, "task", taskID, "error", err)
				e.mu.Lock()
				e.states[ref.wtID] = mesh.TaskStateFailed
				e.blocked[ref.wtID] = true
				e.mu.Unlock()
			}
			e.mu.Lock()
		} else {
			e.states[ref.wtID] = mesh.TaskStateFailed
			e.blocked[ref.wtID] = true
		}

	case mesh.EventTaskCancelled:
		e.states[ref.wtID] = mesh.TaskStateCancelled
		e.blocked[ref.wtID] = true
	}

	plans, finished := c.evaluate(e)
	e.mu.Unlock()

	c.finish(ref.workflowID, e, finished)
	c.execute(ctx, ref.workflowID, e, plans)
}

// evaluate computes the next scheduling step under e.mu: the ready tasks
// admitted by MaxParallel, or the terminal workflow state if no further
// progress is possible. Planned tasks are marked running in the mirror so
// a re-evaluation never double-starts them.
func (c *Coordinator) evaluate(e *entry) (plans []startPlan, finished State) {
	if e.wf.State != StateRunning {
		return nil, ""
	}

	completed, running := 0, 0
	for _, state := range e.states {
		switch state {
		case mesh.TaskStateCompleted:
			completed++
		case mesh.TaskStateRunning:
			running++
		}
	}
	if completed == len(e.wf.TaskIDs) {
		e.wf.State = StateCompleted
		e.wf.UpdatedAt = time.Now().UTC()
		return nil, StateCompleted
	}

	// Iterate the ready scan to a fixpoint: a task planned in one pass can
	// release its start_to_start successors in the next, so they launch
	// together rather than waiting for the predecessor to finish.
	for {
		var ready []string
		for wtID, state := range e.states {
			if state != mesh.TaskStateCreated && state != mesh.TaskStateAssigned {
				continue
			}
			if e.blocked[wtID] || !c.depsSatisfied(e, wtID) {
				continue
			}
			ready = append(ready, wtID)
		}
		sort.Strings(ready)

		capacity := len(ready)
		if e.wf.MaxParallel > 0 {
			capacity = e.wf.MaxParallel - running
			if capacity < 0 {
				capacity = 0
			}
		}
		if capacity > len(ready) {
			capacity = len(ready)
		}
		if capacity == 0 {
			break
		}

		for _, wtID := range ready[:capacity] {
			plan := startPlan{wtID: wtID, taskID: e.wf.TaskIDs[wtID]}
			if e.wf.Pattern == PatternPipeline {
				plan.input = c.stageInput(e, wtID)
			}
			e.states[wtID] = mesh.TaskStateRunning
			plans = append(plans, plan)
		}
		running += capacity
	}

	if len(plans) == 0 && running == 0 {
		// Nothing running and nothing startable: remaining tasks are
		// blocked behind failures.
		e.wf.State = StateFailed
		e.wf.UpdatedAt = time.Now().UTC()
		return nil, StateFailed
	}
	return plans, ""
}

func (c *Coordinator) depsSatisfied(e *entry, wtID string) bool {
	for _, dep := range e.wf.Predecessors(wtID) {
		pred := e.states[dep.Predecessor]
		switch dep.Type {
		case FinishToStart:
			if pred != mesh.TaskStateCompleted {
				return false
			}
		case StartToStart:
			if pred != mesh.TaskStateRunning && pred != mesh.TaskStateCompleted {
				return false
			}
		case FinishToFinish:
			// Start is not gated; completion ordering is up to the
			// executing agents.
		}
	}
	return true
}

// stageInput merges the outputs of completed finish_to_start predecessors
// for a pipeline stage, in sorted predecessor order.
func (c *Coordinator) stageInput(e *entry, wtID string) map[string]any {
	deps := e.wf.Predecessors(wtID)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Predecessor < deps[j].Predecessor })

	var input map[string]any
	for _, dep := range deps {
		if dep.Type != FinishToStart {
			continue
		}
		output := e.outputs[dep.Predecessor]
		if len(output) == 0 {
			continue
		}
		if input == nil {
			input = make(map[string]any)
		}
		for k, v := range output {
			input[k] = v
		}
	}
	return input
}

// execute starts planned tasks outside the entry lock. A start failure
// fails the task in the task manager so manager and mirror agree, and the
// resulting task.failed event re-enters the scheduler (retry budget
// included). Only when the manager refuses the transition does the mirror
// record the failure directly, so a bad plan can still drive the workflow
// to a terminal state.
func (c *Coordinator) execute(ctx context.Context, workflowID string, e *entry, plans []startPlan) {
	for len(plans) > 0 {
		var failed []string
		for _, plan := range plans {
			var err error
			if plan.input != nil {
				err = c.tasks.MergeInput(plan.taskID, plan.input)
			}
			if err == nil {
				_, err = c.tasks.Start(ctx, plan.taskID)
			}
			if err == nil {
				continue
			}
			c.logger.Warn("task start failed", "workflow", workflowID, "task", plan.taskID, "error", err)
			if _, ferr := c.tasks.Fail(ctx, plan.taskID, fmt.Sprintf("start failed: %v", err)); ferr != nil {
				c.logger.Warn("failing unstartable task", "workflow", workflowID, "task", plan.taskID, "error", ferr)
				failed = append(failed, plan.wtID)
			}
		}
		if len(failed) == 0 {
			return
		}

		var finished State
		e.mu.Lock()
		for _, wtID := range failed {
			e.states[wtID] = mesh.TaskStateFailed
			e.blocked[wtID] = true
		}
		plans, finished = c.evaluate(e)
		e.mu.Unlock()
		c.finish(workflowID, e, finished)
	}
}

// finish emits the terminal workflow event decided by evaluate.
func (c *Coordinator) finish(workflowID string, e *entry, finished State) {
	switch finished {
	case StateCompleted:
		c.notify(mesh.NewWorkflowEvent(mesh.EventWorkflowCompleted, "task_coordinator", workflowID, nil))
	case StateFailed:
		c.notify(mesh.NewWorkflowEvent(mesh.EventWorkflowFailed, "task_coordinator", workflowID, nil))
	}
}

// watchTimeout forces cancellation when a workflow outlives its deadline.
// The timeout event is emitted before the cascade so subscribers can tell
// a timeout from an explicit cancel.
func (c *Coordinator) watchTimeout(workflowID string, e *entry, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.quit:
		return
	}

	e.mu.Lock()
	expired := !e.wf.State.Terminal()
	e.mu.Unlock()
	if !expired {
		return
	}

	c.logger.Warn("workflow timed out", "workflow", workflowID, "timeout", d)
	c.notify(mesh.NewWorkflowEvent(mesh.EventWorkflowTimeout, "task_coordinator", workflowID, map[string]any{
		"timeout_seconds": int(d / time.Second),
	}))
	if err := c.Cancel(context.Background(), workflowID, "workflow timeout"); err != nil {
		c.logger.Warn("timeout cancellation failed", "workflow", workflowID, "error", err)
	}
}
