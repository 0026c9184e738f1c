// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/task"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *task.Manager) {
	t.Helper()
	tasks := task.NewManager()
	c := NewCoordinator(tasks)
	t.Cleanup(c.Close)
	return c, tasks
}

// waitFor polls until cond holds or the deadline expires. Scheduling is
// event-driven on a separate goroutine, so tests observe state changes
// asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskState(t *testing.T, c *Coordinator, workflowID, wtID string) mesh.TaskState {
	t.Helper()
	snap, err := c.Get(workflowID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return snap.TaskStates[wtID]
}

func workflowState(t *testing.T, c *Coordinator, workflowID string) State {
	t.Helper()
	snap, err := c.Get(workflowID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return snap.State
}

func TestSequentialWorkflowOrdering(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateSequential(ctx, "deploy", "agent-1", []TaskSpec{
		{WorkflowTaskID: "build", Name: "build"},
		{WorkflowTaskID: "test", Name: "test"},
		{WorkflowTaskID: "ship", Name: "ship"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSequential() error = %v", err)
	}

	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "build running", func() bool {
		return taskState(t, c, wf.ID, "build") == mesh.TaskStateRunning
	})
	// Later stages must not start before their predecessor completes.
	if got := taskState(t, c, wf.ID, "test"); got == mesh.TaskStateRunning {
		t.Fatal("test stage running before build completed")
	}

	if _, err := tasks.Complete(ctx, wf.TaskIDs["build"], map[string]any{"artifact": "a.tar"}); err != nil {
		t.Fatalf("Complete(build) error = %v", err)
	}
	waitFor(t, "test running", func() bool {
		return taskState(t, c, wf.ID, "test") == mesh.TaskStateRunning
	})
	if got := taskState(t, c, wf.ID, "ship"); got == mesh.TaskStateRunning {
		t.Fatal("ship stage running before test completed")
	}

	if _, err := tasks.Complete(ctx, wf.TaskIDs["test"], nil); err != nil {
		t.Fatalf("Complete(test) error = %v", err)
	}
	waitFor(t, "ship running", func() bool {
		return taskState(t, c, wf.ID, "ship") == mesh.TaskStateRunning
	})
	if _, err := tasks.Complete(ctx, wf.TaskIDs["ship"], nil); err != nil {
		t.Fatalf("Complete(ship) error = %v", err)
	}

	waitFor(t, "workflow completed", func() bool {
		return workflowState(t, c, wf.ID) == StateCompleted
	})
}

func TestSequentialWorkflowFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	var failedEvents atomic.Int32
	c.AddListener(ListenerFunc(func(e *mesh.Event) {
		if e.Type == mesh.EventWorkflowFailed {
			failedEvents.Add(1)
		}
	}))

	wf, err := c.CreateSequential(ctx, "deploy", "agent-1", []TaskSpec{
		{WorkflowTaskID: "build", Name: "build"},
		{WorkflowTaskID: "ship", Name: "ship"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSequential() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "build running", func() bool {
		return taskState(t, c, wf.ID, "build") == mesh.TaskStateRunning
	})
	if _, err := tasks.Fail(ctx, wf.TaskIDs["build"], "compile error"); err != nil {
		t.Fatalf("Fail(build) error = %v", err)
	}

	waitFor(t, "workflow failed", func() bool {
		return workflowState(t, c, wf.ID) == StateFailed
	})
	if got := taskState(t, c, wf.ID, "ship"); got == mesh.TaskStateRunning {
		t.Error("dependent started despite blocked predecessor")
	}
	waitFor(t, "workflow.failed event", func() bool {
		return failedEvents.Load() == 1
	})
}

func TestParallelWorkflowAdmission(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateParallel(ctx, "crawl", "agent-1", []TaskSpec{
		{WorkflowTaskID: "w1", Name: "w1"},
		{WorkflowTaskID: "w2", Name: "w2"},
		{WorkflowTaskID: "w3", Name: "w3"},
	}, CreateOptions{MaxParallel: 2})
	if err != nil {
		t.Fatalf("CreateParallel() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	runningCount := func() int {
		snap, err := c.Get(wf.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		n := 0
		for _, state := range snap.TaskStates {
			if state == mesh.TaskStateRunning {
				n++
			}
		}
		return n
	}

	waitFor(t, "two tasks admitted", func() bool { return runningCount() == 2 })

	// Complete whichever tasks are running until the workflow drains,
	// checking the admission bound at every step.
	for workflowState(t, c, wf.ID) == StateRunning {
		if n := runningCount(); n > 2 {
			t.Fatalf("admission bound violated: %d tasks running", n)
		}
		snap, err := c.Get(wf.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		for wtID, state := range snap.TaskStates {
			if state == mesh.TaskStateRunning {
				if _, err := tasks.Complete(ctx, snap.TaskIDs[wtID], nil); err != nil {
					t.Fatalf("Complete(%s) error = %v", wtID, err)
				}
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "workflow completed", func() bool {
		return workflowState(t, c, wf.ID) == StateCompleted
	})
}

func TestPipelineFeedsOutputForward(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreatePipeline(ctx, "etl", "agent-1", []TaskSpec{
		{WorkflowTaskID: "extract", Name: "extract"},
		{WorkflowTaskID: "load", Name: "load"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "extract running", func() bool {
		return taskState(t, c, wf.ID, "extract") == mesh.TaskStateRunning
	})
	if _, err := tasks.Complete(ctx, wf.TaskIDs["extract"], map[string]any{"rows": 10}); err != nil {
		t.Fatalf("Complete(extract) error = %v", err)
	}
	waitFor(t, "load running", func() bool {
		return taskState(t, c, wf.ID, "load") == mesh.TaskStateRunning
	})

	loaded, err := tasks.Get(wf.TaskIDs["load"])
	if err != nil {
		t.Fatalf("Get(load) error = %v", err)
	}
	if got, ok := loaded.InputData["rows"]; !ok || got != 10 {
		t.Errorf("load input = %v, want extract output merged in", loaded.InputData)
	}
}

func TestFanoutWorkflow(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateFanout(ctx, "notify", "agent-1",
		TaskSpec{WorkflowTaskID: "source", Name: "source"},
		[]TaskSpec{
			{WorkflowTaskID: "email", Name: "email"},
			{WorkflowTaskID: "sms", Name: "sms"},
		}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateFanout() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "source running", func() bool {
		return taskState(t, c, wf.ID, "source") == mesh.TaskStateRunning
	})
	for _, wtID := range []string{"email", "sms"} {
		if got := taskState(t, c, wf.ID, wtID); got == mesh.TaskStateRunning {
			t.Fatalf("%s running before source completed", wtID)
		}
	}

	if _, err := tasks.Complete(ctx, wf.TaskIDs["source"], nil); err != nil {
		t.Fatalf("Complete(source) error = %v", err)
	}
	waitFor(t, "targets running", func() bool {
		return taskState(t, c, wf.ID, "email") == mesh.TaskStateRunning &&
			taskState(t, c, wf.ID, "sms") == mesh.TaskStateRunning
	})
}

func TestRetryFailedTask(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateSequential(ctx, "flaky", "agent-1", []TaskSpec{
		{WorkflowTaskID: "only", Name: "only"},
	}, CreateOptions{RetryFailed: true, MaxRetries: 2})
	if err != nil {
		t.Fatalf("CreateSequential() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Fail the task twice; each failure is retried and the task restarted.
	for i := 0; i < 2; i++ {
		waitFor(t, "task running", func() bool {
			return taskState(t, c, wf.ID, "only") == mesh.TaskStateRunning
		})
		if _, err := tasks.Fail(ctx, wf.TaskIDs["only"], "transient"); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		waitFor(t, "task restarted", func() bool {
			snap, err := c.Get(wf.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			return snap.Attempts["only"] == i+1 && snap.TaskStates["only"] == mesh.TaskStateRunning
		})
	}

	// The third failure exhausts the attempt budget.
	if _, err := tasks.Fail(ctx, wf.TaskIDs["only"], "permanent"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	waitFor(t, "workflow failed", func() bool {
		return workflowState(t, c, wf.ID) == StateFailed
	})
}

func TestCancelWorkflowCascades(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateParallel(ctx, "crawl", "agent-1", []TaskSpec{
		{WorkflowTaskID: "w1", Name: "w1"},
		{WorkflowTaskID: "w2", Name: "w2"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateParallel() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "tasks running", func() bool {
		return taskState(t, c, wf.ID, "w1") == mesh.TaskStateRunning &&
			taskState(t, c, wf.ID, "w2") == mesh.TaskStateRunning
	})

	if err := c.Cancel(ctx, wf.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := workflowState(t, c, wf.ID); got != StateCancelled {
		t.Errorf("workflow state = %s, want cancelled", got)
	}
	for _, wtID := range []string{"w1", "w2"} {
		got, err := tasks.Get(wf.TaskIDs[wtID])
		if err != nil {
			t.Fatalf("Get(%s) error = %v", wtID, err)
		}
		if got.State != mesh.TaskStateCancelled {
			t.Errorf("%s state = %s, want cancelled", wtID, got.State)
		}
	}

	// A second cancel is an invalid transition.
	if err := c.Cancel(ctx, wf.ID, "again"); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("Cancel(cancelled) error = %v, want ErrInvalidState", err)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var sawTimeout atomic.Bool
	c.AddListener(ListenerFunc(func(e *mesh.Event) {
		if e.Type == mesh.EventWorkflowTimeout {
			sawTimeout.Store(true)
		}
	}))

	wf, err := c.CreateSequential(ctx, "stuck", "agent-1", []TaskSpec{
		{WorkflowTaskID: "only", Name: "only"},
	}, CreateOptions{TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("CreateSequential() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "timeout cancellation", func() bool {
		return workflowState(t, c, wf.ID) == StateCancelled
	})
	if !sawTimeout.Load() {
		t.Error("workflow.timeout event never emitted")
	}
}

func TestStartToStartDependencyLaunchesTogether(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.Create(ctx, "stream", "agent-1", PatternParallel, CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, wtID := range []string{"produce", "consume"} {
		if _, err := c.AddTask(ctx, wf.ID, TaskSpec{WorkflowTaskID: wtID, Name: wtID}); err != nil {
			t.Fatalf("AddTask(%s) error = %v", wtID, err)
		}
	}
	if err := c.AddDependency(wf.ID, "produce", "consume", StartToStart); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The consumer is released by the producer starting, not finishing, so
	// both run concurrently.
	waitFor(t, "both tasks running", func() bool {
		return taskState(t, c, wf.ID, "produce") == mesh.TaskStateRunning &&
			taskState(t, c, wf.ID, "consume") == mesh.TaskStateRunning
	})

	snap, err := c.Get(wf.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for _, wtID := range []string{"produce", "consume"} {
		got, err := tasks.Get(snap.TaskIDs[wtID])
		if err != nil {
			t.Fatalf("Get(%s) error = %v", wtID, err)
		}
		if got.State != mesh.TaskStateRunning {
			t.Errorf("%s state = %s, want running", wtID, got.State)
		}
	}

	for _, wtID := range []string{"produce", "consume"} {
		if _, err := tasks.Complete(ctx, snap.TaskIDs[wtID], nil); err != nil {
			t.Fatalf("Complete(%s) error = %v", wtID, err)
		}
	}
	waitFor(t, "workflow completed", func() bool {
		return workflowState(t, c, wf.ID) == StateCompleted
	})
}

func TestRejectedAddTaskCreatesNoTask(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateParallel(ctx, "p", "agent-1", []TaskSpec{
		{WorkflowTaskID: "w1", Name: "w1"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateParallel() error = %v", err)
	}
	before := len(tasks.List(task.Filter{}))

	if _, err := c.AddTask(ctx, wf.ID, TaskSpec{WorkflowTaskID: "w1", Name: "dup"}); !errors.Is(err, mesh.ErrInvalidParams) {
		t.Errorf("AddTask(duplicate id) error = %v, want ErrInvalidParams", err)
	}
	if got := len(tasks.List(task.Filter{})); got != before {
		t.Errorf("task count after duplicate add = %d, want %d", got, before)
	}

	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.AddTask(ctx, wf.ID, TaskSpec{Name: "late"}); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("AddTask(running) error = %v, want ErrInvalidState", err)
	}
	if got := len(tasks.List(task.Filter{})); got != before {
		t.Errorf("task count after rejected add = %d, want %d", got, before)
	}
}

func TestUnstartableTaskFailsInManager(t *testing.T) {
	t.Parallel()

	c, tasks := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateParallel(ctx, "p", "agent-1", []TaskSpec{
		{WorkflowTaskID: "w1", Name: "w1"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateParallel() error = %v", err)
	}

	// Start the constituent task out of band so the coordinator's own start
	// attempt is an invalid transition.
	if _, err := tasks.Start(ctx, wf.TaskIDs["w1"]); err != nil {
		t.Fatalf("Start(task) error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "task failed in manager", func() bool {
		got, err := tasks.Get(wf.TaskIDs["w1"])
		return err == nil && got.State == mesh.TaskStateFailed
	})
	waitFor(t, "workflow failed", func() bool {
		return workflowState(t, c, wf.ID) == StateFailed
	})
	if got := taskState(t, c, wf.ID, "w1"); got != mesh.TaskStateFailed {
		t.Errorf("coordinator view of w1 = %s, want failed", got)
	}
}

func TestStartRequiresCreatedState(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	wf, err := c.CreateParallel(ctx, "p", "agent-1", []TaskSpec{
		{WorkflowTaskID: "w1", Name: "w1"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateParallel() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx, wf.ID); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("second Start() error = %v, want ErrInvalidState", err)
	}
	if _, err := c.AddTask(ctx, wf.ID, TaskSpec{Name: "late"}); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("AddTask(running) error = %v, want ErrInvalidState", err)
	}

	if err := c.Start(ctx, "workflow-missing"); !errors.Is(err, mesh.ErrWorkflowNotFound) {
		t.Errorf("Start(missing) error = %v, want ErrWorkflowNotFound", err)
	}
}
