// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/bus"
	"github.com/go-a2a/mesh/dispatch"
	"github.com/go-a2a/mesh/security"
	"github.com/go-a2a/mesh/task"
	"github.com/go-a2a/mesh/workflow"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(testSecret, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return s
}

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

// login issues a token through auth.login and returns a context carrying it.
func login(t *testing.T, s *Service, agentID string, roles ...string) context.Context {
	t.Helper()
	params := dispatch.Params{"agent_id": agentID}
	if len(roles) > 0 {
		anyRoles := make([]any, len(roles))
		for i, r := range roles {
			anyRoles[i] = r
		}
		params["roles"] = anyRoles
	}
	result, err := s.Dispatcher().Call(context.Background(), "auth.login", params)
	if err != nil {
		t.Fatalf("auth.login error = %v", err)
	}
	pair, ok := result.(*security.TokenPair)
	if !ok {
		t.Fatalf("auth.login result = %T, want *security.TokenPair", result)
	}
	return dispatch.WithToken(context.Background(), pair.AccessToken)
}

func call(t *testing.T, s *Service, ctx context.Context, method string, params dispatch.Params) any {
	t.Helper()
	result, err := s.Dispatcher().Call(ctx, method, params)
	if err != nil {
		t.Fatalf("%s error = %v", method, err)
	}
	return result
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	params := dispatch.Params{"name": "index"}

	if _, err := s.Dispatcher().Call(context.Background(), "task.create", params); !errors.Is(err, mesh.ErrAuth) {
		t.Errorf("task.create without token error = %v, want ErrAuth", err)
	}

	observer := login(t, s, "watcher-1", "observer")
	if _, err := s.Dispatcher().Call(observer, "task.create", params); !errors.Is(err, mesh.ErrPermissionDenied) {
		t.Errorf("task.create as observer error = %v, want ErrPermissionDenied", err)
	}
	if _, err := s.Dispatcher().Call(observer, "task.list", dispatch.Params{}); err != nil {
		t.Errorf("task.list as observer error = %v", err)
	}

	agent := login(t, s, "agent-1")
	if _, err := s.Dispatcher().Call(agent, "task.create", params); err != nil {
		t.Errorf("task.create as agent error = %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Parallel()
	s := newTestService(t, WithTokenOptions(security.WithTokenTTL(-time.Minute)))

	ctx := login(t, s, "agent-1")
	_, err := s.Dispatcher().Call(ctx, "task.create", dispatch.Params{"name": "index"})
	if !errors.Is(err, mesh.ErrAuth) {
		t.Errorf("task.create with expired token error = %v, want ErrAuth", err)
	}
}

func TestAdminRoleRequiresSecret(t *testing.T) {
	t.Parallel()
	s := newTestService(t, WithAdminSecret("hunter2"))

	_, err := s.Dispatcher().Call(context.Background(), "auth.login", dispatch.Params{
		"agent_id": "agent-1",
		"roles":    []any{"admin"},
	})
	if !errors.Is(err, mesh.ErrPermissionDenied) {
		t.Errorf("admin login without secret error = %v, want ErrPermissionDenied", err)
	}

	if _, err := s.Dispatcher().Call(context.Background(), "auth.login", dispatch.Params{
		"agent_id": "agent-1",
		"roles":    []any{"admin"},
		"secret":   "hunter2",
	}); err != nil {
		t.Errorf("admin login with secret error = %v", err)
	}
}

func TestAgentRegisterAndDiscovery(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	result := call(t, s, context.Background(), "agent.register", dispatch.Params{
		"name":         "indexer",
		"version":      "1.0.0",
		"capabilities": []any{"index", "search"},
	})
	reg, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("agent.register result = %T, want map", result)
	}
	card, ok := reg["agent"].(*mesh.AgentCard)
	if !ok {
		t.Fatalf("agent.register agent = %T, want *mesh.AgentCard", reg["agent"])
	}
	if card.Status != mesh.AgentStatusOnline {
		t.Errorf("status = %s, want online", card.Status)
	}
	pair, ok := reg["token"].(*security.TokenPair)
	if !ok {
		t.Fatalf("agent.register token = %T, want *security.TokenPair", reg["token"])
	}
	ctx := dispatch.WithToken(context.Background(), pair.AccessToken)

	// The issued token authenticates the agent's own calls.
	call(t, s, ctx, "agent.heartbeat", dispatch.Params{})

	found := call(t, s, context.Background(), "discovery.find_for_capability", dispatch.Params{
		"capability": "index",
	}).(map[string]any)["agents"].([]*mesh.AgentCard)
	if len(found) != 1 || found[0].ID != card.ID {
		t.Fatalf("find_for_capability = %v, want [%s]", found, card.ID)
	}

	call(t, s, ctx, "agent.unregister", dispatch.Params{})
	capMap := call(t, s, context.Background(), "discovery.capability_map", dispatch.Params{}).(map[string][]string)
	if ids := capMap["index"]; len(ids) != 0 {
		t.Errorf("capability_map[index] = %v after unregister, want empty", ids)
	}
}

func TestTaskLifecycleOverRPC(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := login(t, s, "agent-1")

	created := call(t, s, ctx, "task.create", dispatch.Params{
		"name":       "crawl",
		"input_data": map[string]any{"url": "https://example.com"},
	}).(*mesh.Task)

	call(t, s, ctx, "task.assign", dispatch.Params{"task_id": created.ID})
	call(t, s, ctx, "task.start", dispatch.Params{"task_id": created.ID})
	call(t, s, ctx, "task.progress", dispatch.Params{"task_id": created.ID, "progress": 0.5})
	call(t, s, ctx, "task.complete", dispatch.Params{
		"task_id":     created.ID,
		"output_data": map[string]any{"pages": float64(12)},
	})

	got := call(t, s, ctx, "task.get", dispatch.Params{"task_id": created.ID}).(*mesh.Task)
	if got.State != mesh.TaskStateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("agent_id = %s, want agent-1", got.AgentID)
	}
	if got.OutputData["pages"] != float64(12) {
		t.Errorf("output = %v, want pages=12", got.OutputData)
	}

	if _, err := s.Dispatcher().Call(ctx, "task.start", dispatch.Params{"task_id": created.ID}); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("restarting completed task error = %v, want ErrInvalidState", err)
	}
}

func TestChannelPublishPollRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := login(t, s, "agent-1")

	subID := call(t, s, ctx, "channel.subscribe_pattern", dispatch.Params{
		"pattern": "notify.*",
	}).(map[string]any)["subscription_id"].(string)

	call(t, s, ctx, "channel.publish", dispatch.Params{
		"channel": "notify.build",
		"content": "build finished",
	})
	call(t, s, ctx, "channel.publish", dispatch.Params{
		"channel": "audit.build",
		"content": "not for us",
	})

	events := call(t, s, ctx, "channel.poll", dispatch.Params{
		"subscription_id": subID,
	}).(map[string]any)["events"].([]*mesh.Event)
	if len(events) != 1 {
		t.Fatalf("polled %d events, want 1", len(events))
	}
	if events[0].Payload["content"] != "build finished" {
		t.Errorf("content = %v, want build finished", events[0].Payload["content"])
	}

	call(t, s, ctx, "channel.unsubscribe", dispatch.Params{"subscription_id": subID})
	if _, err := s.Dispatcher().Call(ctx, "channel.unsubscribe", dispatch.Params{"subscription_id": subID}); !errors.Is(err, mesh.ErrInvalidRequest) {
		t.Errorf("double unsubscribe error = %v, want ErrInvalidRequest", err)
	}
}

func TestSignedEventsReachSubscribers(t *testing.T) {
	t.Parallel()
	s := newTestService(t, WithEventSigning())
	ctx := login(t, s, "agent-1")

	subID := call(t, s, ctx, "channel.subscribe", dispatch.Params{
		"channel": "notify.build",
	}).(map[string]any)["subscription_id"].(string)

	call(t, s, ctx, "channel.publish", dispatch.Params{
		"channel": "notify.build",
		"content": "build finished",
	})

	events := call(t, s, ctx, "channel.poll", dispatch.Params{
		"subscription_id": subID,
	}).(map[string]any)["events"].([]*mesh.Event)
	if len(events) != 1 {
		t.Fatalf("polled %d events, want 1", len(events))
	}
	// Delivery implies the subscription manager verified the signature.
	if events[0].Signature == "" {
		t.Error("delivered event is unsigned")
	}
}

func TestWorkflowOverRPC(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := login(t, s, "agent-1")

	wf := call(t, s, ctx, "workflow.create_sequential", dispatch.Params{
		"name": "deploy",
		"tasks": []any{
			map[string]any{"workflow_task_id": "build", "name": "build"},
			map[string]any{"workflow_task_id": "ship", "name": "ship"},
		},
	}).(*workflow.Workflow)

	call(t, s, ctx, "workflow.start", dispatch.Params{"workflow_id": wf.ID})

	snap := func() *workflow.Snapshot {
		return call(t, s, ctx, "workflow.info", dispatch.Params{"workflow_id": wf.ID}).(*workflow.Snapshot)
	}
	complete := func(wtID string) {
		taskID := snap().TaskIDs[wtID]
		waitFor(t, wtID+" running", func() bool {
			got, err := s.Tasks().Get(taskID)
			return err == nil && got.State == mesh.TaskStateRunning
		})
		call(t, s, ctx, "task.complete", dispatch.Params{"task_id": taskID})
	}

	complete("build")
	complete("ship")

	waitFor(t, "workflow completed", func() bool {
		return snap().State == workflow.StateCompleted
	})
}

func TestRegistrationLifecycleBridge(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := context.Background()

	publish := func(content map[string]any) {
		t.Helper()
		if err := s.bus.Publish(ctx, bus.NewMessage(registrationLifecycleChannel, "registration_manager", content, nil)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	publish(map[string]any{
		"event":        "component_registered",
		"component_id": "comp-1",
		"name":         "scheduler",
		"capabilities": []any{"schedule"},
	})
	waitFor(t, "component registered", func() bool {
		return s.Registry().Get("comp-1") != nil
	})
	if card := s.Registry().Get("comp-1"); card.Name != "scheduler" || !card.HasCapability("schedule") {
		t.Errorf("card = %+v, want scheduler with schedule capability", card)
	}

	publish(map[string]any{"event": "component_heartbeat", "component_id": "comp-1"})

	publish(map[string]any{"event": "component_deregistered", "component_id": "comp-1"})
	waitFor(t, "component deregistered", func() bool {
		return s.Registry().Get("comp-1") == nil
	})
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(testSecret, WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ctx := context.Background()
	running, err := s.Tasks().Create(ctx, "long", "agent-1", task.CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Tasks().Start(ctx, running.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	done, err := s.Tasks().Create(ctx, "done", "agent-1", task.CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	got, err := s.Tasks().Get(running.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != mesh.TaskStateCancelled {
		t.Errorf("running task state = %s after shutdown, want cancelled", got.State)
	}
	// Non-running tasks are left alone.
	got, err = s.Tasks().Get(done.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != mesh.TaskStateCreated {
		t.Errorf("created task state = %s after shutdown, want created", got.State)
	}
}

func TestHTTPEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	post := func(body string, token string) *mesh.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		defer resp.Body.Close()

		var rpcResp mesh.Response
		if err := json.UnmarshalRead(resp.Body, &rpcResp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		return &rpcResp
	}

	reg := post(`{"jsonrpc":"2.0","id":1,"method":"agent.register","params":{"name":"worker","capabilities":["work"]}}`, "")
	if reg.Error != nil {
		t.Fatalf("agent.register error = %v", reg.Error)
	}
	result := reg.Result.(map[string]any)
	token := result["token"].(map[string]any)["access_token"].(string)

	created := post(`{"jsonrpc":"2.0","id":2,"method":"task.create","params":{"name":"crawl"}}`, token)
	if created.Error != nil {
		t.Fatalf("task.create error = %v", created.Error)
	}
	if state := created.Result.(map[string]any)["state"]; state != "created" {
		t.Errorf("state = %v, want created", state)
	}

	denied := post(`{"jsonrpc":"2.0","id":3,"method":"task.create","params":{"name":"crawl"}}`, "")
	if denied.Error == nil || denied.Error.Code != mesh.AuthErrorCode {
		t.Errorf("unauthenticated task.create error = %v, want auth error", denied.Error)
	}

	malformed := post(`{"jsonrpc":`, "")
	if malformed.Error == nil || malformed.Error.Code != mesh.ParseErrorCode {
		t.Errorf("malformed body error = %v, want parse error", malformed.Error)
	}
}
