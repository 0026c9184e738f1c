// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/bus"
	"github.com/go-a2a/mesh/conversation"
	"github.com/go-a2a/mesh/dispatch"
	"github.com/go-a2a/mesh/registry"
	"github.com/go-a2a/mesh/security"
	"github.com/go-a2a/mesh/task"
	"github.com/go-a2a/mesh/workflow"
)

// caller returns the authenticated agent id, or "" on exempt methods.
func caller(ctx context.Context) string {
	if sc := security.FromContext(ctx); sc != nil {
		return sc.AgentID
	}
	return ""
}

// agentIDOrCaller resolves an optional agent_id parameter, defaulting to
// the authenticated caller.
func agentIDOrCaller(ctx context.Context, params dispatch.Params) (string, error) {
	if id := params.StringOr("agent_id", ""); id != "" {
		return id, nil
	}
	if id := caller(ctx); id != "" {
		return id, nil
	}
	return "", mesh.Errorf(mesh.InvalidParamsErrorCode, "missing parameter %q", "agent_id")
}

func (s *Service) registerMethods() error {
	methods := map[string]dispatch.HandlerFunc{
		"agent.register":   s.handleAgentRegister,
		"agent.unregister": s.handleAgentUnregister,
		"agent.heartbeat":  s.handleAgentHeartbeat,
		"agent.get":        s.handleAgentGet,
		"agent.list":       s.handleAgentList,
		"agent.status":     s.handleAgentStatus,
		"agent.forward":    s.handleAgentForward,

		"discovery.capability_map":      s.handleCapabilityMap,
		"discovery.find_for_capability": s.handleFindForCapability,
		"discovery.query":               s.handleDiscoveryQuery,

		"auth.login":   s.handleAuthLogin,
		"auth.refresh": s.handleAuthRefresh,

		"task.create":   s.handleTaskCreate,
		"task.assign":   s.handleTaskAssign,
		"task.start":    s.handleTaskStart,
		"task.progress": s.handleTaskProgress,
		"task.complete": s.handleTaskComplete,
		"task.fail":     s.handleTaskFail,
		"task.cancel":   s.handleTaskCancel,
		"task.get":      s.handleTaskGet,
		"task.list":     s.handleTaskList,

		"channel.subscribe":         s.handleChannelSubscribe,
		"channel.subscribe_pattern": s.handleChannelSubscribePattern,
		"channel.unsubscribe":       s.handleChannelUnsubscribe,
		"channel.publish":           s.handleChannelPublish,
		"channel.poll":              s.handleChannelPoll,
		"channel.list":              s.handleChannelList,
		"channel.info":              s.handleChannelInfo,

		"conversation.create":       s.handleConversationCreate,
		"conversation.join":         s.handleConversationJoin,
		"conversation.leave":        s.handleConversationLeave,
		"conversation.send":         s.handleConversationSend,
		"conversation.list":         s.handleConversationList,
		"conversation.info":         s.handleConversationInfo,
		"conversation.request_turn": s.handleConversationRequestTurn,
		"conversation.grant_turn":   s.handleConversationGrantTurn,
		"conversation.end":          s.handleConversationEnd,

		"workflow.create":            s.handleWorkflowCreate,
		"workflow.create_sequential": s.handleWorkflowCreateSequential,
		"workflow.create_parallel":   s.handleWorkflowCreateParallel,
		"workflow.create_pipeline":   s.handleWorkflowCreatePipeline,
		"workflow.create_fanout":     s.handleWorkflowCreateFanout,
		"workflow.start":             s.handleWorkflowStart,
		"workflow.cancel":            s.handleWorkflowCancel,
		"workflow.info":              s.handleWorkflowInfo,
		"workflow.list":              s.handleWorkflowList,
		"workflow.add_task":          s.handleWorkflowAddTask,
		"workflow.add_dependency":    s.handleWorkflowAddDependency,
	}
	for name, handler := range methods {
		if err := s.dispatcher.RegisterMethod(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// --- agent ---

// handleAgentRegister stores the card and issues a token pair for it, so a
// fresh agent authenticates every subsequent call with its own identity.
func (s *Service) handleAgentRegister(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	card := mesh.NewAgentCard(name,
		params.StringOr("description", ""),
		params.StringOr("version", ""),
		params.StringSlice("capabilities"),
		params.StringSlice("supported_methods"),
	)
	if id := params.StringOr("agent_id", ""); id != "" {
		card.ID = id
	}
	card.Endpoint = params.StringOr("endpoint", "")
	card.Metadata = params.Map("metadata")

	prev := s.registry.Register(card)
	pair, err := s.tokens.Issue(card.ID, []security.Role{security.RoleAgent})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":   s.registry.Get(card.ID),
		"token":   pair,
		"updated": prev != nil,
	}, nil
}

func (s *Service) handleAgentUnregister(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := agentIDOrCaller(ctx, params)
	if err != nil {
		return nil, err
	}
	card := s.registry.Unregister(id)
	if card == nil {
		return nil, mesh.Errorf(mesh.AgentNotFoundErrorCode, "agent %s not found", id)
	}
	s.subs.UnsubscribeAgent(id)
	return map[string]any{"agent": card}, nil
}

func (s *Service) handleAgentHeartbeat(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := agentIDOrCaller(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := s.registry.UpdateHeartbeat(id); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": id, "acknowledged": true}, nil
}

func (s *Service) handleAgentGet(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("agent_id")
	if err != nil {
		return nil, err
	}
	card := s.registry.Get(id)
	if card == nil {
		return nil, mesh.Errorf(mesh.AgentNotFoundErrorCode, "agent %s not found", id)
	}
	return card, nil
}

func (s *Service) handleAgentList(ctx context.Context, params dispatch.Params) (any, error) {
	return map[string]any{"agents": s.registry.List()}, nil
}

func (s *Service) handleAgentStatus(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("agent_id")
	if err != nil {
		return nil, err
	}
	card := s.registry.Get(id)
	if card == nil {
		return nil, mesh.Errorf(mesh.AgentNotFoundErrorCode, "agent %s not found", id)
	}
	return map[string]any{
		"agent_id":       card.ID,
		"status":         string(card.Status),
		"last_heartbeat": card.LastHeartbeat,
	}, nil
}

// handleAgentForward stubs remote invocation: the request is published on
// the target agent's bus channel and the transport to the agent's endpoint
// is left to collaborators.
func (s *Service) handleAgentForward(ctx context.Context, params dispatch.Params) (any, error) {
	target, err := params.String("agent_id")
	if err != nil {
		return nil, err
	}
	method, err := params.String("method")
	if err != nil {
		return nil, err
	}
	if s.registry.Get(target) == nil {
		return nil, mesh.Errorf(mesh.AgentNotFoundErrorCode, "agent %s not found", target)
	}

	channel := "agent." + target + ".request"
	msg := bus.NewMessage(channel, caller(ctx), map[string]any{
		"method": method,
		"params": params.Map("params"),
	}, nil)
	if err := s.bus.Publish(ctx, msg); err != nil {
		return nil, mesh.Errorf(mesh.InternalErrorCode, "forwarding to %s: %v", target, err)
	}
	return map[string]any{"forwarded": true, "channel": channel, "message_id": msg.ID}, nil
}

// --- discovery ---

func (s *Service) handleCapabilityMap(ctx context.Context, params dispatch.Params) (any, error) {
	return s.discovery.CapabilityMap(), nil
}

func (s *Service) handleFindForCapability(ctx context.Context, params dispatch.Params) (any, error) {
	capability, err := params.String("capability")
	if err != nil {
		return nil, err
	}
	agents := s.discovery.FindForCapability(capability, params.Bool("include_offline"))
	return map[string]any{"agents": agents}, nil
}

func (s *Service) handleDiscoveryQuery(ctx context.Context, params dispatch.Params) (any, error) {
	agents := s.discovery.Query(registry.QueryFilter{
		Capability:   params.StringOr("capability", ""),
		Method:       params.StringOr("method", ""),
		Status:       mesh.AgentStatus(params.StringOr("status", "")),
		NameContains: params.StringOr("name_contains", ""),
	})
	return map[string]any{"agents": agents}, nil
}

// --- auth ---

// handleAuthLogin issues a token pair. Roles default to agent; elevated
// roles require the configured admin secret. Credential verification beyond
// that is a collaborator concern.
func (s *Service) handleAuthLogin(ctx context.Context, params dispatch.Params) (any, error) {
	agentID, err := params.String("agent_id")
	if err != nil {
		return nil, err
	}
	roleNames := params.StringSlice("roles")
	if len(roleNames) == 0 {
		roleNames = []string{string(security.RoleAgent)}
	}

	roles := make([]security.Role, 0, len(roleNames))
	elevated := false
	for _, name := range roleNames {
		role := security.Role(name)
		if role != security.RoleAgent && role != security.RoleObserver {
			elevated = true
		}
		roles = append(roles, role)
	}
	if elevated {
		if s.adminSecret == "" || params.StringOr("secret", "") != s.adminSecret {
			return nil, mesh.Errorf(mesh.PermissionDeniedErrorCode, "role grant requires the admin secret")
		}
	}
	return s.tokens.Issue(agentID, roles)
}

func (s *Service) handleAuthRefresh(ctx context.Context, params dispatch.Params) (any, error) {
	refresh, err := params.String("refresh_token")
	if err != nil {
		return nil, err
	}
	return s.tokens.Refresh(refresh)
}

// --- task ---

func (s *Service) handleTaskCreate(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	return s.tasks.Create(ctx, name, caller(ctx), task.CreateOptions{
		Description: params.StringOr("description", ""),
		InputData:   params.Map("input_data"),
		Metadata:    params.Map("metadata"),
	})
}

func (s *Service) handleTaskAssign(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	agentID, err := agentIDOrCaller(ctx, params)
	if err != nil {
		return nil, err
	}
	return s.tasks.Assign(ctx, taskID, agentID)
}

func (s *Service) handleTaskStart(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	return s.tasks.Start(ctx, taskID)
}

func (s *Service) handleTaskProgress(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	progress, err := params.Float("progress")
	if err != nil {
		return nil, err
	}
	return s.tasks.UpdateProgress(ctx, taskID, progress, params.StringOr("message", ""))
}

func (s *Service) handleTaskComplete(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	return s.tasks.Complete(ctx, taskID, params.Map("output_data"))
}

func (s *Service) handleTaskFail(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	return s.tasks.Fail(ctx, taskID, params.StringOr("error", "task failed"))
}

func (s *Service) handleTaskCancel(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	return s.tasks.Cancel(ctx, taskID, params.StringOr("reason", "cancelled"))
}

func (s *Service) handleTaskGet(ctx context.Context, params dispatch.Params) (any, error) {
	taskID, err := params.String("task_id")
	if err != nil {
		return nil, err
	}
	return s.tasks.Get(taskID)
}

func (s *Service) handleTaskList(ctx context.Context, params dispatch.Params) (any, error) {
	tasks := s.tasks.List(task.Filter{
		State:   mesh.TaskState(params.StringOr("state", "")),
		AgentID: params.StringOr("agent_id", ""),
	})
	return map[string]any{"tasks": tasks}, nil
}

// --- channel ---

func (s *Service) handleChannelSubscribe(ctx context.Context, params dispatch.Params) (any, error) {
	channel, err := params.String("channel")
	if err != nil {
		return nil, err
	}
	sub := s.subs.Subscribe(caller(ctx), channel)
	return map[string]any{"subscription_id": sub.ID}, nil
}

func (s *Service) handleChannelSubscribePattern(ctx context.Context, params dispatch.Params) (any, error) {
	pattern, err := params.String("pattern")
	if err != nil {
		return nil, err
	}
	sub := s.subs.SubscribePattern(caller(ctx), pattern)
	return map[string]any{"subscription_id": sub.ID}, nil
}

func (s *Service) handleChannelUnsubscribe(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("subscription_id")
	if err != nil {
		return nil, err
	}
	if !s.subs.Unsubscribe(id) {
		return nil, mesh.Errorf(mesh.InvalidRequestErrorCode, "unknown subscription %s", id)
	}
	return map[string]any{"unsubscribed": true}, nil
}

// handleChannelPublish fans a caller-supplied message out to pattern
// subscribers and open streams on the named channel, and mirrors it onto
// the collaborator bus.
func (s *Service) handleChannelPublish(ctx context.Context, params dispatch.Params) (any, error) {
	channel, err := params.String("channel")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"]
	if !ok {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "missing parameter %q", "content")
	}
	sender := caller(ctx)

	event := mesh.NewEvent(mesh.EventChannelMessage, sender, map[string]any{
		"channel":  channel,
		"sender":   sender,
		"content":  content,
		"metadata": params.Map("metadata"),
	})
	s.fanoutOn(channel, event)

	msg := bus.NewMessage(channel, sender, content, params.Map("metadata"))
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.logger.Warn("mirroring publish to bus", "channel", channel, "error", err)
	}
	return map[string]any{"event_id": event.ID, "channel": channel}, nil
}

// handleChannelPoll drains buffered events from an RPC-created
// subscription, for callers without a streaming connection.
func (s *Service) handleChannelPoll(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("subscription_id")
	if err != nil {
		return nil, err
	}
	sub := s.subs.Get(id)
	if sub == nil {
		return nil, mesh.Errorf(mesh.InvalidRequestErrorCode, "unknown subscription %s", id)
	}
	events := sub.Drain(params.Int("max", 0))
	return map[string]any{"events": events}, nil
}

func (s *Service) handleChannelList(ctx context.Context, params dispatch.Params) (any, error) {
	return map[string]any{"channels": s.bus.Channels()}, nil
}

func (s *Service) handleChannelInfo(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("channel")
	if err != nil {
		return nil, err
	}
	return s.bus.Channel(name)
}

// --- conversation ---

func (s *Service) handleConversationCreate(ctx context.Context, params dispatch.Params) (any, error) {
	topic, err := params.String("topic")
	if err != nil {
		return nil, err
	}
	return s.conversations.Create(ctx, topic, caller(ctx), conversation.CreateOptions{
		Description:         params.StringOr("description", ""),
		Mode:                conversation.TurnMode(params.StringOr("mode", "")),
		InitialParticipants: params.StringSlice("participants"),
	})
}

func (s *Service) handleConversationJoin(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	role := conversation.ParticipantRole(params.StringOr("role", string(conversation.RoleParticipant)))
	if err := s.conversations.Join(id, caller(ctx), role); err != nil {
		return nil, err
	}
	return map[string]any{"joined": true}, nil
}

func (s *Service) handleConversationLeave(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.conversations.Leave(id, caller(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"left": true}, nil
}

func (s *Service) handleConversationSend(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	content, err := params.String("content")
	if err != nil {
		return nil, err
	}
	return s.conversations.Send(ctx, id, caller(ctx), content, params.Map("metadata"))
}

func (s *Service) handleConversationList(ctx context.Context, params dispatch.Params) (any, error) {
	return map[string]any{"conversations": s.conversations.List()}, nil
}

func (s *Service) handleConversationInfo(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	return s.conversations.Get(id)
}

func (s *Service) handleConversationRequestTurn(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	position, err := s.conversations.RequestTurn(id, caller(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]any{"position": position}, nil
}

func (s *Service) handleConversationGrantTurn(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	agentID, err := params.String("agent_id")
	if err != nil {
		return nil, err
	}
	if err := s.conversations.GrantTurn(id, caller(ctx), agentID); err != nil {
		return nil, err
	}
	return map[string]any{"granted": true}, nil
}

func (s *Service) handleConversationEnd(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.conversations.End(id, caller(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"ended": true}, nil
}

// --- workflow ---

func workflowOptions(params dispatch.Params) workflow.CreateOptions {
	return workflow.CreateOptions{
		MaxParallel:    params.Int("max_parallel", 0),
		RetryFailed:    params.Bool("retry_failed"),
		MaxRetries:     params.Int("max_retries", 0),
		TimeoutSeconds: params.Int("timeout_seconds", 0),
	}
}

func taskSpecFromMap(m map[string]any) workflow.TaskSpec {
	p := dispatch.Params(m)
	return workflow.TaskSpec{
		WorkflowTaskID: p.StringOr("workflow_task_id", ""),
		Name:           p.StringOr("name", ""),
		Description:    p.StringOr("description", ""),
		AgentID:        p.StringOr("agent_id", ""),
		InputData:      p.Map("input_data"),
		Metadata:       p.Map("metadata"),
	}
}

func taskSpecsParam(params dispatch.Params, key string) ([]workflow.TaskSpec, error) {
	maps, err := params.MapSlice(key)
	if err != nil {
		return nil, err
	}
	specs := make([]workflow.TaskSpec, 0, len(maps))
	for _, m := range maps {
		specs = append(specs, taskSpecFromMap(m))
	}
	return specs, nil
}

func (s *Service) handleWorkflowCreate(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	pattern := workflow.Pattern(params.StringOr("pattern", string(workflow.PatternCustom)))
	return s.workflows.Create(ctx, name, caller(ctx), pattern, workflowOptions(params))
}

func (s *Service) handleWorkflowCreateSequential(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	specs, err := taskSpecsParam(params, "tasks")
	if err != nil {
		return nil, err
	}
	return s.workflows.CreateSequential(ctx, name, caller(ctx), specs, workflowOptions(params))
}

func (s *Service) handleWorkflowCreateParallel(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	specs, err := taskSpecsParam(params, "tasks")
	if err != nil {
		return nil, err
	}
	return s.workflows.CreateParallel(ctx, name, caller(ctx), specs, workflowOptions(params))
}

func (s *Service) handleWorkflowCreatePipeline(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	specs, err := taskSpecsParam(params, "stages")
	if err != nil {
		return nil, err
	}
	return s.workflows.CreatePipeline(ctx, name, caller(ctx), specs, workflowOptions(params))
}

func (s *Service) handleWorkflowCreateFanout(ctx context.Context, params dispatch.Params) (any, error) {
	name, err := params.String("name")
	if err != nil {
		return nil, err
	}
	source := params.Map("source")
	if source == nil {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "missing parameter %q", "source")
	}
	targets, err := taskSpecsParam(params, "targets")
	if err != nil {
		return nil, err
	}
	return s.workflows.CreateFanout(ctx, name, caller(ctx), taskSpecFromMap(source), targets, workflowOptions(params))
}

func (s *Service) handleWorkflowStart(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("workflow_id")
	if err != nil {
		return nil, err
	}
	if err := s.workflows.Start(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"started": true}, nil
}

func (s *Service) handleWorkflowCancel(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("workflow_id")
	if err != nil {
		return nil, err
	}
	if err := s.workflows.Cancel(ctx, id, params.StringOr("reason", "cancelled")); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func (s *Service) handleWorkflowInfo(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("workflow_id")
	if err != nil {
		return nil, err
	}
	return s.workflows.Get(id)
}

func (s *Service) handleWorkflowList(ctx context.Context, params dispatch.Params) (any, error) {
	return map[string]any{"workflows": s.workflows.List()}, nil
}

func (s *Service) handleWorkflowAddTask(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("workflow_id")
	if err != nil {
		return nil, err
	}
	spec := taskSpecFromMap(params.Map("task"))
	if spec.Name == "" {
		spec.Name = params.StringOr("name", "")
	}
	wtID, err := s.workflows.AddTask(ctx, id, spec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflow_task_id": wtID}, nil
}

func (s *Service) handleWorkflowAddDependency(ctx context.Context, params dispatch.Params) (any, error) {
	id, err := params.String("workflow_id")
	if err != nil {
		return nil, err
	}
	pred, err := params.String("predecessor")
	if err != nil {
		return nil, err
	}
	succ, err := params.String("successor")
	if err != nil {
		return nil, err
	}
	typ := workflow.DependencyType(params.StringOr("type", string(workflow.FinishToStart)))
	if err := s.workflows.AddDependency(id, pred, succ, typ); err != nil {
		return nil, err
	}
	return map[string]any{"added": true}, nil
}
