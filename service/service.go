// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package service composes the registry, security layer, dispatcher, task
// manager, workflow coordinator, conversation manager and event fanout into
// one facade with an explicit initialize/shutdown lifecycle. The facade
// registers the full RPC method surface, bridges domain events to the
// streamer, the collaborator bus and the optional journal, and translates
// registration-manager lifecycle messages into registry operations.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/bus"
	"github.com/go-a2a/mesh/conversation"
	"github.com/go-a2a/mesh/dispatch"
	"github.com/go-a2a/mesh/eventlog"
	"github.com/go-a2a/mesh/registry"
	"github.com/go-a2a/mesh/security"
	"github.com/go-a2a/mesh/stream"
	"github.com/go-a2a/mesh/task"
	"github.com/go-a2a/mesh/workflow"
)

// Collaborator bus channels. The lifecycle channel is consumed from the
// external registration manager; the other two re-publish canonical events
// for legacy bus consumers.
const (
	registrationLifecycleChannel = "registration.lifecycle"
	registrationChannel          = "a2a.registration"
	taskChannel                  = "a2a.tasks"
)

// exemptMethods may be called without a token. Everything else goes through
// token validation and the access policy.
var exemptMethods = []string{
	"agent.register",
	"discovery.capability_map",
	"discovery.find_for_capability",
	"discovery.query",
	"auth.login",
	"auth.refresh",
}

// journalBuffer bounds the asynchronous journal queue. Journal writes are
// I/O and must never run inside a task's transition lock, so events are
// queued and written by a single goroutine, preserving enqueue order.
const journalBuffer = 256

// Service is the facade over the whole engine. Construct it with [New],
// call [Service.Initialize] before serving and [Service.Shutdown] on exit.
type Service struct {
	logger *slog.Logger
	tp     trace.TracerProvider

	registry      *registry.Registry
	discovery     *registry.Discovery
	tokens        *security.TokenManager
	access        *security.AccessControl
	signer        *security.MessageSigner
	dispatcher    *dispatch.Dispatcher
	tasks         *task.Manager
	workflows     *workflow.Coordinator
	conversations *conversation.Manager
	subs          *stream.SubscriptionManager
	streamer      *stream.EventStreamer
	ws            *stream.WebSocketHandler
	bus           bus.Bus
	journal       *eventlog.Store

	adminSecret   string
	signEvents    bool
	policy        registry.LivenessPolicy
	sweepInterval time.Duration
	tokenOpts     []security.TokenOption

	sweepStop chan struct{}
	sweepDone chan struct{}

	journalCh   chan *mesh.Event
	journalQuit chan struct{}
	journalDone chan struct{}

	busCancels []func()

	initOnce     sync.Once
	initialized  bool
	shutdownOnce sync.Once
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the [*slog.Logger] shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracerProvider sets the tracer provider for dispatch and lifecycle
// spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tp = tp
	}
}

// WithBus sets the collaborator message bus. An in-memory bus is used when
// none is configured.
func WithBus(b bus.Bus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithJournal enables the append-only event journal.
func WithJournal(store *eventlog.Store) Option {
	return func(s *Service) {
		s.journal = store
	}
}

// WithEventSigning signs every broadcast event with the service secret.
func WithEventSigning() Option {
	return func(s *Service) {
		s.signEvents = true
	}
}

// WithLivenessPolicy sets the registry heartbeat thresholds.
func WithLivenessPolicy(policy registry.LivenessPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithSweepInterval sets how often the liveness sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		s.sweepInterval = d
	}
}

// WithAdminSecret sets the shared secret that auth.login callers must
// present to obtain roles beyond agent and observer.
func WithAdminSecret(secret string) Option {
	return func(s *Service) {
		s.adminSecret = secret
	}
}

// WithTokenOptions forwards options to the token manager.
func WithTokenOptions(opts ...security.TokenOption) Option {
	return func(s *Service) {
		s.tokenOpts = append(s.tokenOpts, opts...)
	}
}

// New builds a fully wired [Service] signing tokens with the given secret.
func New(secret []byte, opts ...Option) (*Service, error) {
	s := &Service{
		logger:        slog.Default(),
		tp:            otel.GetTracerProvider(),
		policy:        registry.DefaultLivenessPolicy,
		sweepInterval: 30 * time.Second,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
		journalCh:     make(chan *mesh.Event, journalBuffer),
		journalQuit:   make(chan struct{}),
		journalDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	tokens, err := security.NewTokenManager(secret, s.tokenOpts...)
	if err != nil {
		return nil, err
	}
	s.tokens = tokens
	s.access = security.NewAccessControl()

	if s.signEvents {
		signer, err := security.NewMessageSigner(secret)
		if err != nil {
			return nil, err
		}
		s.signer = signer
	}

	if s.bus == nil {
		s.bus = bus.NewInMemory(bus.WithLogger(s.logger))
	}

	s.registry = registry.New(
		registry.WithLivenessPolicy(s.policy),
		registry.WithLogger(s.logger),
	)
	s.discovery = registry.NewDiscovery(s.registry)

	s.tasks = task.NewManager(
		task.WithLogger(s.logger),
		task.WithTracerProvider(s.tp),
	)
	s.workflows = workflow.NewCoordinator(s.tasks,
		workflow.WithLogger(s.logger),
		workflow.WithTracerProvider(s.tp),
	)
	s.conversations = conversation.NewManager(
		conversation.WithLogger(s.logger),
		conversation.WithTracerProvider(s.tp),
	)

	subOpts := []stream.SubscriptionOption{stream.WithSubscriptionLogger(s.logger)}
	if s.signer != nil {
		// With signing on, subscribers only ever see events whose origin
		// signature checks out; anything else is dropped at publish time.
		subOpts = append(subOpts, stream.WithSubscriptionVerifier(s.signer))
	}
	s.subs = stream.NewSubscriptionManager(subOpts...)
	s.streamer = stream.NewEventStreamer(s.subs, stream.WithStreamerLogger(s.logger))

	s.dispatcher = dispatch.New([]dispatch.Interceptor{
		dispatch.Recovery(s.logger),
		dispatch.Logging(s.logger),
		dispatch.Telemetry(s.tp.Tracer("mesh/service")),
		dispatch.Security(s.tokens, s.access, exemptMethods),
	}, dispatch.WithLogger(s.logger))
	s.ws = stream.NewWebSocketHandler(s.dispatcher, s.streamer, s.logger)

	if err := s.registerMethods(); err != nil {
		return nil, err
	}

	s.registry.AddObserver(registryObserver{s})
	s.tasks.AddListener(task.ListenerFunc(s.onTaskEvent))
	s.workflows.AddListener(workflow.ListenerFunc(s.onWorkflowEvent))
	s.conversations.AddListener(conversation.ListenerFunc(s.onConversationMessage))

	return s, nil
}

// Dispatcher exposes the dispatcher for transports embedding the service.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Registry exposes the agent registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Tasks exposes the task manager.
func (s *Service) Tasks() *task.Manager { return s.tasks }

// Streamer exposes the event streamer, also mountable as the SSE handler.
func (s *Service) Streamer() *stream.EventStreamer { return s.streamer }

// Initialize starts the liveness sweep, the journal writer and the bus
// subscription translating registration-manager lifecycle messages into
// registry operations. It is idempotent.
func (s *Service) Initialize(ctx context.Context) error {
	var initErr error
	s.initOnce.Do(func() {
		if err := s.bus.CreateChannel(registrationLifecycleChannel, "registration manager lifecycle events"); err != nil {
			initErr = err
			return
		}
		cancel, err := s.bus.Subscribe(registrationLifecycleChannel, s.onLifecycleMessage)
		if err != nil {
			initErr = err
			return
		}
		s.busCancels = append(s.busCancels, cancel)

		if s.journal != nil {
			if err := s.journal.Initialize(ctx); err != nil {
				initErr = err
				return
			}
		}
		go s.journalWriter()
		go s.sweepLoop()
		s.initialized = true

		s.logger.Info("service initialized", "methods", len(s.dispatcher.Methods()))
	})
	return initErr
}

// Shutdown stops the background loops, cancels every running task
// individually and closes the workflow coordinator. Individual cancellation
// failures are logged and never abort the rest of the shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.sweepStop)
		for _, cancel := range s.busCancels {
			cancel()
		}

		for _, t := range s.tasks.List(task.Filter{State: mesh.TaskStateRunning}) {
			if _, err := s.tasks.Cancel(ctx, t.ID, "service shutdown"); err != nil {
				s.logger.Warn("cancelling task on shutdown", "task", t.ID, "error", err)
			}
		}
		s.workflows.Close()

		if s.initialized {
			close(s.journalQuit)
			<-s.journalDone
		}

		s.logger.Info("service shut down")
	})
	return nil
}

func (s *Service) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case now := <-ticker.C:
			changed := s.registry.SweepLiveness(now.UTC())
			if len(changed) > 0 {
				s.logger.Info("liveness sweep demoted agents", "count", len(changed))
			}
		}
	}
}

// journalWriter drains the journal queue on its own goroutine so database
// writes never run inside a transition lock. On shutdown it flushes what is
// already queued before exiting.
func (s *Service) journalWriter() {
	defer close(s.journalDone)
	for {
		select {
		case event := <-s.journalCh:
			s.writeJournal(event)
		case <-s.journalQuit:
			for {
				select {
				case event := <-s.journalCh:
					s.writeJournal(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) writeJournal(event *mesh.Event) {
	if err := s.journal.Record(context.Background(), event); err != nil {
		s.logger.Error("journaling event", "event", event.ID, "error", err)
	}
}

func (s *Service) recordEvent(event *mesh.Event) {
	if s.journal == nil {
		return
	}
	select {
	case s.journalCh <- event:
	default:
		s.logger.Warn("journal queue full, dropping event", "event", event.ID)
	}
}

// fanoutOn signs, streams and journals one event on the given channel.
func (s *Service) fanoutOn(channel string, event *mesh.Event) {
	if s.signer != nil {
		if err := s.signer.SignEvent(event); err != nil {
			s.logger.Error("signing event", "event", event.ID, "error", err)
		}
	}
	s.streamer.BroadcastOn(channel, event)
	s.recordEvent(event)
}

func (s *Service) fanout(event *mesh.Event) {
	s.fanoutOn(event.Channel(), event)
}

// republish mirrors an event onto a legacy bus channel for collaborator
// consumers that speak bus messages rather than the canonical envelope.
func (s *Service) republish(channel string, event *mesh.Event) {
	msg := bus.NewMessage(channel, event.Source, event.Payload, map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
	})
	if err := s.bus.Publish(context.Background(), msg); err != nil {
		s.logger.Warn("re-publishing event to bus", "channel", channel, "error", err)
	}
}

type registryObserver struct {
	s *Service
}

func (o registryObserver) OnAgentEvent(event *mesh.Event) {
	o.s.fanout(event)
	o.s.republish(registrationChannel, event)
}

func (s *Service) onTaskEvent(event *mesh.Event) {
	s.fanout(event)
	s.republish(taskChannel, event)
}

func (s *Service) onWorkflowEvent(event *mesh.Event) {
	s.fanout(event)
}

// onConversationMessage streams each conversation message on its
// conversation-scoped channel, so pattern subscribers can follow a single
// conversation ("conversation.conv-1.message") or all of them
// ("conversation.*.message").
func (s *Service) onConversationMessage(conversationID string, msg *conversation.Message) {
	event := mesh.NewEvent(mesh.EventChannelMessage, "conversation_manager", map[string]any{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
		"sender_id":       msg.SenderID,
		"content":         msg.Content,
	})
	s.fanoutOn("conversation."+conversationID+".message", event)
}

// onLifecycleMessage translates registration-manager lifecycle messages
// into registry operations. Malformed messages are logged and dropped.
func (s *Service) onLifecycleMessage(ctx context.Context, msg *bus.Message) {
	content, ok := msg.Content.(map[string]any)
	if !ok {
		s.logger.Warn("lifecycle message content is not an object", "message", msg.ID)
		return
	}
	p := dispatch.Params(content)
	kind := p.StringOr("event", "")
	id := p.StringOr("component_id", "")

	switch kind {
	case "component_registered":
		name := p.StringOr("name", id)
		if name == "" {
			s.logger.Warn("lifecycle registration without component id or name", "message", msg.ID)
			return
		}
		card := mesh.NewAgentCard(name,
			p.StringOr("description", ""),
			p.StringOr("version", ""),
			p.StringSlice("capabilities"),
			p.StringSlice("methods"),
		)
		if id != "" {
			card.ID = id
		}
		card.Endpoint = p.StringOr("endpoint", "")
		s.registry.Register(card)
	case "component_deregistered":
		if s.registry.Unregister(id) == nil {
			s.logger.Debug("deregistration for unknown component", "component", id)
		}
	case "component_heartbeat":
		if err := s.registry.UpdateHeartbeat(id); err != nil {
			s.logger.Debug("heartbeat for unknown component", "component", id)
		}
	default:
		s.logger.Warn("unknown lifecycle event", "event", kind, "message", msg.ID)
	}
}
