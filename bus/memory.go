// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-a2a/mesh"
)

// subscriberQueue is the per-subscriber backlog. Messages beyond it are
// dropped for that subscriber so a stuck handler never blocks publishers.
const subscriberQueue = 64

// InMemory is a process-local [Bus]. Each subscriber runs its handler on a
// dedicated goroutine fed by a bounded FIFO queue.
type InMemory struct {
	mu       sync.RWMutex
	channels map[string]*channel

	logger *slog.Logger
	nextID int
}

type channel struct {
	info        ChannelInfo
	subscribers map[int]*subscriber
}

type subscriber struct {
	handler Handler
	queue   chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *subscriber) run(logger *slog.Logger) {
	for {
		select {
		case msg := <-s.queue:
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Error("bus handler panicked", "channel", msg.Channel, "panic", rec)
					}
				}()
				s.handler(context.Background(), msg)
			}()
		case <-s.done:
			return
		}
	}
}

// MemoryOption configures an [InMemory] bus.
type MemoryOption func(*InMemory)

// WithLogger sets the [*slog.Logger] for the bus.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(b *InMemory) {
		b.logger = logger
	}
}

// NewInMemory creates an empty in-memory bus.
func NewInMemory(opts ...MemoryOption) *InMemory {
	b := &InMemory{
		channels: make(map[string]*channel),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateChannel implements [Bus].
func (b *InMemory) CreateChannel(name, description string) error {
	if name == "" {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "channel name must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.ensureLocked(name)
	if description != "" {
		ch.info.Description = description
	}
	return nil
}

// Channel implements [Bus].
func (b *InMemory) Channel(name string) (*ChannelInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, exists := b.channels[name]
	if !exists {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "channel %q not found", name)
	}
	info := ch.info
	info.Subscribers = len(ch.subscribers)
	return &info, nil
}

// Channels implements [Bus].
func (b *InMemory) Channels() []*ChannelInfo {
	b.mu.RLock()
	infos := make([]*ChannelInfo, 0, len(b.channels))
	for _, ch := range b.channels {
		info := ch.info
		info.Subscribers = len(ch.subscribers)
		infos = append(infos, &info)
	}
	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Publish implements [Bus]. The channel is created implicitly if needed.
// Messages for subscribers with full queues are dropped and logged.
func (b *InMemory) Publish(_ context.Context, msg *Message) error {
	if msg.Channel == "" {
		return mesh.Errorf(mesh.InvalidParamsErrorCode, "message channel must not be empty")
	}

	b.mu.Lock()
	ch := b.ensureLocked(msg.Channel)
	subs := make([]*subscriber, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("dropping message for slow bus subscriber", "channel", msg.Channel, "message", msg.ID)
		}
	}
	return nil
}

// Subscribe implements [Bus]. The channel is created implicitly if needed.
func (b *InMemory) Subscribe(name string, h Handler) (func(), error) {
	if name == "" {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "channel name must not be empty")
	}
	if h == nil {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "handler must not be nil")
	}

	sub := &subscriber{
		handler: h,
		queue:   make(chan *Message, subscriberQueue),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	ch := b.ensureLocked(name)
	id := b.nextID
	b.nextID++
	ch.subscribers[id] = sub
	b.mu.Unlock()

	go sub.run(b.logger)

	cancel := func() {
		b.mu.Lock()
		if ch, exists := b.channels[name]; exists {
			delete(ch.subscribers, id)
		}
		b.mu.Unlock()
		sub.stop()
	}
	return cancel, nil
}

func (b *InMemory) ensureLocked(name string) *channel {
	ch, exists := b.channels[name]
	if !exists {
		ch = &channel{
			info:        ChannelInfo{Name: name, CreatedAt: time.Now().UTC()},
			subscribers: make(map[int]*subscriber),
		}
		b.channels[name] = ch
	}
	return ch
}
