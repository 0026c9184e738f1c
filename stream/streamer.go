// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/go-a2a/mesh"
)

// sseBuffer is the per-connection frame queue depth for SSE clients.
const sseBuffer = 64

// sseFrame is one pre-marshaled SSE event.
type sseFrame struct {
	event string
	data  []byte
}

type sseConn struct {
	mu     sync.Mutex
	closed bool
	frames chan sseFrame
}

func (c *sseConn) deliver(f sseFrame) (sent, alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, true
	}
	select {
	case c.frames <- f:
		return true, true
	default:
		return false, false
	}
}

func (c *sseConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
}

// EventStreamer pushes every broadcast domain event to all open SSE and
// WebSocket connections and to matching pattern subscribers. Each
// connection has its own bounded queue; a slow or disconnected consumer is
// closed and the rest are unaffected.
type EventStreamer struct {
	subs   *SubscriptionManager
	logger *slog.Logger

	mu    sync.Mutex
	sse   map[*sseConn]struct{}
	socks map[*wsSession]struct{}

	heartbeat time.Duration
}

// StreamerOption configures an [EventStreamer].
type StreamerOption func(*EventStreamer)

// WithStreamerLogger sets the [*slog.Logger] for the streamer.
func WithStreamerLogger(logger *slog.Logger) StreamerOption {
	return func(s *EventStreamer) {
		s.logger = logger
	}
}

// WithHeartbeat sets the SSE heartbeat-comment interval.
func WithHeartbeat(d time.Duration) StreamerOption {
	return func(s *EventStreamer) {
		s.heartbeat = d
	}
}

// NewEventStreamer creates an [EventStreamer] routing pattern deliveries
// through subs.
func NewEventStreamer(subs *SubscriptionManager, opts ...StreamerOption) *EventStreamer {
	s := &EventStreamer{
		subs:      subs,
		logger:    slog.Default(),
		sse:       make(map[*sseConn]struct{}),
		socks:     make(map[*wsSession]struct{}),
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broadcast fans the event out on its own type-derived channel, see
// [EventStreamer.BroadcastOn].
func (s *EventStreamer) Broadcast(event *mesh.Event) {
	s.BroadcastOn(event.Channel(), event)
}

// BroadcastOn marshals the event once and fans it out to every SSE
// connection, every WebSocket session and every subscriber matching the
// given channel. It never blocks on a consumer.
func (s *EventStreamer) BroadcastOn(channel string, event *mesh.Event) {
	data, err := sonic.Marshal(event)
	if err != nil {
		s.logger.Error("event marshal failed", "event", event.ID, "error", err)
		return
	}

	s.mu.Lock()
	sseConns := make([]*sseConn, 0, len(s.sse))
	for conn := range s.sse {
		sseConns = append(sseConns, conn)
	}
	sessions := make([]*wsSession, 0, len(s.socks))
	for sess := range s.socks {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	frame := sseFrame{event: string(event.Type), data: data}
	for _, conn := range sseConns {
		if _, alive := conn.deliver(frame); !alive {
			s.logger.Warn("closing slow SSE consumer")
			s.removeSSE(conn)
		}
	}
	for _, sess := range sessions {
		if !sess.enqueue(data) {
			s.logger.Warn("closing slow WebSocket consumer")
			sess.close()
		}
	}

	s.subs.Publish(channel, event)
}

func (s *EventStreamer) addSSE(conn *sseConn) {
	s.mu.Lock()
	s.sse[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *EventStreamer) removeSSE(conn *sseConn) {
	s.mu.Lock()
	delete(s.sse, conn)
	s.mu.Unlock()
	conn.close()
}

func (s *EventStreamer) addSession(sess *wsSession) {
	s.mu.Lock()
	s.socks[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *EventStreamer) removeSession(sess *wsSession) {
	s.mu.Lock()
	delete(s.socks, sess)
	s.mu.Unlock()
}

// ConnectionCounts returns the number of open SSE and WebSocket
// connections.
func (s *EventStreamer) ConnectionCounts() (sse, ws int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sse), len(s.socks)
}

// ServeHTTP implements the SSE endpoint: one "event:"/"data:" frame per
// broadcast domain event, with comment heartbeats to keep intermediaries
// from timing out the stream.
func (s *EventStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := &sseConn{frames: make(chan sseFrame, sseBuffer)}
	s.addSSE(conn)
	defer s.removeSSE(conn)

	connected, _ := sonic.Marshal(map[string]string{
		"status": "connected",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
	if err := writeSSEFrame(w, flusher, sseFrame{event: "connected", data: connected}); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-conn.frames:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, flusher, frame); err != nil {
				return
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame sseFrame) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.event, frame.data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
