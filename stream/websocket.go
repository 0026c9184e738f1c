// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/dispatch"
)

const (
	wsSendBuffer    = 256
	wsWriteDeadline = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsPingInterval  = 54 * time.Second
)

// WebSocketHandler upgrades connections and runs a bidirectional session:
// inbound frames are JSON-RPC requests dispatched through the method
// dispatcher, outbound frames are responses interleaved with broadcast
// event envelopes.
type WebSocketHandler struct {
	dispatcher *dispatch.Dispatcher
	streamer   *EventStreamer
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewWebSocketHandler creates a [WebSocketHandler] whose sessions receive
// broadcasts from streamer.
func NewWebSocketHandler(dispatcher *dispatch.Dispatcher, streamer *EventStreamer, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		dispatcher: dispatcher,
		streamer:   streamer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP implements http.Handler for the WebSocket endpoint. The bearer
// token is taken from the Authorization header or the token query
// parameter at upgrade time and applies to every request on the session.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	if token := bearerToken(r); token != "" {
		ctx = dispatch.WithToken(ctx, token)
	}

	sess := &wsSession{
		conn:    conn,
		handler: h,
		ctx:     ctx,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
	}
	h.streamer.addSession(sess)
	defer h.streamer.removeSession(sess)

	go sess.writePump()
	sess.readPump()
	<-sess.done
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type wsSession struct {
	conn    *websocket.Conn
	handler *WebSocketHandler
	ctx     context.Context

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue queues an outbound frame without blocking, reporting false when
// the session is too far behind and should be closed.
func (s *wsSession) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *wsSession) readPump() {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.handler.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		s.handleMessage(message)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) handleMessage(message []byte) {
	var req mesh.Request
	if err := sonic.Unmarshal(message, &req); err != nil {
		s.sendResponse(mesh.NewErrorResponse(mesh.ID{}, mesh.ErrParse))
		return
	}
	s.sendResponse(s.handler.dispatcher.Dispatch(s.ctx, &req))
}

func (s *wsSession) sendResponse(resp *mesh.Response) {
	data, err := sonic.Marshal(resp)
	if err != nil {
		s.handler.logger.Error("response marshal failed", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
