// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/dispatch"
)

// Handler returns the HTTP surface of the service: JSON-RPC at /rpc, the
// SSE stream at /events and the WebSocket endpoint at /ws.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.serveRPC)
	mux.Handle("GET /events", s.streamer)
	mux.Handle("GET /ws", s.ws)
	return mux
}

// serveRPC decodes one JSON-RPC request, threads the bearer token into the
// dispatch context and writes the response envelope. Transport-level
// failures still produce a JSON-RPC error body.
func (s *Service) serveRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req mesh.Request
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		writeResponse(w, s, mesh.NewErrorResponse(mesh.ID{}, mesh.Errorf(mesh.ParseErrorCode, "invalid JSON payload")))
		return
	}

	ctx := r.Context()
	if token := httpBearerToken(r); token != "" {
		ctx = dispatch.WithToken(ctx, token)
	}

	writeResponse(w, s, s.dispatcher.Dispatch(ctx, &req))
}

func writeResponse(w http.ResponseWriter, s *Service, resp *mesh.Response) {
	if err := json.MarshalWrite(w, resp); err != nil {
		s.logger.Error("writing rpc response", "error", err)
	}
}

func httpBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
