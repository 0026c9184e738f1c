// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes named JSON-RPC methods to registered handlers
// through an ordered interceptor chain built once at construction time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-json-experiment/json"

	"github.com/go-a2a/mesh"
)

// HandlerFunc is an RPC method handler. Handlers execute concurrently with
// no implicit serialization; shared state behind a handler must carry its
// own locking. The request security context, if any, travels in ctx via
// the security package.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

// Invoker is the call shape interceptors wrap.
type Invoker func(ctx context.Context, method string, params Params) (any, error)

// Interceptor decorates an [Invoker]. The chain is fixed when the dispatcher
// is built; the first interceptor passed to [New] is outermost.
type Interceptor func(next Invoker) Invoker

// Dispatcher routes method calls to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	invoke Invoker
	logger *slog.Logger
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the [*slog.Logger] for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a [Dispatcher] wrapping handler invocation with the given
// interceptor chain.
func New(chain []Interceptor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	invoke := d.call
	for i := len(chain) - 1; i >= 0; i-- {
		invoke = chain[i](invoke)
	}
	d.invoke = invoke
	return d
}

// RegisterMethod associates a method name with a handler. Registering a
// duplicate name is a programming error and fails.
func (d *Dispatcher) RegisterMethod(name string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("dispatch: handler for %q is nil", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("dispatch: method %q already registered", name)
	}
	d.handlers[name] = handler
	return nil
}

// Methods returns the sorted registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// call is the innermost invoker: handler lookup plus invocation.
func (d *Dispatcher) call(ctx context.Context, method string, params Params) (any, error) {
	d.mu.RLock()
	handler, exists := d.handlers[method]
	d.mu.RUnlock()

	if !exists {
		return nil, mesh.Errorf(mesh.MethodNotFoundErrorCode, "method %q not found", method)
	}
	return handler(ctx, params)
}

// Call invokes a method through the interceptor chain with already-decoded
// parameters. Used by transports that bypass the JSON envelope (WebSocket
// sessions decode their own frames) and by internal callers.
func (d *Dispatcher) Call(ctx context.Context, method string, params Params) (any, error) {
	return d.invoke(ctx, method, params)
}

// Dispatch processes a JSON-RPC request and always returns a response
// envelope carrying either the result or a structured error, echoing the
// request id.
func (d *Dispatcher) Dispatch(ctx context.Context, req *mesh.Request) *mesh.Response {
	if err := req.Validate(); err != nil {
		return mesh.NewErrorResponse(req.ID, err)
	}

	params := Params{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return mesh.NewErrorResponse(req.ID, mesh.Errorf(mesh.InvalidParamsErrorCode, "params must be an object"))
		}
	}

	result, err := d.invoke(ctx, req.Method, params)
	if err != nil {
		return mesh.NewErrorResponse(req.ID, err)
	}
	return mesh.NewResponse(req.ID, result)
}
