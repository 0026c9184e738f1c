// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/security"
)

type tokenKey struct{}

// WithToken returns a ctx carrying the raw bearer token extracted by the
// transport (Authorization header or WebSocket frame).
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the raw bearer token attached to ctx.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Recovery converts handler panics into internal errors so one faulty
// handler cannot take down the dispatcher.
func Recovery(logger *slog.Logger) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, params Params) (result any, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						"method", method,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					result = nil
					err = mesh.Errorf(mesh.InternalErrorCode, "internal error in %s", method)
				}
			}()
			return next(ctx, method, params)
		}
	}
}

// Logging logs every dispatched method with duration and outcome.
func Logging(logger *slog.Logger) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, params Params) (any, error) {
			start := time.Now()
			result, err := next(ctx, method, params)
			if err != nil {
				logger.Warn("rpc failed", "method", method, "duration", time.Since(start), "error", err)
			} else {
				logger.Debug("rpc ok", "method", method, "duration", time.Since(start))
			}
			return result, err
		}
	}
}

// Telemetry wraps each dispatch in a trace span.
func Telemetry(tracer trace.Tracer) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, params Params) (any, error) {
			ctx, span := tracer.Start(ctx, "mesh.dispatch",
				trace.WithAttributes(attribute.String("rpc.method", method)))
			defer span.End()

			result, err := next(ctx, method, params)
			if err != nil {
				span.RecordError(err)
			}
			return result, err
		}
	}
}

// Security authenticates and authorizes every request whose method is not
// in the exempt list: the bearer token is validated, the access policy is
// checked, and the resulting security context is attached to ctx before the
// handler runs. On failure the handler is never called.
func Security(tokens *security.TokenManager, access *security.AccessControl, exemptMethods []string) Interceptor {
	exempt := slices.Clone(exemptMethods)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, params Params) (any, error) {
			if slices.Contains(exempt, method) {
				return next(ctx, method, params)
			}

			token := TokenFromContext(ctx)
			if token == "" {
				// WebSocket clients pass the token as a request parameter.
				token = params.StringOr("token", "")
			}
			if token == "" {
				return nil, mesh.Errorf(mesh.AuthErrorCode, "missing token")
			}

			sc, err := tokens.Validate(token)
			if err != nil {
				return nil, err
			}
			if err := access.Check(method, sc); err != nil {
				return nil, err
			}
			return next(security.WithContext(ctx, sc), method, params)
		}
	}
}
