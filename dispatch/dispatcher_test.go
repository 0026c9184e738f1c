// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/go-cmp/cmp"

	"github.com/go-a2a/mesh"
	"github.com/go-a2a/mesh/security"
)

func TestDispatcherRegisterAndDispatch(t *testing.T) {
	t.Parallel()

	d := New(nil)
	err := d.RegisterMethod("echo", func(ctx context.Context, params Params) (any, error) {
		msg, err := params.String("message")
		if err != nil {
			return nil, err
		}
		return map[string]any{"echo": msg}, nil
	})
	if err != nil {
		t.Fatalf("RegisterMethod() error = %v", err)
	}

	// Duplicate registration fails.
	if err := d.RegisterMethod("echo", func(ctx context.Context, params Params) (any, error) {
		return nil, nil
	}); err == nil {
		t.Error("duplicate RegisterMethod() succeeded, want error")
	}

	resp := d.Dispatch(context.Background(), mesh.NewRequest("1", "echo", jsontext.Value(`{"message":"hi"}`)))
	if resp.Error != nil {
		t.Fatalf("Dispatch() error = %v", resp.Error)
	}
	want := map[string]any{"echo": "hi"}
	if diff := cmp.Diff(want, resp.Result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if got := resp.ID.String(); got != "1" {
		t.Errorf("response ID = %q, want %q", got, "1")
	}
}

func TestDispatcherErrors(t *testing.T) {
	t.Parallel()

	d := New(nil, WithLogger(slog.Default()))
	if err := d.RegisterMethod("fail", func(ctx context.Context, params Params) (any, error) {
		return nil, mesh.Errorf(mesh.InvalidStateErrorCode, "nope")
	}); err != nil {
		t.Fatalf("RegisterMethod() error = %v", err)
	}

	tests := map[string]struct {
		req      *mesh.Request
		wantCode int64
	}{
		"unknown method": {
			req:      mesh.NewRequest("1", "missing.method", nil),
			wantCode: mesh.MethodNotFoundErrorCode,
		},
		"invalid envelope": {
			req:      &mesh.Request{JSONRPC: "1.0", Method: "fail"},
			wantCode: mesh.InvalidRequestErrorCode,
		},
		"non-object params": {
			req:      mesh.NewRequest("1", "fail", jsontext.Value(`[1,2]`)),
			wantCode: mesh.InvalidParamsErrorCode,
		},
		"handler taxonomy error": {
			req:      mesh.NewRequest("1", "fail", nil),
			wantCode: mesh.InvalidStateErrorCode,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			resp := d.Dispatch(context.Background(), tt.req)
			if resp.Error == nil {
				t.Fatal("Dispatch() returned no error")
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("error code = %d, want %d", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	t.Parallel()

	d := New([]Interceptor{Recovery(slog.Default())})
	if err := d.RegisterMethod("boom", func(ctx context.Context, params Params) (any, error) {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("RegisterMethod() error = %v", err)
	}

	resp := d.Dispatch(context.Background(), mesh.NewRequest("1", "boom", nil))
	if resp.Error == nil || resp.Error.Code != mesh.InternalErrorCode {
		t.Errorf("Dispatch(panic) = %v, want internal error", resp.Error)
	}
}

func newSecureDispatcher(t *testing.T) (*Dispatcher, *security.TokenManager) {
	t.Helper()

	tokens, err := security.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	access := security.NewAccessControl()

	d := New([]Interceptor{
		Security(tokens, access, []string{"discovery.capability_map"}),
	})

	register := func(name string) {
		t.Helper()
		if err := d.RegisterMethod(name, func(ctx context.Context, params Params) (any, error) {
			sc := security.FromContext(ctx)
			if sc != nil {
				return map[string]any{"caller": sc.AgentID}, nil
			}
			return map[string]any{"caller": "anonymous"}, nil
		}); err != nil {
			t.Fatalf("RegisterMethod(%s) error = %v", name, err)
		}
	}
	register("task.create")
	register("discovery.capability_map")
	return d, tokens
}

func TestSecurityInterceptor(t *testing.T) {
	t.Parallel()

	d, tokens := newSecureDispatcher(t)
	ctx := context.Background()

	agentPair, err := tokens.Issue("agent-1", []security.Role{security.RoleAgent})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	observerPair, err := tokens.Issue("agent-2", []security.Role{security.RoleObserver})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	t.Run("no token fails auth", func(t *testing.T) {
		t.Parallel()
		_, err := d.Call(ctx, "task.create", Params{})
		if !errors.Is(err, mesh.ErrAuth) {
			t.Errorf("Call() error = %v, want ErrAuth", err)
		}
	})

	t.Run("invalid token fails auth", func(t *testing.T) {
		t.Parallel()
		_, err := d.Call(WithToken(ctx, "junk"), "task.create", Params{})
		if !errors.Is(err, mesh.ErrAuth) {
			t.Errorf("Call() error = %v, want ErrAuth", err)
		}
	})

	t.Run("insufficient role fails permission", func(t *testing.T) {
		t.Parallel()
		_, err := d.Call(WithToken(ctx, observerPair.AccessToken), "task.create", Params{})
		if !errors.Is(err, mesh.ErrPermissionDenied) {
			t.Errorf("Call() error = %v, want ErrPermissionDenied", err)
		}
	})

	t.Run("valid token succeeds and carries context", func(t *testing.T) {
		t.Parallel()
		result, err := d.Call(WithToken(ctx, agentPair.AccessToken), "task.create", Params{})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		want := map[string]any{"caller": "agent-1"}
		if diff := cmp.Diff(want, result); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("token via params works for socket clients", func(t *testing.T) {
		t.Parallel()
		_, err := d.Call(ctx, "task.create", Params{"token": agentPair.AccessToken})
		if err != nil {
			t.Errorf("Call() error = %v", err)
		}
	})

	t.Run("exempt method needs no token", func(t *testing.T) {
		t.Parallel()
		result, err := d.Call(ctx, "discovery.capability_map", Params{})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		want := map[string]any{"caller": "anonymous"}
		if diff := cmp.Diff(want, result); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})
}
