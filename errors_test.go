// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err    error
		target error
		want   bool
	}{
		"sentinel matches itself": {
			err:    ErrInvalidState,
			target: ErrInvalidState,
			want:   true,
		},
		"formatted instance matches sentinel by code": {
			err:    Errorf(InvalidStateErrorCode, "task task-1 is completed"),
			target: ErrInvalidState,
			want:   true,
		},
		"wrapped instance matches sentinel": {
			err:    fmt.Errorf("starting workflow: %w", Errorf(CycleDetectedErrorCode, "t1 -> t2 -> t1")),
			target: ErrCycleDetected,
			want:   true,
		},
		"different codes do not match": {
			err:    ErrAuth,
			target: ErrPermissionDenied,
			want:   false,
		},
		"plain error does not match": {
			err:    errors.New("boom"),
			target: ErrInternal,
			want:   false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err      error
		wantCode int64
	}{
		"taxonomy error passes through": {
			err:      Errorf(TurnViolationErrorCode, "agent-2 does not hold the turn"),
			wantCode: TurnViolationErrorCode,
		},
		"wrapped taxonomy error unwraps": {
			err:      fmt.Errorf("send: %w", ErrConversationEnded),
			wantCode: ConversationEndedErrorCode,
		},
		"unknown error becomes internal": {
			err:      errors.New("disk on fire"),
			wantCode: InternalErrorCode,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := AsError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("AsError(%v).Code = %d, want %d", tt.err, got.Code, tt.wantCode)
			}
		})
	}

	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
}
