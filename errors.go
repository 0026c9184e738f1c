// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	// ParseErrorCode indicates an invalid JSON payload.
	ParseErrorCode int64 = -32700
	// InvalidRequestErrorCode indicates a request envelope validation error.
	InvalidRequestErrorCode int64 = -32600
	// MethodNotFoundErrorCode indicates the method does not exist.
	MethodNotFoundErrorCode int64 = -32601
	// InvalidParamsErrorCode indicates invalid method parameters.
	InvalidParamsErrorCode int64 = -32602
	// InternalErrorCode indicates an internal server error.
	InternalErrorCode int64 = -32603
)

// Application error codes.
const (
	// AgentNotFoundErrorCode indicates the referenced agent is not registered.
	AgentNotFoundErrorCode int64 = -32001
	// TaskNotFoundErrorCode indicates the referenced task does not exist.
	TaskNotFoundErrorCode int64 = -32002
	// WorkflowNotFoundErrorCode indicates the referenced workflow does not exist.
	WorkflowNotFoundErrorCode int64 = -32003
	// ConversationNotFoundErrorCode indicates the referenced conversation does not exist.
	ConversationNotFoundErrorCode int64 = -32004

	// AuthErrorCode indicates a missing, invalid or expired token.
	AuthErrorCode int64 = -32010
	// PermissionDeniedErrorCode indicates the authenticated agent lacks access.
	PermissionDeniedErrorCode int64 = -32011

	// InvalidStateErrorCode indicates an illegal lifecycle transition.
	InvalidStateErrorCode int64 = -32020
	// CycleDetectedErrorCode indicates a dependency edge would close a cycle.
	CycleDetectedErrorCode int64 = -32021

	// TurnViolationErrorCode indicates a send from an agent not holding the turn.
	TurnViolationErrorCode int64 = -32030
	// ConversationEndedErrorCode indicates an operation on an ended conversation.
	ConversationEndedErrorCode int64 = -32031

	// TimeoutErrorCode indicates an operation exceeded its deadline.
	TimeoutErrorCode int64 = -32040
)

// Error is the structured error carried in JSON-RPC responses. It doubles as
// the in-process error taxonomy: every failure surfaced to an RPC caller is
// an *Error, matched by code through [errors.Is].
type Error struct {
	// Code is the JSON-RPC error code.
	Code int64 `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data contains optional additional error details.
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so sentinel
// values like [ErrInvalidState] match formatted instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithData returns a copy of the error carrying additional details.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// NewError creates a new [Error] with the given code and message.
func NewError(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new [Error] with a formatted message.
func Errorf(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for the taxonomy. Use [Errorf] with the matching code to
// attach context; errors.Is against these sentinels still succeeds.
var (
	ErrParse                = NewError(ParseErrorCode, "invalid JSON payload")
	ErrInvalidRequest       = NewError(InvalidRequestErrorCode, "invalid request")
	ErrMethodNotFound       = NewError(MethodNotFoundErrorCode, "method not found")
	ErrInvalidParams        = NewError(InvalidParamsErrorCode, "invalid parameters")
	ErrInternal             = NewError(InternalErrorCode, "internal error")
	ErrAgentNotFound        = NewError(AgentNotFoundErrorCode, "agent not found")
	ErrTaskNotFound         = NewError(TaskNotFoundErrorCode, "task not found")
	ErrWorkflowNotFound     = NewError(WorkflowNotFoundErrorCode, "workflow not found")
	ErrConversationNotFound = NewError(ConversationNotFoundErrorCode, "conversation not found")
	ErrAuth                 = NewError(AuthErrorCode, "authentication failed")
	ErrPermissionDenied     = NewError(PermissionDeniedErrorCode, "permission denied")
	ErrInvalidState         = NewError(InvalidStateErrorCode, "invalid state transition")
	ErrCycleDetected        = NewError(CycleDetectedErrorCode, "dependency cycle detected")
	ErrTurnViolation        = NewError(TurnViolationErrorCode, "agent does not hold the speaking turn")
	ErrConversationEnded    = NewError(ConversationEndedErrorCode, "conversation has ended")
	ErrTimeout              = NewError(TimeoutErrorCode, "operation timed out")
)

// AsError maps an arbitrary error to a structured *Error. Errors already in
// the taxonomy pass through unchanged; everything else becomes an internal
// error carrying the original message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: InternalErrorCode, Message: err.Error()}
}
