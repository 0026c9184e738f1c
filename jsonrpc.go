// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"strconv"

	"github.com/go-json-experiment/json/jsontext"
)

// JSONRPCVersion is the JSON-RPC protocol version used on the wire.
const JSONRPCVersion = "2.0"

// ID represents the unique identifier for JSON-RPC messages.
// Per the JSON-RPC 2.0 specification it may be a string, a number or null.
type ID struct {
	value any
}

// NewID creates an [ID] from a string or numeric value.
func NewID(v any) ID {
	return ID{value: v}
}

// Value returns the raw identifier value.
func (id ID) Value() any { return id.value }

// IsZero reports whether the identifier is absent (null).
func (id ID) IsZero() bool { return id.value == nil }

func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler using the raw value.
func (id ID) MarshalJSON() ([]byte, error) {
	switch v := id.value.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return []byte(strconv.Quote(v)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, accepting string, number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch {
	case s == "null" || s == "":
		id.value = nil
	case s[0] == '"':
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		id.value = unquoted
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		id.value = f
	}
	return nil
}

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	// JSONRPC is always "2.0".
	JSONRPC string `json:"jsonrpc"`
	// Method identifies the operation to perform.
	Method string `json:"method"`
	// Params contains named parameters for the method.
	Params jsontext.Value `json:"params,omitempty"`
	// ID correlates the response with this request. Null for notifications.
	ID ID `json:"id,omitzero"`
}

// NewRequest creates a new [Request] with the given id, method and raw params.
func NewRequest(id any, method string, params jsontext.Value) *Request {
	return &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      NewID(id),
	}
}

// Validate checks the request against the JSON-RPC 2.0 envelope rules.
func (r *Request) Validate() error {
	if r.JSONRPC != JSONRPCVersion {
		return Errorf(InvalidRequestErrorCode, "unsupported jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return Errorf(InvalidRequestErrorCode, "method is required")
	}
	return nil
}

// Response represents a JSON-RPC 2.0 response. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	// Result contains the successful result data.
	Result any `json:"result,omitempty"`
	// Error contains the error object if the request failed.
	Error *Error `json:"error,omitempty"`
	// ID echoes the identifier of the originating request.
	ID ID `json:"id"`
}

// NewResponse creates a success [Response] carrying result.
func NewResponse(id ID, result any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error [Response]. Arbitrary errors are mapped
// through [AsError] so the wire always carries a structured error object.
func NewErrorResponse(id ID, err error) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Error:   AsError(err),
		ID:      id,
	}
}
