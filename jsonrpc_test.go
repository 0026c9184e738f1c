// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"
)

func TestIDRoundTrip(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in   string
		want string
	}{
		"string id":  {in: `"req-1"`, want: "req-1"},
		"numeric id": {in: `42`, want: "42"},
		"null id":    {in: `null`, want: ""},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var id ID
			if err := id.UnmarshalJSON([]byte(tt.in)); err != nil {
				t.Fatalf("UnmarshalJSON(%s) error = %v", tt.in, err)
			}
			if got := id.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		req     *Request
		wantErr bool
	}{
		"valid": {
			req:     NewRequest("1", "agent.list", nil),
			wantErr: false,
		},
		"wrong version": {
			req:     &Request{JSONRPC: "1.0", Method: "agent.list"},
			wantErr: true,
		},
		"missing method": {
			req:     &Request{JSONRPC: JSONRPCVersion},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResponseMarshal(t *testing.T) {
	t.Parallel()

	resp := NewErrorResponse(NewID("7"), ErrMethodNotFound)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Error == nil {
		t.Fatal("decoded response has no error")
	}
	if decoded.Error.Code != MethodNotFoundErrorCode {
		t.Errorf("Error.Code = %d, want %d", decoded.Error.Code, MethodNotFoundErrorCode)
	}
	if got := decoded.ID.String(); got != "7" {
		t.Errorf("ID = %q, want %q", got, "7")
	}
	if diff := cmp.Diff(JSONRPCVersion, decoded.JSONRPC); diff != "" {
		t.Errorf("JSONRPC mismatch (-want +got):\n%s", diff)
	}
}
