// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/go-a2a/mesh"
)

// MessageSigner signs outbound broadcast events with a compact JWS so
// subscribers can verify their origin. Verification failure on the
// subscriber side drops the event rather than delivering it.
type MessageSigner struct {
	key jwk.Key
}

// NewMessageSigner creates a [MessageSigner] with the given symmetric secret.
func NewMessageSigner(secret []byte) (*MessageSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("security: signing secret must not be empty")
	}
	key, err := jwk.Import(secret)
	if err != nil {
		return nil, fmt.Errorf("security: importing signing key: %w", err)
	}
	return &MessageSigner{key: key}, nil
}

// SignEvent attaches a compact JWS over the event payload.
func (s *MessageSigner) SignEvent(event *mesh.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("security: marshaling event payload: %w", err)
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.HS256(), s.key))
	if err != nil {
		return fmt.Errorf("security: signing event: %w", err)
	}
	event.Signature = string(signed)
	return nil
}

// VerifyEvent checks the event signature, returning the signed payload
// bytes. An unsigned event fails verification.
func (s *MessageSigner) VerifyEvent(event *mesh.Event) ([]byte, error) {
	if event.Signature == "" {
		return nil, fmt.Errorf("security: event %s is unsigned", event.ID)
	}
	payload, err := jws.Verify([]byte(event.Signature), jws.WithKey(jwa.HS256(), s.key))
	if err != nil {
		return nil, fmt.Errorf("security: verifying event %s: %w", event.ID, err)
	}
	return payload, nil
}
