// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/go-a2a/mesh"
)

// Params is the named-parameter bag passed to method handlers. Methods keep
// the open, string-keyed shape of the wire protocol; each handler validates
// the parameters it needs through the typed accessors.
type Params map[string]any

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", mesh.Errorf(mesh.InvalidParamsErrorCode, "missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", mesh.Errorf(mesh.InvalidParamsErrorCode, "parameter %q must be a string", key)
	}
	return s, nil
}

// StringOr returns an optional string parameter or the default.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}

// Bool returns an optional boolean parameter, false when absent.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int returns an optional integer parameter or the default. JSON numbers
// arrive as float64.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Float returns a required numeric parameter.
func (p Params) Float(key string) (float64, error) {
	switch v := p[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, mesh.Errorf(mesh.InvalidParamsErrorCode, "parameter %q must be a number", key)
	}
}

// Map returns an optional object parameter, nil when absent.
func (p Params) Map(key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}

// Slice returns an optional array parameter, nil when absent.
func (p Params) Slice(key string) []any {
	s, _ := p[key].([]any)
	return s
}

// MapSlice returns a required array-of-objects parameter.
func (p Params) MapSlice(key string) ([]map[string]any, error) {
	raw, ok := p[key].([]any)
	if !ok {
		return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "parameter %q must be an array of objects", key)
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, mesh.Errorf(mesh.InvalidParamsErrorCode, "parameter %q must be an array of objects", key)
		}
		out = append(out, m)
	}
	return out, nil
}

// StringSlice returns an optional array-of-strings parameter.
func (p Params) StringSlice(key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
