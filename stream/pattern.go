// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream fans canonical domain events out to pattern subscribers
// and to open SSE and WebSocket connections.
package stream

import "strings"

// Match reports whether a dot-delimited channel name matches a pattern.
// A "*" segment matches exactly one channel segment, so "a.*.c" matches
// "a.b.c" but neither "a.b.d.c" nor "a.c". A "**" segment matches zero or
// more segments and must be written explicitly; no single-character
// wildcard ever spans a dot.
func Match(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(channel, "."))
}

func matchSegments(pattern, channel []string) bool {
	if len(pattern) == 0 {
		return len(channel) == 0
	}
	switch pattern[0] {
	case "**":
		for skip := 0; skip <= len(channel); skip++ {
			if matchSegments(pattern[1:], channel[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(channel) > 0 && matchSegments(pattern[1:], channel[1:])
	default:
		return len(channel) > 0 && pattern[0] == channel[0] && matchSegments(pattern[1:], channel[1:])
	}
}
