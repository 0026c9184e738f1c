// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "testing"

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pattern string
		channel string
		want    bool
	}{
		"exact":                        {"task.created", "task.created", true},
		"exact mismatch":               {"task.created", "task.failed", false},
		"single wildcard":              {"a.*.c", "a.b.c", true},
		"wildcard is one segment":      {"a.*.c", "a.b.d.c", false},
		"wildcard never empty":         {"a.*.c", "a.c", false},
		"leading wildcard":             {"*.created", "task.created", true},
		"trailing wildcard":            {"agent.worker-1.*", "agent.worker-1.status", true},
		"trailing wildcard two deep":   {"agent.worker-1.*", "agent.worker-1.status.cpu", false},
		"multi wildcard spans":         {"agent.**", "agent.worker-1.status.cpu", true},
		"multi wildcard matches empty": {"agent.**", "agent", true},
		"multi wildcard mid-pattern":   {"a.**.z", "a.b.c.z", true},
		"multi wildcard still anchors": {"a.**.z", "a.b.c.y", false},
		"no cross-segment star":        {"task*", "task.created", false},
		"shorter channel":              {"a.b.c", "a.b", false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := Match(tt.pattern, tt.channel); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.channel, got, tt.want)
			}
		})
	}
}
