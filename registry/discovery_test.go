// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-a2a/mesh"
)

func newDiscoveryFixture(t *testing.T) (*Registry, *Discovery) {
	t.Helper()

	r := New()
	r.Register(newTestCard("agent-1", "indexer", "search", "index"))
	r.Register(newTestCard("agent-2", "searcher", "search"))
	r.Register(newTestCard("agent-3", "planner", "plan"))
	return r, NewDiscovery(r)
}

func TestDiscoveryFindForCapability(t *testing.T) {
	t.Parallel()

	r, d := newDiscoveryFixture(t)

	got := d.FindForCapability("search", false)
	if len(got) != 2 {
		t.Fatalf("FindForCapability(search) returned %d agents, want 2", len(got))
	}
	if got[0].ID != "agent-1" || got[1].ID != "agent-2" {
		t.Errorf("FindForCapability(search) ids = %s, %s", got[0].ID, got[1].ID)
	}

	// Offline agents are excluded unless requested. Sweep everything
	// offline, then re-register agent-1 to bring only it back online.
	r.SweepLiveness(time.Now().UTC().Add(DefaultLivenessPolicy.OfflineAfter * 2))
	r.Register(newTestCard("agent-1", "indexer", "search", "index"))

	if got := d.FindForCapability("search", false); len(got) != 1 {
		t.Errorf("FindForCapability(search) with offline agent = %d, want 1", len(got))
	}
	if got := d.FindForCapability("search", true); len(got) != 2 {
		t.Errorf("FindForCapability(search, includeOffline) = %d, want 2", len(got))
	}
}

func TestDiscoveryCapabilityMap(t *testing.T) {
	t.Parallel()

	_, d := newDiscoveryFixture(t)

	want := map[string][]string{
		"search": {"agent-1", "agent-2"},
		"index":  {"agent-1"},
		"plan":   {"agent-3"},
	}
	if diff := cmp.Diff(want, d.CapabilityMap()); diff != "" {
		t.Errorf("CapabilityMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoveryQuery(t *testing.T) {
	t.Parallel()

	_, d := newDiscoveryFixture(t)

	tests := map[string]struct {
		filter  QueryFilter
		wantIDs []string
	}{
		"by capability": {
			filter:  QueryFilter{Capability: "search"},
			wantIDs: []string{"agent-1", "agent-2"},
		},
		"by name substring": {
			filter:  QueryFilter{NameContains: "PLAN"},
			wantIDs: []string{"agent-3"},
		},
		"by status": {
			filter:  QueryFilter{Status: mesh.AgentStatusOnline},
			wantIDs: []string{"agent-1", "agent-2", "agent-3"},
		},
		"conjunction": {
			filter:  QueryFilter{Capability: "search", NameContains: "index"},
			wantIDs: []string{"agent-1"},
		},
		"no match": {
			filter:  QueryFilter{Capability: "fly"},
			wantIDs: nil,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var ids []string
			for _, card := range d.Query(tt.filter) {
				ids = append(ids, card.ID)
			}
			if diff := cmp.Diff(tt.wantIDs, ids); diff != "" {
				t.Errorf("Query(%+v) mismatch (-want +got):\n%s", tt.filter, diff)
			}
		})
	}
}
