// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh implements an agent communication and task-coordination
// engine: an agent registry with liveness tracking, a JSON-RPC 2.0 method
// dispatcher wrapped in a security interceptor chain, a task lifecycle state
// machine, a workflow coordinator scheduling tasks under dependency graphs,
// a turn-taking conversation manager, and a pattern-matched publish/subscribe
// layer with SSE and WebSocket fanout.
//
// The root package holds the wire-level protocol types shared by every
// subpackage: JSON-RPC envelopes, the error taxonomy, agent cards, tasks and
// the canonical event envelope. The engine itself is assembled by the service
// package.
package mesh

// Version is the protocol version implemented by this module.
const Version = "0.2.1"
