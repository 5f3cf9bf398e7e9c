// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the signaling service: account and
// device registration over HTTP, and a WebSocket endpoint that routes
// WebRTC session descriptions, ICE candidates, and tunnel control
// messages between two devices owned by the same user.
//
// The package is organized around the two surfaces:
//
//   - store.go: users and devices in SQLite (email-unique users,
//     idempotent device upserts with ownership protection)
//   - server.go: HTTP handlers (register, login, device registration
//     and listing, health) and the CORS middleware
//   - endpoints.go: the live endpoint-session map, one entry per
//     device id, with supersession on reconnect
//   - signal.go: the /signal WebSocket handler and the routing rules
//
// Routing is strictly same-owner: a frame addressed to a device owned
// by a different user is bounced back to the sender as an error and
// never delivered. The service rewrites routed frames — the target id
// is replaced by the sender id — so a receiving device always knows who
// is talking to it and can reply without further lookups.
package signaling
