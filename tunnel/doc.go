// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel multiplexes HTTP transactions and WebSocket
// sub-connections over a single transport.
//
// The remote (browser) side is [Client]: Fetch issues an HTTP request
// through the tunnel and correlates the response by request id;
// [WSDialer] hands out WebSocket-shaped streams, tunneling them as
// numbered sub-connections — except the signaling control channel,
// which always gets a native socket (tunneling the channel that drives
// the tunnel would deadlock the fallback path).
//
// The host side is [Host]: tunneled HTTP requests are dispatched to a
// configured local base URL (with ?client=name routing to registered
// named services), and tunneled WebSocket sub-connections become real
// outbound sockets to local services.
//
// Correlation state is owned by whichever endpoint opened the request
// or sub-connection, and every entry has exactly three exits: a
// response (or close frame), a timeout, or transport death. Nothing
// survives the transport: when it dies, every pending request fails
// with [ErrConnectionClosed] and every sub-connection closes with 1006.
// Request and connection ids restart from 1 on a fresh transport;
// within one transport they are never reused while an entry is live.
package tunnel
