// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport maintains the ordered byte pipe between the two
// tunnel endpoints and decides which pipe to use.
//
// A [Transport] carries opaque frames: one Send is one message, and
// messages arrive in order at the peer's handler. Two implementations
// exist: [DataChannelTransport] over a WebRTC data channel labeled
// "http-proxy" (the direct path), and [RelaySocket] over a WebSocket
// to the relay service (the fallback path). [Pipe] provides an
// in-process pair for tests and same-machine use.
//
// Signaling rides on [SignalClient], a WebSocket to the signaling
// service carrying JSON [Message] frames. The [SignalConduit]
// interface abstracts it so the connection machinery can be driven by
// an in-memory conduit in tests.
//
// [RemoteLink] is the browser-side connection state machine:
//
//	idle → signaling → p2pConnecting → p2pOpen
//	                        ↓ (watchdog, failure)
//	                   p2pFailed → (retry with back-off, ≤3 attempts)
//	                        ↓
//	                   relayConnecting → relayOpen
//	any → closed
//
// Peer-to-peer establishment is the only retried path. After three
// consecutive failures (or when peer connections are disabled), the
// link sends a connect-request with preferred_transport=relay through
// signaling, waits for the acknowledgement, and dials the relay under
// the deterministic session id "{device_id}-{target_device_id}".
//
// [HostLink] is the symmetric host side: it answers offers, applies
// remote candidates, and on a relayed connect-request dials the relay
// itself and acknowledges. The host never counts failures and never
// initiates fallback; it follows the browser.
//
// Closing a transport cancels everything multiplexed on top of it.
// A reconnected transport starts clean; callers re-issue their work.
package transport
