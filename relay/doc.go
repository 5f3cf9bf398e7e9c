// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the frame relay: the fallback path that
// carries tunnel traffic when a direct peer-to-peer connection cannot
// be established.
//
// Two authenticated endpoints connect to the same opaque session id and
// the relay forwards binary WebSocket messages between them verbatim —
// no inspection, no re-framing, no reordering. A session holds at most
// two endpoints; a third connection to the same id is refused. Close of
// either side closes the other and evicts the session.
//
// The relay trusts tokens minted by the signaling service (shared HMAC
// secret) but knows nothing about devices or session naming: session
// ids are chosen by the endpoints. It sees tunnel plaintext in this
// revision; confidentiality is transport TLS only.
//
// On session close the relay emits a metering record — session id,
// duration, byte counts per direction — to the log and, when
// configured, to an append-only CBOR file. Metering is observational
// only; nothing reads it back.
package relay
