// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the tunnel frame format: the binary encoding
// of HTTP request/response transactions and WebSocket sub-connections
// multiplexed over a single tunnel transport (a WebRTC data channel or
// a relay socket).
//
// Every frame starts with a one-byte type followed by a type-specific
// body. All integers are big-endian; all strings are UTF-8. Header maps
// travel as the UTF-8 encoding of a JSON object mapping header names to
// single string values. There is no frame-level checksum: the transport
// underneath (DTLS over a data channel, or TLS over TCP for the relay)
// is reliable and ordered, and each frame occupies exactly one transport
// message, so frames are self-delimiting.
//
// The five frame types:
//
//   - [HTTPRequest] (0x01): a proxied HTTP request, correlated by a
//     32-bit request id chosen by the requesting endpoint.
//   - [HTTPResponse] (0x02): the reply carrying the same request id.
//   - [WSConnect] (0x10): opens a WebSocket sub-connection, identified
//     by a 32-bit connection id chosen by the opening endpoint.
//   - [WSData] (0x11): a WebSocket message on an open sub-connection.
//     The opcode field uses the RFC 6455 values.
//   - [WSClose] (0x12): closes a sub-connection, carrying the WebSocket
//     close code and reason.
//
// HTTP bodies are raw bytes on the wire. Text bodies are simply their
// UTF-8 encoding; binary bodies need no escaping or schema change.
//
// Decoding is strict: [Decode] rejects frames whose first byte is not a
// known type with [ErrUnknownFrameType], and rejects truncated bodies
// and oversized length fields. For every valid frame value f,
// Decode(f.Encode()) returns a value equal to f.
package wire
