// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides shared network I/O helpers: bounded HTTP
// response reads for the host-side proxy, and classification of the
// errors that normal WebSocket and connection teardown produces so
// bridges can tell expected closes from real failures.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// MaxBodySize bounds proxied HTTP response body reads: 16 MB, matching
// the tunnel frame size cap. A local service response larger than this
// could not be framed anyway, so the proxy truncation point and the
// frame limit coincide.
const MaxBodySize int64 = 16 << 20

// ReadBody reads an HTTP body up to MaxBodySize bytes. Use instead of
// io.ReadAll when reading response bodies destined for a tunnel frame.
func ReadBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxBodySize))
}

// IsExpectedClose reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, connection reset,
// or a clean WebSocket close handshake. These occur during ordinary
// teardown when one side disconnects and the other side's in-flight
// read or write fails as a result; they should be logged at debug
// level, not as errors.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
