// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"sync"
)

// Mode names the kind of pipe a Transport is.
type Mode string

const (
	// ModeP2P is a direct WebRTC data channel.
	ModeP2P Mode = "p2p-direct"

	// ModeRelay is a WebSocket through the relay service.
	ModeRelay Mode = "relay"

	// ModeMemory is an in-process pipe (tests, same-machine use).
	ModeMemory Mode = "memory"

	// ModeOffline is reported by endpoints with no live transport.
	ModeOffline Mode = "offline"
)

// ErrTransportClosed is returned by Send on a dead transport and used
// to fail work that was pending when the transport died.
var ErrTransportClosed = errors.New("transport: closed")

// Transport is one ordered message pipe between the two endpoints.
// Send transmits one message; the peer's handler receives it exactly
// once, in order. Implementations deliver received messages on a
// single goroutine, so handlers need no internal ordering.
type Transport interface {
	// Send transmits one message. Returns ErrTransportClosed once the
	// transport is dead.
	Send(data []byte) error

	// SetHandler installs the receive callback. Must be called before
	// the peer starts sending; later calls replace the handler.
	SetHandler(handler func(data []byte))

	// Mode identifies the pipe kind.
	Mode() Mode

	// IsOpen reports whether Send can still succeed.
	IsOpen() bool

	// Done is closed when the transport dies, whatever the reason.
	Done() <-chan struct{}

	// Close tears the transport down. Idempotent.
	Close() error
}

// RelaySessionID computes the deterministic relay session id both
// endpoints derive independently: the requesting (browser) device id,
// a dash, the target (host) device id.
func RelaySessionID(deviceID, targetDeviceID string) string {
	return deviceID + "-" + targetDeviceID
}

// PipeTransport is one end of an in-process transport pair.
type PipeTransport struct {
	mode Mode

	handlerMu sync.RWMutex
	handler   func([]byte)

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	peer     *PipeTransport
}

// Pipe returns two connected in-process transports. Messages written
// on one arrive, in order, at the other's handler via a dedicated
// delivery goroutine per direction.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{mode: ModeMemory, outbound: make(chan []byte, 64), done: make(chan struct{})}
	b := &PipeTransport{mode: ModeMemory, outbound: make(chan []byte, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

// deliverLoop moves messages from the peer's outbound queue to this
// side's handler.
func (t *PipeTransport) deliverLoop() {
	for {
		select {
		case data := <-t.peer.outbound:
			t.handlerMu.RLock()
			handler := t.handler
			t.handlerMu.RUnlock()
			if handler != nil {
				handler(data)
			}
		case <-t.done:
			return
		}
	}
}

// Send implements Transport.
func (t *PipeTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	// Copy: the caller may reuse the buffer after Send returns.
	buf := append([]byte(nil), data...)
	select {
	case <-t.done:
		return ErrTransportClosed
	case t.outbound <- buf:
		return nil
	}
}

// SetHandler implements Transport.
func (t *PipeTransport) SetHandler(handler func(data []byte)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// Mode implements Transport.
func (t *PipeTransport) Mode() Mode { return t.mode }

// IsOpen implements Transport.
func (t *PipeTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done implements Transport.
func (t *PipeTransport) Done() <-chan struct{} { return t.done }

// Close implements Transport. Closing either end closes both.
func (t *PipeTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.peer.once.Do(func() { close(t.peer.done) })
	})
	return nil
}
