// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/netutil"
)

// Message is one JSON frame on the signaling channel. Field presence
// depends on the type; unused fields stay empty and are omitted on the
// wire.
type Message struct {
	Type string `json:"type"`

	// DeviceID is set in the server's connected frame.
	DeviceID string `json:"device_id,omitempty"`

	// TargetDeviceID addresses an outgoing routed frame; the service
	// strips it and sets SenderDeviceID on delivery.
	TargetDeviceID string `json:"target_device_id,omitempty"`
	SenderDeviceID string `json:"sender_device_id,omitempty"`

	// FromDeviceID is set on relayed connect-request-received and
	// connect-ack-received frames.
	FromDeviceID string `json:"from_device_id,omitempty"`

	// Connect handshake fields.
	PreferredTransport string `json:"preferred_transport,omitempty"`
	RelaySessionID     string `json:"relay_session_id,omitempty"`
	RelayURL           string `json:"relay_url,omitempty"`
	Transport          string `json:"transport,omitempty"`
	Status             string `json:"status,omitempty"`

	// Message carries human-readable text on connected/ack/error.
	Message string `json:"message,omitempty"`

	// Payload carries the SDP or ICE candidate for offer, answer, and
	// ice-candidate frames.
	Payload *SignalPayload `json:"payload,omitempty"`
}

// SignalPayload is the SDP or ICE candidate body of a routed frame.
// The JSON field names match what browser RTCPeerConnection objects
// produce.
type SignalPayload struct {
	SDP  string `json:"sdp,omitempty"`
	Type string `json:"type,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalConduit is the two-way signaling stream an endpoint link
// drives. The production implementation is SignalClient; tests use an
// in-memory conduit.
type SignalConduit interface {
	// Send writes one frame to the signaling service.
	Send(msg Message) error

	// Messages delivers incoming frames. The channel closes when the
	// conduit dies.
	Messages() <-chan Message

	// Done is closed when the conduit dies.
	Done() <-chan struct{}

	// Close shuts the conduit down.
	Close() error
}

// SignalClient is a live signaling session over a WebSocket.
type SignalClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

// DialSignal connects to the signaling service and completes the
// session handshake (the server's connected frame is consumed here).
// signalingURL is the service base, e.g. "ws://signal.example"; the
// /signal path and credentials are appended.
func DialSignal(ctx context.Context, signalingURL, deviceID, token string, logger *slog.Logger) (*SignalClient, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialURL := fmt.Sprintf("%s/signal?token=%s&device_id=%s",
		signalingURL, url.QueryEscape(token), url.QueryEscape(deviceID))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing signaling: %w", err)
	}

	// The server speaks first: one connected frame confirms the
	// session before any routing happens.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var connected Message
	if err := conn.ReadJSON(&connected); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reading connected frame: %w", err)
	}
	if connected.Type != "connected" {
		conn.Close()
		return nil, fmt.Errorf("transport: expected connected frame, got %q", connected.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c := &SignalClient{
		conn:     conn,
		logger:   logger,
		messages: make(chan Message, 32),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	logger.Info("signaling session established", "device_id", deviceID)
	return c, nil
}

func (c *SignalClient) readLoop() {
	defer func() {
		c.markDone()
		close(c.messages)
	}()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !netutil.IsExpectedClose(err) {
				c.logger.Warn("signaling read failed", "error", err)
			}
			return
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// Send implements SignalConduit.
func (c *SignalClient) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// Messages implements SignalConduit.
func (c *SignalClient) Messages() <-chan Message { return c.messages }

// Done implements SignalConduit.
func (c *SignalClient) Done() <-chan struct{} { return c.done }

// Close implements SignalConduit.
func (c *SignalClient) Close() error {
	c.markDone()
	return c.conn.Close()
}

func (c *SignalClient) markDone() {
	c.once.Do(func() { close(c.done) })
}
