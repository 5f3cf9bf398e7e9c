// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Endpoint is one live signaling session: an authenticated WebSocket
// keyed by device id. Writes are serialized by writeMu because routing
// can deliver to the same endpoint from many reader goroutines.
type Endpoint struct {
	DeviceID string
	UserID   int64

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewEndpoint wraps an upgraded connection.
func NewEndpoint(deviceID string, userID int64, conn *websocket.Conn) *Endpoint {
	return &Endpoint{DeviceID: deviceID, UserID: userID, conn: conn}
}

// SendJSON writes one JSON text frame to the endpoint.
func (e *Endpoint) SendJSON(v any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return e.conn.WriteJSON(v)
}

// closeWith sends a close control frame and closes the connection.
// Safe to call concurrently with SendJSON and with the reader.
func (e *Endpoint) closeWith(code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	e.conn.Close()
}

// EndpointMap tracks the live endpoint session per device id. The
// invariant is at most one session per device: admitting a new session
// for a device id supersedes and closes the prior one before the map
// entry is replaced, all under the map lock, so two concurrent admits
// for the same device serialize and the most recent one wins.
type EndpointMap struct {
	mu       sync.Mutex
	byDevice map[string]*Endpoint
	logger   *slog.Logger
}

// NewEndpointMap creates an empty map.
func NewEndpointMap(logger *slog.Logger) *EndpointMap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EndpointMap{byDevice: make(map[string]*Endpoint), logger: logger}
}

// Admit registers an endpoint. If a session for the same device id is
// live, it is closed with 1008 "superseded" first.
func (m *EndpointMap) Admit(ep *Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.byDevice[ep.DeviceID]; ok {
		m.logger.Info("superseding signaling session", "device_id", ep.DeviceID)
		prior.closeWith(websocket.ClosePolicyViolation, "superseded")
	}
	m.byDevice[ep.DeviceID] = ep
}

// RemoveIfSame deletes the entry for ep's device id only if it still
// points at ep. A superseded session calling this on its way out must
// not evict its successor.
func (m *EndpointMap) RemoveIfSame(ep *Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byDevice[ep.DeviceID]; ok && current == ep {
		delete(m.byDevice, ep.DeviceID)
	}
}

// Get returns the live endpoint for a device id.
func (m *EndpointMap) Get(deviceID string) (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.byDevice[deviceID]
	return ep, ok
}

// Len returns the number of live sessions.
func (m *EndpointMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDevice)
}
