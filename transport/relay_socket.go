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

// RelaySocket is a Transport over a WebSocket to the relay service.
// Each tunnel frame is one binary WebSocket message; the relay
// forwards messages verbatim, so ordering is preserved end to end.
type RelaySocket struct {
	conn      *websocket.Conn
	sessionID string
	logger    *slog.Logger

	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handler   func([]byte)

	done chan struct{}
	once sync.Once
}

// Compile-time interface check.
var _ Transport = (*RelaySocket)(nil)

// DialRelay connects to "{relayURL}/relay/{sessionID}?token=…". The
// socket is usable as soon as the dial returns; the relay holds the
// session half-open until the peer arrives.
func DialRelay(ctx context.Context, relayURL, sessionID, token string, logger *slog.Logger) (*RelaySocket, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialURL := fmt.Sprintf("%s/relay/%s?token=%s",
		relayURL, url.PathEscape(sessionID), url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing relay: %w", err)
	}

	s := &RelaySocket{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go s.readLoop()

	logger.Info("relay socket open", "session_id", sessionID)
	return s, nil
}

func (s *RelaySocket) readLoop() {
	defer s.markDone()
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedClose(err) {
				s.logger.Warn("relay socket read failed", "error", err, "session_id", s.sessionID)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		s.handlerMu.RLock()
		handler := s.handler
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(data)
		}
	}
}

// Send implements Transport.
func (s *RelaySocket) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport: relay socket send: %w", err)
	}
	return nil
}

// SetHandler implements Transport.
func (s *RelaySocket) SetHandler(handler func(data []byte)) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

// Mode implements Transport.
func (s *RelaySocket) Mode() Mode { return ModeRelay }

// IsOpen implements Transport.
func (s *RelaySocket) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done implements Transport.
func (s *RelaySocket) Done() <-chan struct{} { return s.done }

// Close implements Transport.
func (s *RelaySocket) Close() error {
	s.markDone()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *RelaySocket) markDone() {
	s.once.Do(func() { close(s.done) })
}
