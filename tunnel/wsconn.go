// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/wire"
)

// WSState is a sub-connection's lifecycle position.
type WSState int

const (
	WSConnecting WSState = iota
	WSOpen
	WSClosing
	WSClosed
)

// String returns the WebSocket-standard state name.
func (s WSState) String() string {
	switch s {
	case WSConnecting:
		return "connecting"
	case WSOpen:
		return "open"
	case WSClosing:
		return "closing"
	case WSClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WSMessage is one message on a WebSocket stream. Opcode is a wire
// opcode: text payloads are UTF-8, binary payloads raw bytes.
type WSMessage struct {
	Opcode  byte
	Payload []byte
}

// CloseInfo carries the close code and reason a stream ended with.
type CloseInfo struct {
	Code   uint16
	Reason string
}

// WSStream is the WebSocket-shaped surface application code talks to,
// whether the stream is tunneled or native. Obtain streams from a
// WSDialer.
type WSStream interface {
	// SendText and SendBinary transmit one message.
	SendText(text string) error
	SendBinary(payload []byte) error

	// Messages delivers incoming data messages. The channel closes
	// when the stream closes.
	Messages() <-chan WSMessage

	// Close performs the closing handshake with the given code and
	// reason. Idempotent.
	Close(code uint16, reason string) error

	// Done is closed when the stream reaches the closed state;
	// CloseInfo reports how it ended.
	Done() <-chan struct{}
	CloseInfo() CloseInfo
}

// WSConn is a tunneled sub-connection: the remote half of a WebSocket
// that actually terminates at a service on the host's machine.
type WSConn struct {
	id     uint32
	client *Client

	mu    sync.Mutex
	state WSState
	info  CloseInfo

	messages chan WSMessage
	done     chan struct{}
	once     sync.Once
}

// Compile-time interface check.
var _ WSStream = (*WSConn)(nil)

// DialWS opens a tunneled sub-connection: allocates a connection id,
// sends WS_CONNECT, and returns the stream. There is no open
// acknowledgement in the protocol — the stream is usable immediately
// and a connect failure arrives as a WS_CLOSE with code 1006.
func (c *Client) DialWS(rawURL string, headers map[string]string) (*WSConn, error) {
	c.mu.Lock()
	tr := c.tr
	if tr == nil || !tr.IsOpen() {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextConnID++
	conn := &WSConn{
		id:       c.nextConnID,
		client:   c,
		state:    WSConnecting,
		messages: make(chan WSMessage, 64),
		done:     make(chan struct{}),
	}
	c.conns[conn.id] = conn
	c.mu.Unlock()

	frame := &wire.WSConnect{ConnectionID: conn.id, URL: rawURL, Headers: headers}
	data, err := frame.Encode()
	if err == nil {
		err = tr.Send(data)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.conns, conn.id)
		c.mu.Unlock()
		if errors.Is(err, transport.ErrTransportClosed) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("tunnel: opening sub-connection: %w", err)
	}

	conn.mu.Lock()
	conn.state = WSOpen
	conn.mu.Unlock()
	c.logger.Debug("sub-connection opened", "connection_id", conn.id, "url", rawURL)
	return conn, nil
}

// ConnectionID returns the sub-connection's wire id.
func (w *WSConn) ConnectionID() uint32 { return w.id }

// State returns the lifecycle state.
func (w *WSConn) State() WSState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SendText implements WSStream.
func (w *WSConn) SendText(text string) error {
	return w.send(wire.OpcodeText, []byte(text))
}

// SendBinary implements WSStream.
func (w *WSConn) SendBinary(payload []byte) error {
	return w.send(wire.OpcodeBinary, payload)
}

func (w *WSConn) send(opcode byte, payload []byte) error {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state != WSOpen && state != WSConnecting {
		return ErrConnectionClosed
	}

	w.client.mu.Lock()
	tr := w.client.tr
	w.client.mu.Unlock()
	if tr == nil || !tr.IsOpen() {
		return ErrConnectionClosed
	}

	frame := &wire.WSData{ConnectionID: w.id, Opcode: opcode, Payload: payload}
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("tunnel: encoding ws data: %w", err)
	}
	if err := tr.Send(data); err != nil {
		if errors.Is(err, transport.ErrTransportClosed) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("tunnel: sending ws data: %w", err)
	}
	return nil
}

// Messages implements WSStream.
func (w *WSConn) Messages() <-chan WSMessage { return w.messages }

// Close implements WSStream: sends WS_CLOSE, removes the sub-connection
// from the client's table, and finishes the stream at once with the
// given code and reason. The stream does not wait in the closing state
// for the host's side of the close; a WS_CLOSE the host sends
// afterwards finds no entry and is dropped.
func (w *WSConn) Close(code uint16, reason string) error {
	w.mu.Lock()
	if w.state == WSClosing || w.state == WSClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = WSClosing
	w.mu.Unlock()

	w.client.mu.Lock()
	tr := w.client.tr
	delete(w.client.conns, w.id)
	w.client.mu.Unlock()

	var sendErr error
	if tr != nil && tr.IsOpen() {
		frame := &wire.WSClose{ConnectionID: w.id, CloseCode: code, Reason: reason}
		if data, err := frame.Encode(); err == nil {
			sendErr = tr.Send(data)
		} else {
			sendErr = err
		}
	}

	w.finish(CloseInfo{Code: code, Reason: reason})
	return sendErr
}

// Done implements WSStream.
func (w *WSConn) Done() <-chan struct{} { return w.done }

// CloseInfo implements WSStream.
func (w *WSConn) CloseInfo() CloseInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info
}

// deliver routes one incoming data message. A first message on a
// connecting stream marks it open. The message channel is closed and
// written under the same lock, so a racing close cannot strand a send.
func (w *WSConn) deliver(msg WSMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WSClosed {
		return
	}
	if w.state == WSConnecting {
		w.state = WSOpen
	}
	select {
	case w.messages <- msg:
	default:
		w.client.logger.Warn("sub-connection receive queue full, dropping message",
			"connection_id", w.id)
	}
}

// remoteClose handles a WS_CLOSE from the host (or a synthetic one on
// transport death).
func (w *WSConn) remoteClose(code uint16, reason string) {
	w.finish(CloseInfo{Code: code, Reason: reason})
}

func (w *WSConn) finish(info CloseInfo) {
	w.once.Do(func() {
		w.mu.Lock()
		w.state = WSClosed
		w.info = info
		close(w.messages)
		close(w.done)
		w.mu.Unlock()
	})
}

// nativeWS adapts a real gorilla WebSocket to WSStream for streams the
// dialer excludes from tunneling.
type nativeWS struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	info    CloseInfo

	messages chan WSMessage
	done     chan struct{}
	once     sync.Once
}

// Compile-time interface check.
var _ WSStream = (*nativeWS)(nil)

func newNativeWS(conn *websocket.Conn) *nativeWS {
	n := &nativeWS{
		conn:     conn,
		messages: make(chan WSMessage, 64),
		done:     make(chan struct{}),
	}
	go n.readLoop()
	return n
}

// readLoop owns the messages channel: it is closed here and only
// here, so a racing Close cannot turn an in-flight send into a panic.
func (n *nativeWS) readLoop() {
	defer n.finish()
	defer close(n.messages)
	for {
		messageType, data, err := n.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				n.mu.Lock()
				n.info = CloseInfo{Code: uint16(closeErr.Code), Reason: closeErr.Text}
				n.mu.Unlock()
			}
			return
		}
		opcode := wire.OpcodeBinary
		if messageType == websocket.TextMessage {
			opcode = wire.OpcodeText
		}
		select {
		case n.messages <- WSMessage{Opcode: opcode, Payload: data}:
		case <-n.done:
			return
		}
	}
}

func (n *nativeWS) SendText(text string) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (n *nativeWS) SendBinary(payload []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (n *nativeWS) Messages() <-chan WSMessage { return n.messages }

func (n *nativeWS) Close(code uint16, reason string) error {
	n.writeMu.Lock()
	n.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason), time.Now().Add(time.Second))
	n.writeMu.Unlock()
	err := n.conn.Close()
	n.mu.Lock()
	if n.info.Code == 0 {
		n.info = CloseInfo{Code: code, Reason: reason}
	}
	n.mu.Unlock()
	n.finish()
	return err
}

func (n *nativeWS) Done() <-chan struct{} { return n.done }

func (n *nativeWS) CloseInfo() CloseInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

func (n *nativeWS) finish() {
	n.once.Do(func() {
		close(n.done)
	})
}

// WSDialer is the explicit WebSocket factory the application uses
// instead of a global constructor. Its routing rule decides per URL:
// the signaling control channel gets a native socket, everything else
// is tunneled as a sub-connection.
type WSDialer struct {
	client *Client

	// exclude reports whether a URL must bypass the tunnel.
	exclude func(u *url.URL) bool

	// nativeDial is the direct-dial implementation; a seam for tests.
	nativeDial func(rawURL string, headers map[string]string) (WSStream, error)
}

// NewWSDialer builds the factory. controlPath is the URL path of the
// signaling channel (default "/signal"); any URL whose path matches
// dials natively and never produces a WS_CONNECT frame.
func NewWSDialer(client *Client, controlPath string) *WSDialer {
	if controlPath == "" {
		controlPath = "/signal"
	}
	return &WSDialer{
		client: client,
		exclude: func(u *url.URL) bool {
			return u.Path == controlPath
		},
		nativeDial: func(rawURL string, headers map[string]string) (WSStream, error) {
			header := http.Header{}
			for name, value := range headers {
				header.Set(name, value)
			}
			conn, _, err := websocket.DefaultDialer.Dial(rawURL, header)
			if err != nil {
				return nil, fmt.Errorf("tunnel: native dial %s: %w", rawURL, err)
			}
			return newNativeWS(conn), nil
		},
	}
}

// Dial opens a stream for the URL, choosing tunnel or native per the
// routing rule.
func (d *WSDialer) Dial(rawURL string, headers map[string]string) (WSStream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tunnel: parsing %s: %w", rawURL, err)
	}
	if d.exclude(u) {
		return d.nativeDial(rawURL, headers)
	}
	return d.client.DialWS(rawURL, headers)
}
