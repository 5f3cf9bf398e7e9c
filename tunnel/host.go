// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/netutil"
	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/wire"
)

// Host-side defaults.
const (
	DefaultBaseURL      = "http://localhost:5142"
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultMaxSubConns  = 256
	abnormalClosureCode = 1006
)

// HostConfig configures the host-side multiplexer.
type HostConfig struct {
	// BaseURL is the local HTTP service requests are dispatched to by
	// default (the management API port).
	BaseURL string

	// Services maps ?client=<name> routing targets.
	Services map[string]string

	// HTTPTimeout bounds one dispatched request.
	HTTPTimeout time.Duration

	// MaxSubConns caps concurrent WebSocket sub-connections per
	// transport.
	MaxSubConns int

	// HTTPClient defaults to a fresh client; Logger defaults to
	// discard.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Host is the host-side multiplexer. Attach it to each transport a
// browser establishes; each attachment tracks its own sub-connections
// and dies with its transport.
type Host struct {
	cfg    HostConfig
	router *Router
	client *http.Client
	logger *slog.Logger

	// wsDial is the outbound WebSocket dialer; a seam for tests.
	wsDial func(rawURL string, header http.Header) (*websocket.Conn, error)
}

// NewHost creates a host-side multiplexer.
func NewHost(cfg HostConfig) *Host {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxSubConns <= 0 {
		cfg.MaxSubConns = DefaultMaxSubConns
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	router := NewRouter(cfg.BaseURL, cfg.Logger)
	for name, base := range cfg.Services {
		router.RegisterService(name, base)
	}

	return &Host{
		cfg:    cfg,
		router: router,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		wsDial: func(rawURL string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(rawURL, header)
			return conn, err
		},
	}
}

// Router exposes the service router for runtime registration.
func (h *Host) Router() *Router { return h.router }

// Attach binds the host to one transport and serves it until the
// transport dies. Returns immediately; serving happens on the
// transport's delivery goroutine and per-request workers.
func (h *Host) Attach(ctx context.Context, tr transport.Transport) {
	session := &hostSession{
		host:  h,
		tr:    tr,
		ctx:   ctx,
		conns: make(map[uint32]*hostWS),
	}
	tr.SetHandler(session.handleFrame)
	go func() {
		select {
		case <-tr.Done():
		case <-ctx.Done():
			tr.Close()
		}
		session.closeAll()
	}()
}

// hostSession is the per-transport state: the sub-connection table and
// the frame demultiplexer.
type hostSession struct {
	host *Host
	tr   transport.Transport
	ctx  context.Context

	mu    sync.Mutex
	conns map[uint32]*hostWS
}

// hostWS is one outbound WebSocket to a local service, serving one
// sub-connection id.
type hostWS struct {
	id      uint32
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (hw *hostWS) close() {
	hw.once.Do(func() {
		hw.conn.Close()
	})
}

// send serializes data writes with the control writes of control;
// both take writeMu.
func (hw *hostWS) send(messageType int, data []byte) error {
	hw.writeMu.Lock()
	defer hw.writeMu.Unlock()
	hw.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return hw.conn.WriteMessage(messageType, data)
}

func (hw *hostWS) control(messageType int, data []byte) error {
	hw.writeMu.Lock()
	defer hw.writeMu.Unlock()
	return hw.conn.WriteControl(messageType, data, time.Now().Add(10*time.Second))
}

func (s *hostSession) handleFrame(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		// A mangled HTTP request still deserves an answer if the
		// request id is readable; everything else is dropped.
		if frameType, typeErr := wire.PeekType(data); typeErr == nil && frameType == wire.TypeHTTPRequest {
			if requestID, idErr := wire.PeekRequestID(data); idErr == nil {
				s.host.logger.Warn("answering undecodable request with 500", "request_id", requestID, "error", err)
				s.sendResponse(&wire.HTTPResponse{
					RequestID:  requestID,
					StatusCode: http.StatusInternalServerError,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       []byte(`{"error":"malformed request frame"}`),
				})
				return
			}
		}
		s.host.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case *wire.HTTPRequest:
		go s.handleRequest(f)
	case *wire.WSConnect:
		// Inline, so the sub-connection is registered before the
		// WS_DATA frames that follow it are handled.
		s.handleConnect(f)
	case *wire.WSData:
		s.handleData(f)
	case *wire.WSClose:
		s.handleClose(f)
	default:
		s.host.logger.Warn("dropping unexpected frame on host side", "type", fmt.Sprintf("0x%02x", frame.FrameType()))
	}
}

// handleRequest dispatches one tunneled HTTP request to the local
// service and replies with a single response frame.
func (s *hostSession) handleRequest(f *wire.HTTPRequest) {
	base := s.host.router.Route(f.Path)
	target := base + f.Path

	ctx, cancel := context.WithTimeout(s.ctx, s.host.cfg.HTTPTimeout)
	defer cancel()

	var body *bytes.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(ctx, f.Method, target, body)
	if err != nil {
		s.host.logger.Warn("request construction failed", "request_id", f.RequestID, "error", err)
		s.sendErrorResponse(f.RequestID, http.StatusBadGateway, err)
		return
	}
	for name, value := range f.Headers {
		// Hop-by-hop and length headers are the local stack's to
		// manage.
		switch strings.ToLower(name) {
		case "host", "connection", "content-length", "transfer-encoding":
			continue
		}
		request.Header.Set(name, value)
	}

	response, err := s.host.client.Do(request)
	if err != nil {
		s.host.logger.Warn("dispatch failed", "request_id", f.RequestID, "target", target, "error", err)
		s.sendErrorResponse(f.RequestID, http.StatusBadGateway, err)
		return
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadBody(response.Body)
	if err != nil {
		s.sendErrorResponse(f.RequestID, http.StatusBadGateway, err)
		return
	}

	headers := make(map[string]string, len(response.Header))
	for name := range response.Header {
		headers[name] = response.Header.Get(name)
	}

	s.host.logger.Debug("request served",
		"request_id", f.RequestID,
		"method", f.Method,
		"path", f.Path,
		"status", response.StatusCode,
	)
	s.sendResponse(&wire.HTTPResponse{
		RequestID:  f.RequestID,
		StatusCode: uint16(response.StatusCode),
		Headers:    headers,
		Body:       responseBody,
	})
}

func (s *hostSession) sendErrorResponse(requestID uint32, status int, cause error) {
	s.sendResponse(&wire.HTTPResponse{
		RequestID:  requestID,
		StatusCode: uint16(status),
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       fmt.Appendf(nil, `{"error":%q}`, cause.Error()),
	})
}

func (s *hostSession) sendResponse(f *wire.HTTPResponse) {
	data, err := f.Encode()
	if err != nil {
		s.host.logger.Error("encoding response failed", "request_id", f.RequestID, "error", err)
		return
	}
	if err := s.tr.Send(data); err != nil && !errors.Is(err, transport.ErrTransportClosed) {
		s.host.logger.Warn("sending response failed", "request_id", f.RequestID, "error", err)
	}
}

// handleConnect opens the outbound WebSocket for a new sub-connection
// and starts pumping its messages back through the tunnel.
func (s *hostSession) handleConnect(f *wire.WSConnect) {
	s.mu.Lock()
	if len(s.conns) >= s.host.cfg.MaxSubConns {
		s.mu.Unlock()
		s.host.logger.Warn("sub-connection cap reached", "connection_id", f.ConnectionID)
		s.sendClose(f.ConnectionID, abnormalClosureCode, "sub-connection limit reached")
		return
	}
	s.mu.Unlock()

	targetURL, err := s.rewriteWSURL(f.URL)
	if err != nil {
		s.host.logger.Warn("ws connect with bad url", "connection_id", f.ConnectionID, "url", f.URL, "error", err)
		s.sendClose(f.ConnectionID, abnormalClosureCode, "bad url")
		return
	}

	header := http.Header{}
	for name, value := range f.Headers {
		// The handshake headers are the dialer's to produce.
		switch strings.ToLower(name) {
		case "host", "connection", "upgrade",
			"sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			continue
		}
		header.Set(name, value)
	}

	conn, err := s.host.wsDial(targetURL, header)
	if err != nil {
		s.host.logger.Warn("upstream ws dial failed", "connection_id", f.ConnectionID, "url", targetURL, "error", err)
		s.sendClose(f.ConnectionID, abnormalClosureCode, "connect failed: "+err.Error())
		return
	}

	hw := &hostWS{id: f.ConnectionID, conn: conn}
	s.mu.Lock()
	s.conns[f.ConnectionID] = hw
	s.mu.Unlock()

	s.host.logger.Info("sub-connection established", "connection_id", f.ConnectionID, "url", targetURL)
	go s.pumpUpstream(hw)
}

// rewriteWSURL routes the requested URL through the service router and
// rebuilds it against the chosen local target with a ws scheme.
func (s *hostSession) rewriteWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	pathWithQuery := u.EscapedPath()
	if u.RawQuery != "" {
		pathWithQuery += "?" + u.RawQuery
	}

	base, err := url.Parse(s.host.router.Route(pathWithQuery))
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if base.Scheme == "https" || base.Scheme == "wss" {
		scheme = "wss"
	}
	return scheme + "://" + base.Host + pathWithQuery, nil
}

// pumpUpstream forwards everything the local service says back through
// the tunnel, and translates the service's close into a WS_CLOSE.
func (s *hostSession) pumpUpstream(hw *hostWS) {
	defer s.dropConn(hw)

	for {
		messageType, data, err := hw.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.sendClose(hw.id, uint16(closeErr.Code), closeErr.Text)
			} else {
				if !netutil.IsExpectedClose(err) {
					s.host.logger.Warn("upstream ws read failed", "connection_id", hw.id, "error", err)
				}
				s.sendClose(hw.id, abnormalClosureCode, "upstream closed")
			}
			return
		}

		opcode := wire.OpcodeBinary
		if messageType == websocket.TextMessage {
			opcode = wire.OpcodeText
		}
		frame := &wire.WSData{ConnectionID: hw.id, Opcode: opcode, Payload: data}
		encoded, err := frame.Encode()
		if err != nil {
			s.host.logger.Error("encoding ws data failed", "connection_id", hw.id, "error", err)
			continue
		}
		if err := s.tr.Send(encoded); err != nil {
			return
		}
	}
}

// handleData forwards a browser message onto the outbound socket.
func (s *hostSession) handleData(f *wire.WSData) {
	s.mu.Lock()
	hw := s.conns[f.ConnectionID]
	s.mu.Unlock()
	if hw == nil {
		s.host.logger.Warn("ws data for unknown sub-connection", "connection_id", f.ConnectionID)
		return
	}

	var err error
	switch f.Opcode {
	case wire.OpcodeText:
		err = hw.send(websocket.TextMessage, f.Payload)
	case wire.OpcodeBinary:
		err = hw.send(websocket.BinaryMessage, f.Payload)
	case wire.OpcodePing:
		err = hw.control(websocket.PingMessage, f.Payload)
	case wire.OpcodePong:
		err = hw.control(websocket.PongMessage, f.Payload)
	default:
		s.host.logger.Warn("ws data with unhandled opcode", "opcode", f.Opcode, "connection_id", f.ConnectionID)
		return
	}
	if err != nil {
		s.host.logger.Warn("upstream ws write failed", "connection_id", f.ConnectionID, "error", err)
		hw.close()
	}
}

// handleClose closes the outbound socket for a browser-initiated
// close.
func (s *hostSession) handleClose(f *wire.WSClose) {
	s.mu.Lock()
	hw := s.conns[f.ConnectionID]
	delete(s.conns, f.ConnectionID)
	s.mu.Unlock()
	if hw == nil {
		return
	}
	hw.control(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(f.CloseCode), f.Reason))
	hw.close()
	s.host.logger.Debug("sub-connection closed by peer", "connection_id", f.ConnectionID, "code", f.CloseCode)
}

func (s *hostSession) sendClose(connectionID uint32, code uint16, reason string) {
	frame := &wire.WSClose{ConnectionID: connectionID, CloseCode: code, Reason: reason}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	s.tr.Send(data)
}

func (s *hostSession) dropConn(hw *hostWS) {
	s.mu.Lock()
	if current, ok := s.conns[hw.id]; ok && current == hw {
		delete(s.conns, hw.id)
	}
	s.mu.Unlock()
	hw.close()
}

// closeAll closes every outbound socket when the transport dies. No
// sub-connection survives into a successor transport.
func (s *hostSession) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[uint32]*hostWS)
	s.mu.Unlock()

	for _, hw := range conns {
		hw.close()
	}
	if len(conns) > 0 {
		s.host.logger.Info("transport death closed sub-connections", "count", len(conns))
	}
}
