// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/clock"
	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/wire"
)

// DefaultRequestTimeout bounds a pending HTTP request when the caller
// sets no deadline of its own.
const DefaultRequestTimeout = 30 * time.Second

// ErrRequestTimeout is returned by Fetch when the host does not answer
// within the request window.
var ErrRequestTimeout = errors.New("tunnel: request timed out")

// ErrConnectionClosed fails pending work when the transport dies, and
// is returned by operations issued while no transport is attached.
var ErrConnectionClosed = errors.New("tunnel: connection closed")

// Request is a proxied HTTP request. URL is absolute or
// path-qualified; only its path and query travel the wire — the host
// decides the actual destination.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the host's reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ClientConfig configures the remote-side multiplexer.
type ClientConfig struct {
	// RequestTimeout is the pending-request deadline. Zero selects
	// DefaultRequestTimeout. Callers can shorten it per request with a
	// context deadline.
	RequestTimeout time.Duration

	// Clock defaults to the wall clock; Logger defaults to discard.
	Clock  clock.Clock
	Logger *slog.Logger
}

// fetchResult is what a pending entry resolves to: a response or the
// failure that released the entry.
type fetchResult struct {
	response *wire.HTTPResponse
	err      error
}

// Client is the remote-side multiplexer. Attach it to each transport
// the link establishes; attaching resets the id counters and the
// correlation tables (nothing pending survives a transport change).
type Client struct {
	cfg    ClientConfig
	clk    clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	tr            transport.Transport
	nextRequestID uint32
	nextConnID    uint32
	pending       map[uint32]chan fetchResult
	conns         map[uint32]*WSConn
	watchStop     chan struct{}
}

// NewClient creates a detached client. Call Attach before issuing
// requests.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		cfg:     cfg,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		pending: make(map[uint32]chan fetchResult),
		conns:   make(map[uint32]*WSConn),
	}
}

// Attach binds the client to a transport. Any previous transport's
// pending work has already been failed by its death; attaching resets
// the correlation state and restarts ids from 1.
func (c *Client) Attach(tr transport.Transport) {
	c.mu.Lock()
	if c.watchStop != nil {
		close(c.watchStop)
	}
	c.tr = tr
	c.nextRequestID = 0
	c.nextConnID = 0
	c.pending = make(map[uint32]chan fetchResult)
	c.conns = make(map[uint32]*WSConn)
	stop := make(chan struct{})
	c.watchStop = stop
	c.mu.Unlock()

	tr.SetHandler(c.handleFrame)
	go func() {
		select {
		case <-tr.Done():
			c.failEverything(tr)
		case <-stop:
		}
	}()
}

// Mode reports the attached transport's mode, or offline.
func (c *Client) Mode() transport.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil && c.tr.IsOpen() {
		return c.tr.Mode()
	}
	return transport.ModeOffline
}

// PendingRequests returns the number of unresolved request entries.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OpenConns returns the number of live WebSocket sub-connections.
func (c *Client) OpenConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Fetch sends one HTTP request through the tunnel and waits for the
// correlated response. The deadline is the shorter of the configured
// request timeout and ctx's deadline.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	tr := c.tr
	if tr == nil || !tr.IsOpen() {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextRequestID++
	requestID := c.nextRequestID
	result := make(chan fetchResult, 1)
	c.pending[requestID] = result
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	frame := &wire.HTTPRequest{
		RequestID: requestID,
		Method:    req.Method,
		Path:      pathWithQuery(req.URL),
		Headers:   req.Headers,
		Body:      req.Body,
	}
	data, err := frame.Encode()
	if err != nil {
		release()
		return nil, fmt.Errorf("tunnel: encoding request: %w", err)
	}
	if err := tr.Send(data); err != nil {
		release()
		if errors.Is(err, transport.ErrTransportClosed) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("tunnel: sending request: %w", err)
	}

	c.logger.Debug("request sent", "request_id", requestID, "method", req.Method, "path", frame.Path)

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return &Response{
			StatusCode: int(res.response.StatusCode),
			Headers:    res.response.Headers,
			Body:       res.response.Body,
		}, nil
	case <-c.clk.After(c.cfg.RequestTimeout):
		release()
		return nil, fmt.Errorf("%w: request %d after %s", ErrRequestTimeout, requestID, c.cfg.RequestTimeout)
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-tr.Done():
		release()
		return nil, ErrConnectionClosed
	}
}

// pathWithQuery reduces a URL to the path-and-query form that travels
// in the frame. Unparseable input passes through unchanged — the host
// side will fail it properly.
func pathWithQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// handleFrame demultiplexes one incoming frame by its leading byte.
func (c *Client) handleFrame(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case *wire.HTTPResponse:
		c.resolveResponse(f)
	case *wire.WSData:
		if conn := c.connByID(f.ConnectionID); conn != nil {
			conn.deliver(WSMessage{Opcode: f.Opcode, Payload: f.Payload})
		} else {
			c.logger.Warn("ws data for unknown sub-connection", "connection_id", f.ConnectionID)
		}
	case *wire.WSClose:
		c.mu.Lock()
		conn := c.conns[f.ConnectionID]
		delete(c.conns, f.ConnectionID)
		c.mu.Unlock()
		if conn != nil {
			conn.remoteClose(f.CloseCode, f.Reason)
		} else {
			c.logger.Warn("ws close for unknown sub-connection", "connection_id", f.ConnectionID)
		}
	default:
		c.logger.Warn("dropping unexpected frame on remote side", "type", fmt.Sprintf("0x%02x", frame.FrameType()))
	}
}

func (c *Client) resolveResponse(f *wire.HTTPResponse) {
	c.mu.Lock()
	result, ok := c.pending[f.RequestID]
	delete(c.pending, f.RequestID)
	c.mu.Unlock()
	if !ok {
		// Duplicate or late response: the entry already resolved,
		// timed out, or died with a transport.
		c.logger.Warn("dropping response with no pending request", "request_id", f.RequestID)
		return
	}
	result <- fetchResult{response: f}
}

func (c *Client) connByID(id uint32) *WSConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

// failEverything releases every pending request with
// ErrConnectionClosed and closes every sub-connection with 1006. Runs
// when the attached transport dies.
func (c *Client) failEverything(tr transport.Transport) {
	c.mu.Lock()
	if c.tr != tr {
		// A newer Attach already replaced the state.
		c.mu.Unlock()
		return
	}
	pending := c.pending
	conns := c.conns
	c.pending = make(map[uint32]chan fetchResult)
	c.conns = make(map[uint32]*WSConn)
	c.mu.Unlock()

	for id, result := range pending {
		result <- fetchResult{err: ErrConnectionClosed}
		c.logger.Debug("failed pending request on transport death", "request_id", id)
	}
	for _, conn := range conns {
		conn.remoteClose(uint16(websocket.CloseAbnormalClosure), "transport closed")
	}
	if len(pending) > 0 || len(conns) > 0 {
		c.logger.Info("transport death cancelled tunnel work",
			"pending_requests", len(pending),
			"sub_connections", len(conns),
		)
	}
}
