// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/testutil"
	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/wire"
)

// recordingTransport wraps a transport and keeps a copy of every sent
// frame, so tests can assert on the wire traffic.
type recordingTransport struct {
	transport.Transport
	mu   sync.Mutex
	sent [][]byte
}

func record(tr transport.Transport) *recordingTransport {
	return &recordingTransport{Transport: tr}
}

func (r *recordingTransport) Send(data []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, append([]byte(nil), data...))
	r.mu.Unlock()
	return r.Transport.Send(data)
}

func (r *recordingTransport) sentFrames(t *testing.T) []wire.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]wire.Frame, 0, len(r.sent))
	for _, data := range r.sent {
		frame, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

// testBackend runs a local HTTP service with a health endpoint, an
// echo WebSocket, and a long-poll endpoint that never answers.
func testBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /v1/echo", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		w.Write(body)
	})
	mux.HandleFunc("GET /hang", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("GET /ws-reject", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "go away"), time.Now().Add(time.Second))
		conn.Close()
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// pair wires a Client and a Host together over an in-process pipe
// against the given backend.
func pair(t *testing.T, backendURL string, mutateClient func(*ClientConfig), mutateHost func(*HostConfig)) (*Client, *recordingTransport, *transport.PipeTransport) {
	t.Helper()

	clientCfg := ClientConfig{Logger: slog.New(slog.DiscardHandler)}
	if mutateClient != nil {
		mutateClient(&clientCfg)
	}
	hostCfg := HostConfig{BaseURL: backendURL, Logger: slog.New(slog.DiscardHandler)}
	if mutateHost != nil {
		mutateHost(&hostCfg)
	}

	browserEnd, hostEnd := transport.Pipe()
	t.Cleanup(func() { browserEnd.Close() })

	recorded := record(browserEnd)
	client := NewClient(clientCfg)
	client.Attach(recorded)

	host := NewHost(hostCfg)
	host.Attach(context.Background(), hostEnd)

	return client, recorded, browserEnd
}

func TestFetchHealthRoundTrip(t *testing.T) {
	backend := testBackend(t)
	client, recorded, _ := pair(t, backend.URL, nil, nil)

	response, err := client.Fetch(context.Background(), Request{
		Method: "GET",
		URL:    "http://localhost:5142/v1/health",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(response.Body, &body); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}

	// First request on a fresh transport carries id 1, and the
	// pending table is empty after resolution.
	frames := recorded.sentFrames(t)
	if len(frames) == 0 {
		t.Fatal("no frames recorded")
	}
	request, ok := frames[0].(*wire.HTTPRequest)
	if !ok {
		t.Fatalf("first frame is %T, want HTTPRequest", frames[0])
	}
	if request.RequestID != 1 {
		t.Errorf("request id = %d, want 1", request.RequestID)
	}
	if request.Path != "/v1/health" {
		t.Errorf("path = %q, want /v1/health", request.Path)
	}
	if client.PendingRequests() != 0 {
		t.Errorf("pending = %d after resolution, want 0", client.PendingRequests())
	}
}

func TestFetchPostBody(t *testing.T) {
	backend := testBackend(t)
	client, _, _ := pair(t, backend.URL, nil, nil)

	response, err := client.Fetch(context.Background(), Request{
		Method:  "POST",
		URL:     "/v1/echo",
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    []byte("körper 本体"),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(response.Body) != "körper 本体" {
		t.Errorf("echoed body = %q", response.Body)
	}
}

func TestFetchIDsMonotonicAndResetOnAttach(t *testing.T) {
	backend := testBackend(t)
	client, recorded, _ := pair(t, backend.URL, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/v1/health"}); err != nil {
			t.Fatalf("Fetch %d: %v", i, err)
		}
	}
	frames := recorded.sentFrames(t)
	var ids []uint32
	for _, f := range frames {
		if req, ok := f.(*wire.HTTPRequest); ok {
			ids = append(ids, req.RequestID)
		}
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("request ids = %v, want [1 2 3]", ids)
	}

	// A fresh transport restarts the counter.
	browserEnd, hostEnd := transport.Pipe()
	t.Cleanup(func() { browserEnd.Close() })
	fresh := record(browserEnd)
	client.Attach(fresh)
	NewHost(HostConfig{BaseURL: backend.URL, Logger: slog.New(slog.DiscardHandler)}).
		Attach(context.Background(), hostEnd)

	if _, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/v1/health"}); err != nil {
		t.Fatalf("Fetch after re-attach: %v", err)
	}
	frames = fresh.sentFrames(t)
	if req, ok := frames[0].(*wire.HTTPRequest); !ok || req.RequestID != 1 {
		t.Errorf("first id after re-attach = %v, want 1", frames[0])
	}
}

func TestFetchTimeout(t *testing.T) {
	backend := testBackend(t)
	client, _, _ := pair(t, backend.URL, func(c *ClientConfig) {
		c.RequestTimeout = 100 * time.Millisecond
	}, nil)

	_, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/hang"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Fetch = %v, want ErrRequestTimeout", err)
	}
	if client.PendingRequests() != 0 {
		t.Errorf("pending = %d after timeout, want 0", client.PendingRequests())
	}
}

func TestFetchFailsOnTransportClose(t *testing.T) {
	backend := testBackend(t)
	client, _, browserEnd := pair(t, backend.URL, nil, nil)

	result := make(chan error, 1)
	go func() {
		_, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/hang"})
		result <- err
	}()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return client.PendingRequests() == 1
	}, "request in flight")

	browserEnd.Close()

	err := testutil.Receive(t, result, 2*time.Second, "fetch failure")
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Fetch = %v, want ErrConnectionClosed", err)
	}
	testutil.Eventually(t, time.Second, func() bool {
		return client.PendingRequests() == 0
	}, "pending table drained")
}

func TestFetchBadGateway(t *testing.T) {
	// Point the host at a port nothing listens on.
	client, _, _ := pair(t, "http://127.0.0.1:1", nil, nil)

	response, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/v1/health"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if response.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", response.StatusCode)
	}
}

func TestFetchDetachedClient(t *testing.T) {
	client := NewClient(ClientConfig{Logger: slog.New(slog.DiscardHandler)})
	if _, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/"}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Fetch detached = %v, want ErrConnectionClosed", err)
	}
}

func TestFetchServiceRouting(t *testing.T) {
	backend := testBackend(t)

	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alt service"))
	}))
	t.Cleanup(alt.Close)

	client, _, _ := pair(t, backend.URL, nil, func(h *HostConfig) {
		h.Services = map[string]string{"altui": alt.URL}
	})

	response, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/index.html?client=altui"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(response.Body) != "alt service" {
		t.Errorf("body = %q, want the alternate service's answer", response.Body)
	}

	// Unknown names fall back to the default target.
	response, err = client.Fetch(context.Background(), Request{Method: "GET", URL: "/v1/health?client=nope"})
	if err != nil {
		t.Fatalf("Fetch fallback: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Errorf("fallback status = %d, want 200", response.StatusCode)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	backend := testBackend(t)
	client, _, _ := pair(t, backend.URL, nil, nil)

	// Hand-deliver a response nobody asked for straight into the
	// client's handler path.
	stray, err := (&wire.HTTPResponse{RequestID: 999, StatusCode: 200}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	client.handleFrame(stray)

	// The client still works afterwards.
	response, err := client.Fetch(context.Background(), Request{Method: "GET", URL: "/v1/health"})
	if err != nil {
		t.Fatalf("Fetch after stray response: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}
}

func TestWSEchoEndToEnd(t *testing.T) {
	backend := testBackend(t)
	client, recorded, _ := pair(t, backend.URL, nil, nil)

	stream, err := client.DialWS("ws://localhost:3000/ws", map[string]string{"Origin": "http://localhost:3000"})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}

	if err := stream.SendText("hallo"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg := testutil.Receive(t, stream.Messages(), 3*time.Second, "echo")
	if msg.Opcode != wire.OpcodeText || string(msg.Payload) != "hallo" {
		t.Errorf("echo = opcode %d payload %q", msg.Opcode, msg.Payload)
	}

	if err := stream.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	msg = testutil.Receive(t, stream.Messages(), 3*time.Second, "binary echo")
	if msg.Opcode != wire.OpcodeBinary || len(msg.Payload) != 3 {
		t.Errorf("binary echo = opcode %d len %d", msg.Opcode, len(msg.Payload))
	}

	// A WS_CONNECT frame with a fresh connection id went over the
	// wire.
	var connect *wire.WSConnect
	for _, f := range recorded.sentFrames(t) {
		if c, ok := f.(*wire.WSConnect); ok {
			connect = c
		}
	}
	if connect == nil {
		t.Fatal("no WS_CONNECT frame recorded")
	}
	if connect.ConnectionID != 1 {
		t.Errorf("connection id = %d, want 1", connect.ConnectionID)
	}

	if err := stream.Close(1000, "done"); err != nil {
		t.Errorf("Close: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool { return client.OpenConns() == 0 }, "conn table drained")
}

func TestWSServerClosePropagates(t *testing.T) {
	backend := testBackend(t)
	client, _, _ := pair(t, backend.URL, nil, nil)

	stream, err := client.DialWS("ws://localhost:3000/ws-reject", nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}

	testutil.Closed(t, stream.Done(), 3*time.Second, "server close propagation")
	info := stream.CloseInfo()
	if info.Code != 4000 {
		t.Errorf("close code = %d, want 4000", info.Code)
	}
}

func TestWSDialFailureYields1006(t *testing.T) {
	client, _, _ := pair(t, "http://127.0.0.1:1", nil, nil)

	stream, err := client.DialWS("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	testutil.Closed(t, stream.Done(), 3*time.Second, "dial failure close")
	if info := stream.CloseInfo(); info.Code != 1006 {
		t.Errorf("close code = %d, want 1006", info.Code)
	}
}

func TestWSTransportDeathClosesSubConnections(t *testing.T) {
	backend := testBackend(t)
	client, _, browserEnd := pair(t, backend.URL, nil, nil)

	stream, err := client.DialWS("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	if err := stream.SendText("warm"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	testutil.Receive(t, stream.Messages(), 3*time.Second, "echo before death")

	browserEnd.Close()

	testutil.Closed(t, stream.Done(), 2*time.Second, "sub-connection death")
	if info := stream.CloseInfo(); info.Code != 1006 {
		t.Errorf("close code = %d, want 1006", info.Code)
	}
	testutil.Eventually(t, time.Second, func() bool { return client.OpenConns() == 0 }, "no zombies")
}

func TestSubConnectionCap(t *testing.T) {
	backend := testBackend(t)
	client, _, _ := pair(t, backend.URL, nil, func(h *HostConfig) {
		h.MaxSubConns = 1
	})

	first, err := client.DialWS("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("first DialWS: %v", err)
	}
	if err := first.SendText("hold"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	testutil.Receive(t, first.Messages(), 3*time.Second, "first conn live")

	second, err := client.DialWS("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("second DialWS: %v", err)
	}
	testutil.Closed(t, second.Done(), 3*time.Second, "cap rejection")
	if info := second.CloseInfo(); info.Code != 1006 {
		t.Errorf("cap close code = %d, want 1006", info.Code)
	}

	select {
	case <-first.Done():
		t.Error("first sub-connection died with the second's rejection")
	default:
	}
}
