// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"log/slog"
	"testing"

	"github.com/portico-net/portico/transport"
	"github.com/portico-net/portico/wire"
)

// fakeNative is a stand-in native stream so exclusion tests need no
// real WebSocket server.
type fakeNative struct {
	url      string
	messages chan WSMessage
	done     chan struct{}
}

func (f *fakeNative) SendText(string) error      { return nil }
func (f *fakeNative) SendBinary([]byte) error    { return nil }
func (f *fakeNative) Messages() <-chan WSMessage { return f.messages }
func (f *fakeNative) Close(uint16, string) error { close(f.done); return nil }
func (f *fakeNative) Done() <-chan struct{}      { return f.done }
func (f *fakeNative) CloseInfo() CloseInfo       { return CloseInfo{} }

func TestWSDialerExcludesControlChannel(t *testing.T) {
	browserEnd, hostEnd := transport.Pipe()
	defer browserEnd.Close()
	_ = hostEnd

	recorded := record(browserEnd)
	client := NewClient(ClientConfig{Logger: slog.New(slog.DiscardHandler)})
	client.Attach(recorded)

	dialer := NewWSDialer(client, "/signal")
	nativeDialed := make([]string, 0, 1)
	dialer.nativeDial = func(rawURL string, headers map[string]string) (WSStream, error) {
		nativeDialed = append(nativeDialed, rawURL)
		return &fakeNative{url: rawURL, messages: make(chan WSMessage), done: make(chan struct{})}, nil
	}

	// The control channel bypasses the tunnel entirely.
	controlURL := "ws://signal.example/signal?token=abc&device_id=browser-A"
	stream, err := dialer.Dial(controlURL, nil)
	if err != nil {
		t.Fatalf("Dial control channel: %v", err)
	}
	if _, tunneled := stream.(*WSConn); tunneled {
		t.Fatal("control channel was tunneled")
	}
	if len(nativeDialed) != 1 || nativeDialed[0] != controlURL {
		t.Errorf("native dials = %v, want the control URL", nativeDialed)
	}
	for _, f := range recorded.sentFrames(t) {
		if _, isConnect := f.(*wire.WSConnect); isConnect {
			t.Error("WS_CONNECT frame sent for the control channel")
		}
	}

	// An application URL is tunneled with a fresh connection id.
	stream, err = dialer.Dial("ws://localhost:3000/ws", nil)
	if err != nil {
		t.Fatalf("Dial app socket: %v", err)
	}
	conn, tunneled := stream.(*WSConn)
	if !tunneled {
		t.Fatal("application socket was not tunneled")
	}
	if conn.ConnectionID() != 1 {
		t.Errorf("connection id = %d, want 1", conn.ConnectionID())
	}

	var connects int
	for _, f := range recorded.sentFrames(t) {
		if c, isConnect := f.(*wire.WSConnect); isConnect {
			connects++
			if c.URL != "ws://localhost:3000/ws" {
				t.Errorf("WS_CONNECT url = %q", c.URL)
			}
		}
	}
	if connects != 1 {
		t.Errorf("WS_CONNECT frames = %d, want exactly 1", connects)
	}
	if len(nativeDialed) != 1 {
		t.Errorf("native dials after app socket = %d, want still 1", len(nativeDialed))
	}
}

func TestWSDialerDefaultsToSignalPath(t *testing.T) {
	client := NewClient(ClientConfig{Logger: slog.New(slog.DiscardHandler)})
	dialer := NewWSDialer(client, "")

	native := 0
	dialer.nativeDial = func(rawURL string, headers map[string]string) (WSStream, error) {
		native++
		return &fakeNative{messages: make(chan WSMessage), done: make(chan struct{})}, nil
	}

	if _, err := dialer.Dial("wss://cloud.example/signal?token=t", nil); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if native != 1 {
		t.Errorf("native dials = %d, want 1", native)
	}

	// Tunneled dial on a detached client fails cleanly, proving it
	// took the tunnel path.
	if _, err := dialer.Dial("ws://localhost:3000/ws", nil); err == nil {
		t.Error("tunneled dial on detached client succeeded, want error")
	}
}
