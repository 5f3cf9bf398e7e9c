// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portico-net/portico/lib/accesstoken"
	"github.com/portico-net/portico/lib/testutil"
	"github.com/portico-net/portico/relay"
)

// startRelay runs a real relay service and returns its ws:// base URL
// and a valid token.
func startRelay(t *testing.T) (string, string) {
	t.Helper()
	server, err := relay.NewServer(relay.Config{
		JWTSecret: "shared-secret",
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("relay.NewServer: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	issuer, err := accesstoken.NewIssuer("shared-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := issuer.Issue(1, "u@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return "ws" + strings.TrimPrefix(ts.URL, "http"), token
}

func TestRelaySocketEndToEnd(t *testing.T) {
	relayURL, token := startRelay(t)
	ctx := context.Background()

	browser, err := DialRelay(ctx, relayURL, "browser-A-host-B", token, nil)
	if err != nil {
		t.Fatalf("browser dial: %v", err)
	}
	defer browser.Close()
	host, err := DialRelay(ctx, relayURL, "browser-A-host-B", token, nil)
	if err != nil {
		t.Fatalf("host dial: %v", err)
	}
	defer host.Close()

	if browser.Mode() != ModeRelay {
		t.Errorf("Mode = %v, want relay", browser.Mode())
	}

	received := make(chan []byte, 16)
	host.SetHandler(func(data []byte) { received <- data })

	for _, payload := range []string{"frame-1", "frame-2", "frame-3"} {
		if err := browser.Send([]byte(payload)); err != nil {
			t.Fatalf("Send %q: %v", payload, err)
		}
	}
	for _, want := range []string{"frame-1", "frame-2", "frame-3"} {
		got := testutil.Receive(t, received, 2*time.Second, "relayed frame")
		if string(got) != want {
			t.Fatalf("got %q, want %q (ordering broken)", got, want)
		}
	}

	// The reverse direction works too.
	fromHost := make(chan []byte, 1)
	browser.SetHandler(func(data []byte) { fromHost <- data })
	if err := host.Send([]byte("reply")); err != nil {
		t.Fatalf("host Send: %v", err)
	}
	if got := testutil.Receive(t, fromHost, 2*time.Second, "reply"); string(got) != "reply" {
		t.Errorf("reply = %q", got)
	}
}

func TestRelaySocketPeerCloseClosesBoth(t *testing.T) {
	relayURL, token := startRelay(t)
	ctx := context.Background()

	a, err := DialRelay(ctx, relayURL, "s", token, nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	b, err := DialRelay(ctx, relayURL, "s", token, nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}

	a.Close()
	testutil.Closed(t, b.Done(), 3*time.Second, "peer close propagation")

	if err := b.Send([]byte("late")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after peer close = %v, want ErrTransportClosed", err)
	}
}

func TestRelaySocketRejectedToken(t *testing.T) {
	relayURL, _ := startRelay(t)
	if _, err := DialRelay(context.Background(), relayURL, "s", "bad-token", nil); err == nil {
		t.Fatal("DialRelay with bad token succeeded")
	}
}
