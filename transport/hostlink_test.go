// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portico-net/portico/lib/testutil"
)

// fakeHostPeer is a scripted answering peer.
type fakeHostPeer struct {
	established chan Transport
	offers      atomic.Int32
	candidates  atomic.Int32
	closed      atomic.Bool
	offerErr    error
}

func newFakeHostPeer() *fakeHostPeer {
	return &fakeHostPeer{established: make(chan Transport, 1)}
}

func (p *fakeHostPeer) HandleOffer(payload *SignalPayload) error {
	p.offers.Add(1)
	return p.offerErr
}
func (p *fakeHostPeer) HandleCandidate(payload *SignalPayload) { p.candidates.Add(1) }
func (p *fakeHostPeer) Established() <-chan Transport          { return p.established }
func (p *fakeHostPeer) Close()                                 { p.closed.Store(true) }

func testHostConfig() HostLinkConfig {
	return HostLinkConfig{
		DeviceID: "host-B",
		Token:    "host-tok",
		RelayURL: "ws://relay.test",
		Logger:   slog.New(slog.DiscardHandler),
	}
}

func TestHostLinkAnswersOffer(t *testing.T) {
	conduit := newMemoryConduit()
	link := NewHostLink(conduit, testHostConfig())

	peers := make(chan *fakeHostPeer, 2)
	link.newPeer = func(_ SignalConduit, sender string, _ ICEConfig, _ *slog.Logger) (hostPeer, error) {
		if sender != "browser-A" {
			t.Errorf("peer created for %q, want browser-A", sender)
		}
		p := newFakeHostPeer()
		peers <- p
		return p, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conduit.push(Message{
		Type:           "offer",
		SenderDeviceID: "browser-A",
		Payload:        &SignalPayload{SDP: "v=0", Type: "offer"},
	})

	peer := testutil.Receive(t, peers, time.Second, "host peer created")
	testutil.Eventually(t, time.Second, func() bool { return peer.offers.Load() == 1 }, "offer handled")

	// Candidates from the same browser reach the same peer.
	conduit.push(Message{
		Type:           "ice-candidate",
		SenderDeviceID: "browser-A",
		Payload:        &SignalPayload{Candidate: "candidate:1"},
	})
	testutil.Eventually(t, time.Second, func() bool { return peer.candidates.Load() == 1 }, "candidate routed")

	// When the channel opens, the transport is delivered.
	a, b := Pipe()
	defer b.Close()
	peer.established <- a
	tr := testutil.Receive(t, link.Transports(), time.Second, "host transport")
	if tr != Transport(a) {
		t.Error("delivered transport mismatch")
	}
}

func TestHostLinkReplacesPeerOnRepeatedOffer(t *testing.T) {
	conduit := newMemoryConduit()
	link := NewHostLink(conduit, testHostConfig())

	peers := make(chan *fakeHostPeer, 2)
	link.newPeer = func(SignalConduit, string, ICEConfig, *slog.Logger) (hostPeer, error) {
		p := newFakeHostPeer()
		peers <- p
		return p, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conduit.push(Message{Type: "offer", SenderDeviceID: "browser-A", Payload: &SignalPayload{SDP: "1"}})
	first := testutil.Receive(t, peers, time.Second, "first peer")

	conduit.push(Message{Type: "offer", SenderDeviceID: "browser-A", Payload: &SignalPayload{SDP: "2"}})
	testutil.Receive(t, peers, time.Second, "second peer")

	testutil.Eventually(t, time.Second, func() bool { return first.closed.Load() }, "stale peer closed")
}

func TestHostLinkRelayFallback(t *testing.T) {
	conduit := newMemoryConduit()
	link := NewHostLink(conduit, testHostConfig())

	relayA, relayB := Pipe()
	defer relayB.Close()
	dialed := make(chan string, 1)
	link.dialRelay = func(_ context.Context, relayURL, sessionID, token string, _ *slog.Logger) (Transport, error) {
		dialed <- relayURL + "|" + sessionID + "|" + token
		return relayA, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conduit.push(Message{
		Type:               "connect-request-received",
		FromDeviceID:       "browser-A",
		PreferredTransport: "relay",
		RelaySessionID:     "browser-A-host-B",
	})

	// The host dials the session the browser named, with its own
	// token, against the configured relay.
	if got := testutil.Receive(t, dialed, 2*time.Second, "relay dial"); got != "ws://relay.test|browser-A-host-B|host-tok" {
		t.Errorf("relay dial = %q", got)
	}

	// The browser is acknowledged with connected.
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(conduit.sentOfType("connect-ack")) == 1
	}, "connect-ack sent")
	ack := conduit.sentOfType("connect-ack")[0]
	if ack.TargetDeviceID != "browser-A" || ack.Status != "connected" || ack.Transport != "relay" {
		t.Errorf("unexpected ack: %+v", ack)
	}

	tr := testutil.Receive(t, link.Transports(), time.Second, "relay transport")
	if tr != Transport(relayA) {
		t.Error("delivered transport mismatch")
	}
}

func TestHostLinkRelayDialFailureAcksFailed(t *testing.T) {
	conduit := newMemoryConduit()
	link := NewHostLink(conduit, testHostConfig())

	link.dialRelay = func(context.Context, string, string, string, *slog.Logger) (Transport, error) {
		return nil, errors.New("relay unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conduit.push(Message{
		Type:               "connect-request-received",
		FromDeviceID:       "browser-A",
		PreferredTransport: "relay",
		RelaySessionID:     "browser-A-host-B",
	})

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(conduit.sentOfType("connect-ack")) == 1
	}, "connect-ack sent")
	ack := conduit.sentOfType("connect-ack")[0]
	if ack.Status != "failed" {
		t.Errorf("ack status = %q, want failed", ack.Status)
	}

	select {
	case <-link.Transports():
		t.Error("transport delivered despite dial failure")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHostLinkUsesAdvertisedRelayURL(t *testing.T) {
	conduit := newMemoryConduit()
	link := NewHostLink(conduit, testHostConfig())

	relayA, relayB := Pipe()
	defer relayB.Close()
	dialed := make(chan string, 1)
	link.dialRelay = func(_ context.Context, relayURL, _, _ string, _ *slog.Logger) (Transport, error) {
		dialed <- relayURL
		return relayA, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conduit.push(Message{
		Type:               "connect-request-received",
		FromDeviceID:       "browser-A",
		PreferredTransport: "relay",
		RelaySessionID:     "s",
		RelayURL:           "ws://advertised.example",
	})

	if got := testutil.Receive(t, dialed, 2*time.Second, "relay dial"); got != "ws://advertised.example" {
		t.Errorf("relay URL = %q, want the advertised one", got)
	}
}
