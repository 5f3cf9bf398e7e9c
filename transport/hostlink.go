// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/portico-net/portico/lib/clock"
)

// HostLinkConfig configures the host-side link.
type HostLinkConfig struct {
	// DeviceID is the host's device id.
	DeviceID string

	// Token authenticates relay dials.
	Token string

	// RelayURL is the relay base used when a connect-request does not
	// carry one.
	RelayURL string

	// ICE configures peer connection candidates.
	ICE ICEConfig

	// Clock defaults to the wall clock; Logger defaults to discard.
	Clock  clock.Clock
	Logger *slog.Logger
}

// HostLink is the answering side of the tunnel: it waits for browsers
// to signal it, answers their offers, and opens relay sockets when a
// browser falls back. The host never retries and never chooses the
// transport — it follows whatever each browser asks for.
type HostLink struct {
	cfg     HostLinkConfig
	conduit SignalConduit
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]hostPeer // by offering device id

	transports chan Transport
	done       chan struct{}
	once       sync.Once

	// Construction seams for tests.
	newPeer   func(SignalConduit, string, ICEConfig, *slog.Logger) (hostPeer, error)
	dialRelay func(ctx context.Context, relayURL, sessionID, token string, logger *slog.Logger) (Transport, error)
}

// NewHostLink creates a host link over an established signaling
// conduit.
func NewHostLink(conduit SignalConduit, cfg HostLinkConfig) *HostLink {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &HostLink{
		cfg:        cfg,
		conduit:    conduit,
		logger:     cfg.Logger,
		peers:      make(map[string]hostPeer),
		transports: make(chan Transport, 4),
		done:       make(chan struct{}),
		newPeer:    newHostPeer,
		dialRelay: func(ctx context.Context, relayURL, sessionID, token string, logger *slog.Logger) (Transport, error) {
			socket, err := DialRelay(ctx, relayURL, sessionID, token, logger)
			if err != nil {
				return nil, err
			}
			return socket, nil
		},
	}
}

// Transports delivers each transport a browser establishes to this
// host. Multiple browsers produce multiple concurrent transports.
func (h *HostLink) Transports() <-chan Transport { return h.transports }

// Close ends the link and abandons all peer connections.
func (h *HostLink) Close() error {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for sender, peer := range h.peers {
		peer.Close()
		delete(h.peers, sender)
	}
	return nil
}

// Run processes signaling frames until the conduit dies or ctx ends.
func (h *HostLink) Run(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-h.conduit.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(ctx, msg)
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *HostLink) handleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case "offer":
		h.handleOffer(ctx, msg)
	case "ice-candidate":
		if peer := h.peerFor(msg.SenderDeviceID); peer != nil {
			peer.HandleCandidate(msg.Payload)
		} else {
			h.logger.Debug("candidate for unknown peer", "sender", msg.SenderDeviceID)
		}
	case "connect-request-received":
		if msg.PreferredTransport == "relay" {
			go h.handleRelayRequest(ctx, msg)
		} else {
			// WebRTC-preferred requests need no action here: the
			// browser follows up with an offer.
			h.logger.Debug("connect-request noted", "from", msg.FromDeviceID, "transport", msg.PreferredTransport)
		}
	case "error":
		h.logger.Warn("signaling error", "message", msg.Message)
	case "ack":
		// Routing confirmation; nothing to do.
	default:
		h.logger.Debug("ignoring signaling frame", "type", msg.Type)
	}
}

// handleOffer answers a browser's SDP offer. A repeated offer from the
// same device replaces the old peer connection — the browser tears
// down and retries from scratch, so stale state on our side would only
// get in the way.
func (h *HostLink) handleOffer(ctx context.Context, msg Message) {
	sender := msg.SenderDeviceID
	if sender == "" {
		h.logger.Warn("offer without sender")
		return
	}

	peer, err := h.newPeer(h.conduit, sender, h.cfg.ICE, h.logger)
	if err != nil {
		h.logger.Error("creating peer connection failed", "error", err, "sender", sender)
		return
	}

	h.mu.Lock()
	if prior, ok := h.peers[sender]; ok {
		prior.Close()
	}
	h.peers[sender] = peer
	h.mu.Unlock()

	if err := peer.HandleOffer(msg.Payload); err != nil {
		h.logger.Error("answering offer failed", "error", err, "sender", sender)
		h.removePeer(sender, peer)
		peer.Close()
		return
	}

	go func() {
		select {
		case tr := <-peer.Established():
			h.logger.Info("peer transport established", "sender", sender)
			h.deliver(tr)
		case <-h.done:
		case <-ctx.Done():
		}
	}()
}

// handleRelayRequest opens the host's side of a relay session and
// acknowledges the browser. The ack carries connected on success and
// failed otherwise; the browser gives up on failed.
func (h *HostLink) handleRelayRequest(ctx context.Context, msg Message) {
	sessionID := msg.RelaySessionID
	if sessionID == "" {
		sessionID = RelaySessionID(msg.FromDeviceID, h.cfg.DeviceID)
	}
	relayURL := msg.RelayURL
	if relayURL == "" {
		relayURL = h.cfg.RelayURL
	}

	h.logger.Info("relay fallback requested", "from", msg.FromDeviceID, "session_id", sessionID)

	tr, err := h.dialRelay(ctx, relayURL, sessionID, h.cfg.Token, h.logger)
	status := "connected"
	if err != nil {
		h.logger.Error("relay dial failed", "error", err, "session_id", sessionID)
		status = "failed"
	}

	ackErr := h.conduit.Send(Message{
		Type:           "connect-ack",
		TargetDeviceID: msg.FromDeviceID,
		Transport:      "relay",
		RelaySessionID: sessionID,
		Status:         status,
	})
	if ackErr != nil {
		h.logger.Error("sending connect-ack failed", "error", ackErr)
		if tr != nil {
			tr.Close()
		}
		return
	}

	if err == nil {
		h.deliver(tr)
	}
}

func (h *HostLink) peerFor(sender string) hostPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[sender]
}

func (h *HostLink) removePeer(sender string, peer hostPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.peers[sender]; ok && current == peer {
		delete(h.peers, sender)
	}
}

func (h *HostLink) deliver(tr Transport) {
	select {
	case h.transports <- tr:
	case <-h.done:
		tr.Close()
	}
}
