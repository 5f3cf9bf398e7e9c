// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/portico-net/portico/lib/clock"
)

// LinkState is a RemoteLink's position in the connection state
// machine.
type LinkState int

const (
	StateIdle LinkState = iota
	StateSignaling
	StateP2PConnecting
	StateP2POpen
	StateP2PFailed
	StateRelayConnecting
	StateRelayOpen
	StateClosed
)

// String returns the state name used in logs and status reports.
func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignaling:
		return "signaling"
	case StateP2PConnecting:
		return "p2p-connecting"
	case StateP2POpen:
		return "p2p-open"
	case StateP2PFailed:
		return "p2p-failed"
	case StateRelayConnecting:
		return "relay-connecting"
	case StateRelayOpen:
		return "relay-open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrConnectAckTimeout is returned when the host does not acknowledge
// a connect-request within the ack window.
var ErrConnectAckTimeout = errors.New("transport: connect-request not acknowledged")

// ErrConnectRefused is returned when the host acknowledges the
// fallback with status failed.
var ErrConnectRefused = errors.New("transport: host refused relay fallback")

// errWatchdog marks a peer connection attempt that did not reach open
// within the connect window.
var errWatchdog = errors.New("transport: peer connection watchdog expired")

// Defaults for the fallback machine's timers and counters.
const (
	DefaultMaxAttempts    = 3
	DefaultConnectTimeout = 15 * time.Second
	DefaultAckTimeout     = 30 * time.Second
	DefaultRetryMin       = 2 * time.Second
	DefaultRetryMax       = 60 * time.Second
)

// RemoteLinkConfig configures the browser-side link.
type RemoteLinkConfig struct {
	// DeviceID is this endpoint's device id; TargetDeviceID is the
	// host to reach.
	DeviceID       string
	TargetDeviceID string

	// Token authenticates the relay dial (the signaling conduit is
	// already authenticated).
	Token string

	// RelayURL is the relay base used when signaling does not
	// advertise one in the connect acknowledgement.
	RelayURL string

	// ICE configures peer connection candidates.
	ICE ICEConfig

	// DisableP2P skips peer connections entirely: the link goes
	// straight to the fallback edge. For platforms with no
	// peer-connection capability.
	DisableP2P bool

	// MaxAttempts bounds consecutive peer connection failures before
	// fallback. ConnectTimeout is the per-attempt watchdog.
	// AckTimeout bounds the connect-request acknowledgement wait.
	// RetryMin/RetryMax shape the exponential back-off between
	// attempts. Zero values select the defaults above.
	MaxAttempts    int
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

func (c RemoteLinkConfig) withDefaults() RemoteLinkConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.RetryMin <= 0 {
		c.RetryMin = DefaultRetryMin
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// RemoteLink drives the browser endpoint's transport: try the direct
// peer connection, retry with back-off, and fall back to the relay
// when the direct path will not come up. Each transport the link
// establishes is delivered on Transports; when a transport dies the
// link either replaces it (P2P retry) or ends (relay death).
type RemoteLink struct {
	cfg     RemoteLinkConfig
	conduit SignalConduit
	clk     clock.Clock
	logger  *slog.Logger
	retry   *backoff.Backoff

	mu       sync.Mutex
	state    LinkState
	failures int
	current  remotePeer
	active   Transport

	acks       chan Message
	transports chan Transport
	done       chan struct{}
	once       sync.Once

	// Construction seams for tests.
	newPeer   func(SignalConduit, string, ICEConfig, *slog.Logger) (remotePeer, error)
	dialRelay func(ctx context.Context, relayURL, sessionID, token string, logger *slog.Logger) (Transport, error)
}

// NewRemoteLink creates a link over an established signaling conduit.
// The conduit stays open for the link's whole life — retries and
// fallback both need it — and is not closed by the link.
func NewRemoteLink(conduit SignalConduit, cfg RemoteLinkConfig) *RemoteLink {
	cfg = cfg.withDefaults()
	return &RemoteLink{
		cfg:     cfg,
		conduit: conduit,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		retry: &backoff.Backoff{
			Min:    cfg.RetryMin,
			Max:    cfg.RetryMax,
			Factor: 2,
		},
		state:      StateIdle,
		acks:       make(chan Message, 4),
		transports: make(chan Transport, 2),
		done:       make(chan struct{}),
		newPeer:    newRemotePeer,
		dialRelay: func(ctx context.Context, relayURL, sessionID, token string, logger *slog.Logger) (Transport, error) {
			socket, err := DialRelay(ctx, relayURL, sessionID, token, logger)
			if err != nil {
				return nil, err
			}
			return socket, nil
		},
	}
}

// Transports delivers each transport the link establishes. The
// consumer (the tunnel multiplexer) attaches to each one as it
// arrives; an earlier transport is dead by the time a successor is
// delivered.
func (l *RemoteLink) Transports() <-chan Transport { return l.transports }

// State returns the current machine state.
func (l *RemoteLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Failures returns the consecutive peer connection failure count.
func (l *RemoteLink) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Mode reports the live transport kind, or offline.
func (l *RemoteLink) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil && l.active.IsOpen() {
		return l.active.Mode()
	}
	return ModeOffline
}

// Close ends the link. The active transport is closed, which fails
// everything pending on it.
func (l *RemoteLink) Close() error {
	l.once.Do(func() { close(l.done) })
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active != nil {
		active.Close()
	}
	return nil
}

// Run drives the machine until the link closes. It returns nil when
// the user closed the link, or the terminal error otherwise.
func (l *RemoteLink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	go l.dispatchLoop(ctx)

	l.setState(StateSignaling)
	err := l.connect(ctx)
	l.setState(StateClosed)
	if err != nil && ctx.Err() != nil {
		// User-driven close, not a connection failure.
		return nil
	}
	return err
}

// connect runs the attempt loop: P2P while attempts remain, then the
// fallback edge.
func (l *RemoteLink) connect(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.p2pAllowed() {
			tr, err := l.attemptP2P(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.recordFailure()
				l.setState(StateP2PFailed)
				l.logger.Warn("peer connection attempt failed",
					"error", err,
					"failures", l.Failures(),
				)
				if l.p2pAllowed() {
					wait := l.retry.Duration()
					l.logger.Info("retrying peer connection", "backoff", wait)
					select {
					case <-l.clk.After(wait):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				continue
			}

			// Open. Serve it until it dies.
			l.resetFailures()
			l.retry.Reset()
			l.setState(StateP2POpen)
			l.deliver(tr)
			select {
			case <-tr.Done():
			case <-ctx.Done():
				tr.Close()
				return ctx.Err()
			}
			l.recordFailure()
			l.setState(StateP2PFailed)
			l.logger.Warn("peer transport died")
			if l.p2pAllowed() {
				wait := l.retry.Duration()
				select {
				case <-l.clk.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}

		// Fallback edge: announce, await the ack, dial the relay.
		tr, err := l.fallbackToRelay(ctx)
		if err != nil {
			return err
		}
		l.setState(StateRelayOpen)
		l.deliver(tr)
		select {
		case <-tr.Done():
		case <-ctx.Done():
			tr.Close()
		}
		// Relay death ends the link; callers reconnect from scratch.
		return ctx.Err()
	}
}

func (l *RemoteLink) p2pAllowed() bool {
	if l.cfg.DisableP2P {
		return false
	}
	return l.Failures() < l.cfg.MaxAttempts
}

// attemptP2P runs one offer/answer cycle under the connect watchdog.
func (l *RemoteLink) attemptP2P(ctx context.Context) (Transport, error) {
	l.setState(StateP2PConnecting)

	peer, err := l.newPeer(l.conduit, l.cfg.TargetDeviceID, l.cfg.ICE, l.logger)
	if err != nil {
		return nil, err
	}
	l.setCurrentPeer(peer)
	defer l.setCurrentPeer(nil)

	if err := peer.Start(ctx); err != nil {
		peer.Close()
		return nil, err
	}

	select {
	case tr := <-peer.Established():
		return tr, nil
	case err := <-peer.Failed():
		peer.Close()
		return nil, err
	case <-l.clk.After(l.cfg.ConnectTimeout):
		peer.Close()
		return nil, errWatchdog
	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}

// fallbackToRelay performs the fallback edge: connect-request with
// preferred_transport=relay, wait for an acknowledgement with status
// connecting or connected, then dial the relay. No SDP offer is ever
// sent on this path.
func (l *RemoteLink) fallbackToRelay(ctx context.Context) (Transport, error) {
	l.setState(StateRelayConnecting)
	sessionID := RelaySessionID(l.cfg.DeviceID, l.cfg.TargetDeviceID)

	l.logger.Info("falling back to relay", "session_id", sessionID)
	err := l.conduit.Send(Message{
		Type:               "connect-request",
		TargetDeviceID:     l.cfg.TargetDeviceID,
		PreferredTransport: "relay",
		RelaySessionID:     sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: sending connect-request: %w", err)
	}

	deadline := l.clk.After(l.cfg.AckTimeout)
	for {
		select {
		case ack := <-l.acks:
			if ack.RelaySessionID != "" && ack.RelaySessionID != sessionID {
				continue
			}
			switch ack.Status {
			case "connecting", "connected":
				relayURL := l.cfg.RelayURL
				if ack.RelayURL != "" {
					relayURL = ack.RelayURL
				}
				return l.dialRelay(ctx, relayURL, sessionID, l.cfg.Token, l.logger)
			case "failed":
				return nil, ErrConnectRefused
			default:
				l.logger.Warn("ignoring connect-ack with unknown status", "status", ack.Status)
			}
		case <-deadline:
			return nil, ErrConnectAckTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.conduit.Done():
			return nil, fmt.Errorf("transport: signaling lost during fallback")
		}
	}
}

// dispatchLoop routes incoming signaling frames: SDP answers and ICE
// candidates go to the in-flight peer attempt, connect acknowledgements
// go to the fallback waiter.
func (l *RemoteLink) dispatchLoop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-l.conduit.Messages():
			if !ok {
				return
			}
			switch msg.Type {
			case "answer":
				if peer := l.currentPeer(); peer != nil {
					peer.HandleAnswer(msg.Payload)
				}
			case "ice-candidate":
				if peer := l.currentPeer(); peer != nil {
					peer.HandleCandidate(msg.Payload)
				}
			case "connect-ack-received":
				select {
				case l.acks <- msg:
				default:
					l.logger.Warn("dropping connect-ack, queue full")
				}
			case "error":
				l.logger.Warn("signaling error", "message", msg.Message)
			case "ack":
				// Routing confirmation; nothing to do.
			default:
				l.logger.Debug("ignoring signaling frame", "type", msg.Type)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *RemoteLink) setState(state LinkState) {
	l.mu.Lock()
	prior := l.state
	l.state = state
	l.mu.Unlock()
	if prior != state {
		l.logger.Info("link state", "from", prior.String(), "to", state.String())
	}
}

func (l *RemoteLink) setCurrentPeer(peer remotePeer) {
	l.mu.Lock()
	l.current = peer
	l.mu.Unlock()
}

func (l *RemoteLink) currentPeer() remotePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *RemoteLink) recordFailure() {
	l.mu.Lock()
	l.failures++
	l.mu.Unlock()
}

func (l *RemoteLink) resetFailures() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

func (l *RemoteLink) deliver(tr Transport) {
	l.mu.Lock()
	l.active = tr
	l.mu.Unlock()
	select {
	case l.transports <- tr:
	default:
		l.logger.Warn("transport delivery queue full")
	}
}
