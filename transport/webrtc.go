// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabel is the single bidirectional channel each peer pair
// multiplexes the tunnel over.
const dataChannelLabel = "http-proxy"

// DataChannelTransport adapts a WebRTC data channel to the Transport
// interface. The channel is ordered and reliable, and each dc message
// is one tunnel frame, so no extra framing is needed on top.
type DataChannelTransport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	handlerMu sync.RWMutex
	handler   func([]byte)

	done chan struct{}
	once sync.Once
}

// Compile-time interface check.
var _ Transport = (*DataChannelTransport)(nil)

// newDataChannelTransport wires the channel callbacks. The data
// channel must already be open (or opening); pion delivers OnMessage
// callbacks serially, which gives the Transport its in-order,
// single-goroutine delivery guarantee.
func newDataChannelTransport(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *DataChannelTransport {
	t := &DataChannelTransport{pc: pc, dc: dc, done: make(chan struct{})}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handlerMu.RLock()
		handler := t.handler
		t.handlerMu.RUnlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.markDone()
	})
	return t
}

// Send implements Transport.
func (t *DataChannelTransport) Send(data []byte) error {
	if !t.IsOpen() {
		return ErrTransportClosed
	}
	if err := t.dc.Send(data); err != nil {
		return fmt.Errorf("transport: data channel send: %w", err)
	}
	return nil
}

// SetHandler implements Transport.
func (t *DataChannelTransport) SetHandler(handler func(data []byte)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// Mode implements Transport.
func (t *DataChannelTransport) Mode() Mode { return ModeP2P }

// IsOpen implements Transport.
func (t *DataChannelTransport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return t.dc.ReadyState() == webrtc.DataChannelStateOpen
	}
}

// Done implements Transport.
func (t *DataChannelTransport) Done() <-chan struct{} { return t.done }

// Close implements Transport. Closing the transport closes the whole
// peer connection: the tunnel uses exactly one channel per connection,
// so a dead channel means the connection has no further use.
func (t *DataChannelTransport) Close() error {
	t.markDone()
	t.dc.Close()
	return t.pc.Close()
}

func (t *DataChannelTransport) markDone() {
	t.once.Do(func() { close(t.done) })
}

// remotePeer is one peer-to-peer connection attempt as the fallback
// machine sees it. The production implementation is webrtcRemotePeer;
// tests substitute scripted fakes.
type remotePeer interface {
	// Start creates the connection and sends the SDP offer through
	// signaling.
	Start(ctx context.Context) error

	// HandleAnswer applies the remote SDP answer.
	HandleAnswer(payload *SignalPayload)

	// HandleCandidate applies one remote ICE candidate.
	HandleCandidate(payload *SignalPayload)

	// Established yields the transport once the channel opens.
	Established() <-chan Transport

	// Failed yields the first fatal connection error.
	Failed() <-chan error

	// Close abandons the attempt and releases WebRTC resources.
	Close()
}

// webrtcRemotePeer is the offering (browser) side of one connection
// attempt. Trickle ICE: the offer goes out immediately and candidates
// follow as ice-candidate frames.
type webrtcRemotePeer struct {
	conduit SignalConduit
	target  string
	logger  *slog.Logger

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	established chan Transport
	failed      chan error
	closeOnce   sync.Once
}

// newRemotePeer builds an attempt. The signature doubles as the test
// seam on RemoteLink.
func newRemotePeer(conduit SignalConduit, target string, ice ICEConfig, logger *slog.Logger) (remotePeer, error) {
	pc, err := newPeerConnection(ice)
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}
	return &webrtcRemotePeer{
		conduit:     conduit,
		target:      target,
		logger:      logger,
		pc:          pc,
		established: make(chan Transport, 1),
		failed:      make(chan error, 1),
	}, nil
}

func (p *webrtcRemotePeer) Start(ctx context.Context) error {
	ordered := true
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("transport: creating data channel: %w", err)
	}
	p.dc = dc

	transport := newDataChannelTransport(p.pc, dc)
	dc.OnOpen(func() {
		p.logger.Info("data channel open", "target", p.target)
		select {
		case p.established <- transport:
		default:
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", "state", state.String(), "target", p.target)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			select {
			case p.failed <- fmt.Errorf("transport: peer connection %s", state):
			default:
			}
		}
	})

	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // gathering complete
		}
		init := candidate.ToJSON()
		if err := p.conduit.Send(Message{
			Type:           "ice-candidate",
			TargetDeviceID: p.target,
			Payload: &SignalPayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		}); err != nil {
			p.logger.Warn("sending ICE candidate failed", "error", err)
		}
	})

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := p.conduit.Send(Message{
		Type:           "offer",
		TargetDeviceID: p.target,
		Payload:        &SignalPayload{SDP: offer.SDP, Type: "offer"},
	}); err != nil {
		return fmt.Errorf("transport: sending offer: %w", err)
	}

	p.logger.Info("offer sent", "target", p.target)
	return nil
}

func (p *webrtcRemotePeer) HandleAnswer(payload *SignalPayload) {
	if payload == nil {
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		p.logger.Warn("setting remote answer failed", "error", err)
		select {
		case p.failed <- fmt.Errorf("transport: applying answer: %w", err):
		default:
		}
	}
}

func (p *webrtcRemotePeer) HandleCandidate(payload *SignalPayload) {
	if payload == nil || payload.Candidate == "" {
		return
	}
	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
	if err != nil {
		p.logger.Warn("adding remote candidate failed", "error", err)
	}
}

func (p *webrtcRemotePeer) Established() <-chan Transport { return p.established }
func (p *webrtcRemotePeer) Failed() <-chan error          { return p.failed }

func (p *webrtcRemotePeer) Close() {
	p.closeOnce.Do(func() {
		p.pc.Close()
	})
}

// hostPeer is the answering side of one peer connection, keyed by the
// offering device. The production implementation is webrtcHostPeer;
// tests substitute fakes.
type hostPeer interface {
	// HandleOffer applies the remote offer and sends the SDP answer
	// back through signaling.
	HandleOffer(payload *SignalPayload) error

	// HandleCandidate applies one remote ICE candidate.
	HandleCandidate(payload *SignalPayload)

	// Established yields the transport when the browser's data channel
	// arrives and opens.
	Established() <-chan Transport

	// Close releases WebRTC resources.
	Close()
}

// webrtcHostPeer answers offers on the host endpoint.
type webrtcHostPeer struct {
	conduit SignalConduit
	sender  string
	logger  *slog.Logger

	pc          *webrtc.PeerConnection
	established chan Transport
	closeOnce   sync.Once
}

func newHostPeer(conduit SignalConduit, sender string, ice ICEConfig, logger *slog.Logger) (hostPeer, error) {
	pc, err := newPeerConnection(ice)
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}

	p := &webrtcHostPeer{
		conduit:     conduit,
		sender:      sender,
		logger:      logger,
		pc:          pc,
		established: make(chan Transport, 1),
	}

	// The browser opens the channel; the host accepts it.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			p.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		transport := newDataChannelTransport(pc, dc)
		dc.OnOpen(func() {
			p.logger.Info("data channel open", "peer", p.sender)
			select {
			case p.established <- transport:
			default:
			}
		})
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := conduit.Send(Message{
			Type:           "ice-candidate",
			TargetDeviceID: sender,
			Payload: &SignalPayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		}); err != nil {
			p.logger.Warn("sending ICE candidate failed", "error", err)
		}
	})

	return p, nil
}

func (p *webrtcHostPeer) HandleOffer(payload *SignalPayload) error {
	if payload == nil {
		return fmt.Errorf("transport: offer without payload")
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("transport: setting remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := p.conduit.Send(Message{
		Type:           "answer",
		TargetDeviceID: p.sender,
		Payload:        &SignalPayload{SDP: answer.SDP, Type: "answer"},
	}); err != nil {
		return fmt.Errorf("transport: sending answer: %w", err)
	}
	p.logger.Info("answer sent", "peer", p.sender)
	return nil
}

func (p *webrtcHostPeer) HandleCandidate(payload *SignalPayload) {
	if payload == nil || payload.Candidate == "" {
		return
	}
	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
	if err != nil {
		p.logger.Warn("adding remote candidate failed", "error", err)
	}
}

func (p *webrtcHostPeer) Established() <-chan Transport { return p.established }

func (p *webrtcHostPeer) Close() {
	p.closeOnce.Do(func() {
		p.pc.Close()
	})
}
