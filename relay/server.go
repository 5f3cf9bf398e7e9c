// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/accesstoken"
	"github.com/portico-net/portico/lib/netutil"
)

// Defaults for the configurable timers and caps.
const (
	DefaultHalfOpenTimeout   = 300 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultMaxSessions       = 1024
	DefaultMaxMessageSize    = 16 * 1024 * 1024
)

// Config holds the relay's runtime configuration.
type Config struct {
	// JWTSecret verifies access tokens. Must match the signaling
	// service's secret.
	JWTSecret string

	// HalfOpenTimeout closes a lone endpoint whose peer never arrives.
	HalfOpenTimeout time.Duration

	// HeartbeatInterval is the application-level ping cadence;
	// HeartbeatTimeout is how long a pong may take before the session
	// is considered dead.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MaxSessions caps concurrent sessions; a connection that would open
	// a further session is upgraded and then closed with 1008 "relay at
	// capacity".
	MaxSessions int

	// MaxMessageSize caps a single relayed message.
	MaxMessageSize int64

	// CORSOrigins lists origins allowed to connect. Empty allows all
	// (the relay authenticates by token, not origin).
	CORSOrigins []string

	// Meter receives session records. Nil means log-only metering.
	Meter MeterSink

	// Logger receives operational messages. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = DefaultHalfOpenTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server is the relay service.
type Server struct {
	cfg      Config
	tokens   *accesstoken.Issuer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessions *sessionMap
}

// NewServer creates a relay server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("relay: JWTSecret is required")
	}
	cfg = cfg.withDefaults()
	tokens, err := accesstoken.NewIssuer(cfg.JWTSecret, 0)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		logger:   cfg.Logger,
		sessions: newSessionMap(cfg.MaxSessions),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(cfg.CORSOrigins) == 0 {
				return true
			}
			return slices.Contains(cfg.CORSOrigins, "*") || slices.Contains(cfg.CORSOrigins, origin)
		},
	}
	return s, nil
}

// Handler returns the HTTP handler for the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /relay/{session_id}", s.handleRelay)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ActiveSessions returns the number of live sessions.
func (s *Server) ActiveSessions() int {
	return s.sessions.len()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.len(),
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	tokenString := r.URL.Query().Get("token")

	if _, err := s.tokens.Verify(tokenString); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "error", err, "session_id", sessionID)
		return
	}

	sess, index, err := s.sessions.admit(sessionID, conn)
	if err != nil {
		reason := "session full"
		if errors.Is(err, ErrAtCapacity) {
			reason = "relay at capacity"
		}
		s.logger.Warn("relay admission refused", "session_id", sessionID, "reason", reason)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(5*time.Second))
		conn.Close()
		return
	}

	if index == 0 {
		s.logger.Info("relay session half-open", "session_id", sessionID)
		// Arm the half-open expiry. It is cancelled by session close
		// (including the close triggered when it fires).
		timer := time.AfterFunc(s.cfg.HalfOpenTimeout, func() {
			if sess.isHalfOpen() {
				s.logger.Info("relay session expired half-open", "session_id", sessionID)
				s.teardown(sess, websocket.CloseGoingAway, "no peer arrived")
			}
		})
		sess.setHalfOpenStop(timer.Stop)
	} else {
		s.logger.Info("relay session open", "session_id", sessionID)
	}

	go s.heartbeat(sess, index)
	s.forward(sess, index)
}

// heartbeat pings one party on the configured cadence. The pong
// handler extends the read deadline; a missed pong makes the read side
// fail, which tears the session down.
func (s *Server) heartbeat(sess *session, index int) {
	sess.mu.Lock()
	p := sess.parties[index]
	sess.mu.Unlock()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.ping(s.cfg.HeartbeatTimeout); err != nil {
				s.teardown(sess, websocket.CloseGoingAway, "heartbeat write failed")
				return
			}
		case <-sess.done:
			return
		}
	}
}

// forward runs one party's read loop: every binary message goes
// verbatim to the peer. Returns when the session dies for any reason,
// after tearing it down.
func (s *Server) forward(sess *session, index int) {
	sess.mu.Lock()
	p := sess.parties[index]
	sess.mu.Unlock()

	conn := p.conn
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	readWindow := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedClose(err) {
				s.logger.Info("relay read ended", "session_id", sess.id, "party", index, "error", err)
			}
			s.teardown(sess, websocket.CloseNormalClosure, "peer disconnected")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWindow))

		if messageType != websocket.BinaryMessage {
			// Text frames are not part of the relay protocol.
			s.logger.Debug("relay ignoring text message", "session_id", sess.id, "party", index)
			continue
		}

		peer := sess.peer(index)
		if peer == nil {
			// A frame before the second party arrives blocks its
			// sender until the session opens. The relay never buffers
			// more than this one in-flight message.
			select {
			case <-sess.open:
				peer = sess.peer(index)
			case <-sess.done:
				return
			}
			conn.SetReadDeadline(time.Now().Add(readWindow))
			if peer == nil {
				continue
			}
		}

		sess.bytes[index].Add(int64(len(data)))
		if err := peer.writeBinary(data, s.cfg.HeartbeatTimeout); err != nil {
			s.logger.Info("relay write failed", "session_id", sess.id, "error", err)
			s.teardown(sess, websocket.CloseGoingAway, "peer write failed")
			return
		}
	}
}

// teardown closes a session exactly once, evicts it, and emits its
// metering record. Every failure path funnels here.
func (s *Server) teardown(sess *session, code int, reason string) {
	sess.closeOnce.Do(func() {
		s.closeSession(sess, code, reason)
	})
}

func (s *Server) closeSession(sess *session, code int, reason string) {
	sess.stopHalfOpenTimer()
	close(sess.done)

	sess.mu.Lock()
	parties := sess.parties
	sess.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for _, p := range parties {
		if p == nil {
			continue
		}
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		p.conn.Close()
		p.writeMu.Unlock()
	}

	s.sessions.remove(sess.id, sess)

	record := sess.record()
	s.logger.Info("relay session closed", record.logAttrs()...)
	if s.cfg.Meter != nil {
		s.cfg.Meter.Emit(record)
	}
}
