// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSessionFull is returned when a third endpoint tries to join a
// session that already has two.
var ErrSessionFull = errors.New("relay: session already has two endpoints")

// ErrAtCapacity is returned when the concurrent-session cap is reached.
var ErrAtCapacity = errors.New("relay: at session capacity")

// party is one endpoint of a session. Writes are serialized by writeMu
// because the peer's reader goroutine and the heartbeat ticker both
// write to the same connection.
type party struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// writeBinary forwards one message with a bounded write deadline. A
// slow or dead destination makes the write fail, which tears the
// session down — the relay blocks the source rather than buffering.
func (p *party) writeBinary(data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *party) ping(timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// session is a relay pairing: up to two parties bound to one id.
//
// Lifecycle: half-open (one party, waiting) → open (two parties,
// forwarding) → closed (either side gone, both closed, record
// evicted). The open channel closes on the half-open→open transition;
// the done channel closes exactly once at teardown.
type session struct {
	id        string
	startedAt time.Time

	mu      sync.Mutex
	parties [2]*party

	// bytes[i] counts payload bytes received from party i.
	bytes [2]atomic.Int64

	open chan struct{}
	done chan struct{}

	closeOnce sync.Once
	// halfOpenStop cancels the half-open expiry timer. Written by the
	// first party's handler and read at teardown from any goroutine,
	// so access goes through the timer accessors below.
	timerMu      sync.Mutex
	halfOpenStop func() bool
}

func (s *session) setHalfOpenStop(stop func() bool) {
	s.timerMu.Lock()
	s.halfOpenStop = stop
	s.timerMu.Unlock()
}

func (s *session) stopHalfOpenTimer() {
	s.timerMu.Lock()
	stop := s.halfOpenStop
	s.timerMu.Unlock()
	if stop != nil {
		stop()
	}
}

func newSession(id string) *session {
	return &session{
		id:        id,
		startedAt: time.Now(),
		open:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// admit adds a connection and returns the party index (0 for the
// first, 1 for the second). The slot test and assignment are one
// critical section, so two concurrent admits to an empty session get
// distinct slots and a third always fails.
func (s *session) admit(conn *websocket.Conn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.parties {
		if s.parties[i] == nil {
			s.parties[i] = &party{conn: conn}
			if i == 1 {
				close(s.open)
			}
			return i, nil
		}
	}
	return 0, ErrSessionFull
}

// peer returns the other party, or nil while half-open.
func (s *session) peer(index int) *party {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parties[1-index]
}

// isHalfOpen reports whether the session still waits for its second
// party.
func (s *session) isHalfOpen() bool {
	select {
	case <-s.open:
		return false
	default:
		return true
	}
}

// sessionMap tracks live sessions by id, bounded by a capacity cap.
type sessionMap struct {
	mu   sync.Mutex
	byID map[string]*session
	max  int
}

func newSessionMap(max int) *sessionMap {
	return &sessionMap{byID: make(map[string]*session), max: max}
}

// admit finds or creates the session for id and joins the connection
// to it. The whole get-or-create plus slot assignment is one critical
// section: two simultaneous first connections land in distinct slots,
// and a third is refused with ErrSessionFull.
func (m *sessionMap) admit(id string, conn *websocket.Conn) (*session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[id]
	if ok {
		// A session mid-teardown no longer accepts endpoints; the new
		// connection starts a fresh session under the same id.
		select {
		case <-sess.done:
			ok = false
		default:
		}
	}
	if !ok {
		if len(m.byID) >= m.max {
			return nil, 0, ErrAtCapacity
		}
		sess = newSession(id)
		m.byID[id] = sess
	}

	index, err := sess.admit(conn)
	if err != nil {
		return nil, 0, err
	}
	return sess, index, nil
}

// remove evicts the session only if the map still holds this exact
// instance; a successor session under the same id is left alone.
func (m *sessionMap) remove(id string, sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byID[id]; ok && current == sess {
		delete(m.byID, id)
	}
}

func (m *sessionMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// record builds the metering observation for this session.
func (s *session) record() Record {
	return Record{
		RecordID:   uuid.NewString(),
		SessionID:  s.id,
		StartedAt:  s.startedAt,
		DurationMS: time.Since(s.startedAt).Milliseconds(),
		BytesAToB:  s.bytes[0].Load(),
		BytesBToA:  s.bytes[1].Load(),
	}
}

// logAttrs returns the record as slog attributes.
func (r Record) logAttrs() []any {
	return []any{
		"record_id", r.RecordID,
		"session_id", r.SessionID,
		"duration_ms", r.DurationMS,
		"bytes_a_to_b", r.BytesAToB,
		"bytes_b_to_a", r.BytesBToA,
	}
}
