// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/portico-net/portico/lib/codec"
)

// Record is one metering observation, emitted when a session closes.
type Record struct {
	// RecordID uniquely identifies this observation.
	RecordID string `cbor:"record_id" json:"record_id"`

	// SessionID is the opaque session the record describes. Session
	// ids repeat across reconnects; RecordID does not.
	SessionID string `cbor:"session_id" json:"session_id"`

	// StartedAt is when the first endpoint connected.
	StartedAt time.Time `cbor:"started_at" json:"started_at"`

	// DurationMS is the wall-clock session length in milliseconds.
	DurationMS int64 `cbor:"duration_ms" json:"duration_ms"`

	// BytesAToB counts payload bytes forwarded from the first-admitted
	// endpoint to the second; BytesBToA the reverse.
	BytesAToB int64 `cbor:"bytes_a_to_b" json:"bytes_a_to_b"`
	BytesBToA int64 `cbor:"bytes_b_to_a" json:"bytes_b_to_a"`
}

// MeterSink receives metering records. Emit must be safe for
// concurrent use; failures are the sink's to log, never the session
// teardown path's to handle.
type MeterSink interface {
	Emit(record Record)
}

// FileSink appends records to a file as a CBOR sequence. Deterministic
// encoding means re-emitted records are byte-identical, so downstream
// consumers can dedupe on content.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
}

// NewFileSink opens (creating or appending) the meter log at path.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("relay: opening meter log %s: %w", path, err)
	}
	return &FileSink{file: file, encoder: codec.NewEncoder(file)}, nil
}

// Emit implements MeterSink.
func (s *FileSink) Emit(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A failed write is a lost observation, nothing more.
	_ = s.encoder.Encode(record)
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
