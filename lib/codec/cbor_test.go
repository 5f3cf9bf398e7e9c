// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"testing"
)

type sampleRecord struct {
	SessionID string `cbor:"session_id"`
	Bytes     int64  `cbor:"bytes"`
}

func TestRoundTrip(t *testing.T) {
	original := sampleRecord{SessionID: "browser-a-host-b", Bytes: 4096}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDeterministic(t *testing.T) {
	record := sampleRecord{SessionID: "s", Bytes: 1}
	a, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("deterministic encoding produced different bytes")
	}
}

func TestStreamSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(sampleRecord{SessionID: "s", Bytes: int64(i)}); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	dec := NewDecoder(&buf)
	var got []int64
	for {
		var rec sampleRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, rec.Bytes)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("decoded sequence = %v, want [0 1 2]", got)
	}
}

func TestUnknownSchemaDecodesToStringMap(t *testing.T) {
	data, err := Marshal(map[string]any{"event": "session_closed"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var v any
	if err := Unmarshal(data, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", v)
	}
	if m["event"] != "session_closed" {
		t.Errorf("event = %v, want session_closed", m["event"])
	}
}
