// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"maps"
	"math"
	"testing"
)

// frameEqual compares two frames field by field, treating nil and empty
// byte slices / header maps as equal (the wire format cannot represent
// the difference).
func frameEqual(a, b Frame) bool {
	switch fa := a.(type) {
	case *HTTPRequest:
		fb, ok := b.(*HTTPRequest)
		return ok && fa.RequestID == fb.RequestID && fa.Method == fb.Method &&
			fa.Path == fb.Path && headersEqual(fa.Headers, fb.Headers) &&
			bytes.Equal(fa.Body, fb.Body)
	case *HTTPResponse:
		fb, ok := b.(*HTTPResponse)
		return ok && fa.RequestID == fb.RequestID && fa.StatusCode == fb.StatusCode &&
			headersEqual(fa.Headers, fb.Headers) && bytes.Equal(fa.Body, fb.Body)
	case *WSConnect:
		fb, ok := b.(*WSConnect)
		return ok && fa.ConnectionID == fb.ConnectionID && fa.URL == fb.URL &&
			headersEqual(fa.Headers, fb.Headers)
	case *WSData:
		fb, ok := b.(*WSData)
		return ok && fa.ConnectionID == fb.ConnectionID && fa.Opcode == fb.Opcode &&
			bytes.Equal(fa.Payload, fb.Payload)
	case *WSClose:
		fb, ok := b.(*WSClose)
		return ok && fa.ConnectionID == fb.ConnectionID && fa.CloseCode == fb.CloseCode &&
			fa.Reason == fb.Reason
	}
	return false
}

func headersEqual(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"request basic", &HTTPRequest{
			RequestID: 1,
			Method:    "GET",
			Path:      "/v1/health",
			Headers:   map[string]string{"Accept": "application/json"},
			Body:      nil,
		}},
		{"request max id multibyte", &HTTPRequest{
			RequestID: math.MaxUint32,
			Method:    "PÖST",
			Path:      "/søk?q=日本語",
			Headers:   map[string]string{"X-Emoji": "🛰️", "Ünïcode": "ß"},
			Body:      []byte("grüße, 世界"),
		}},
		{"request empty everything", &HTTPRequest{
			RequestID: 0,
			Method:    "",
			Path:      "",
			Headers:   nil,
			Body:      nil,
		}},
		{"request binary body", &HTTPRequest{
			RequestID: 7,
			Method:    "POST",
			Path:      "/upload",
			Headers:   map[string]string{"Content-Type": "application/octet-stream"},
			Body:      []byte{0x00, 0xFF, 0x01, 0x02, 0x12},
		}},
		{"response basic", &HTTPResponse{
			RequestID:  42,
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"status":"ok"}`),
		}},
		{"response empty", &HTTPResponse{
			RequestID:  math.MaxUint32,
			StatusCode: 204,
			Headers:    nil,
			Body:       nil,
		}},
		{"ws connect", &WSConnect{
			ConnectionID: 3,
			URL:          "ws://localhost:3000/ws?room=café",
			Headers:      map[string]string{"Origin": "http://localhost:3000"},
		}},
		{"ws connect empty headers", &WSConnect{
			ConnectionID: 0,
			URL:          "ws://localhost/ws",
			Headers:      nil,
		}},
		{"ws data text", &WSData{
			ConnectionID: 9,
			Opcode:       OpcodeText,
			Payload:      []byte("héllo"),
		}},
		{"ws data empty binary", &WSData{
			ConnectionID: math.MaxUint32,
			Opcode:       OpcodeBinary,
			Payload:      nil,
		}},
		{"ws data ping", &WSData{
			ConnectionID: 1,
			Opcode:       OpcodePing,
			Payload:      []byte{0xDE, 0xAD},
		}},
		{"ws close", &WSClose{
			ConnectionID: 5,
			CloseCode:    1000,
			Reason:       "normal closure",
		}},
		{"ws close multibyte reason", &WSClose{
			ConnectionID: 6,
			CloseCode:    1006,
			Reason:       "überraschend geschlossen 终了",
		}},
		{"ws close empty reason", &WSClose{
			ConnectionID: 8,
			CloseCode:    1001,
			Reason:       "",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.frame.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if data[0] != tc.frame.FrameType() {
				t.Errorf("leading byte = 0x%02x, want 0x%02x", data[0], tc.frame.FrameType())
			}
			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !frameEqual(tc.frame, decoded) {
				t.Errorf("round trip mismatch:\n  sent %+v\n  got  %+v", tc.frame, decoded)
			}
		})
	}
}

func TestEncodedLengthIsExact(t *testing.T) {
	f := &HTTPResponse{
		RequestID:  1,
		StatusCode: 200,
		Headers:    map[string]string{"A": "b"},
		Body:       []byte("xyz"),
	}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// type + request_id + status + headers_len + headers_json + body_len + body
	want := 1 + 4 + 2 + 4 + len(`{"A":"b"}`) + 4 + 3
	if len(data) != want {
		t.Errorf("encoded length = %d, want %d", len(data), want)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	for _, b := range []byte{0x00, 0x03, 0x0F, 0x13, 0x7F, 0xFF} {
		buf := []byte{b, 0, 0, 0, 1}
		if _, err := Decode(buf); !errors.Is(err, ErrUnknownFrameType) {
			t.Errorf("Decode(first byte 0x%02x) error = %v, want ErrUnknownFrameType", b, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	full, err := (&HTTPRequest{
		RequestID: 12,
		Method:    "GET",
		Path:      "/v1/health",
		Headers:   map[string]string{"A": "b"},
		Body:      []byte("body"),
	}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Every strict prefix of a valid frame must fail, never panic.
	for n := 0; n < len(full); n++ {
		if _, err := Decode(full[:n]); err == nil {
			t.Errorf("Decode of %d-byte prefix succeeded, want error", n)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	full, err := (&WSClose{ConnectionID: 1, CloseCode: 1000, Reason: "ok"}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(append(full, 0x00)); err == nil {
		t.Error("Decode with trailing byte succeeded, want error")
	}
}

func TestDecodeOversizedLength(t *testing.T) {
	// A WSData frame whose payload length field claims 32 MB.
	buf := []byte{TypeWSData, 0, 0, 0, 1, OpcodeBinary, 0x02, 0x00, 0x00, 0x00}
	if _, err := Decode(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Decode oversized payload error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeMalformedHeaderJSON(t *testing.T) {
	f := &WSConnect{ConnectionID: 1, URL: "ws://x/ws"}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Replace the trailing "{}" headers object with junk of equal length.
	copy(data[len(data)-2:], "!!")
	if _, err := Decode(data); err == nil {
		t.Error("Decode with malformed header JSON succeeded, want error")
	}
}

func TestEncodeOverlongU16Field(t *testing.T) {
	f := &HTTPRequest{
		RequestID: 1,
		Method:    string(make([]byte, 0x10000)),
		Path:      "/",
	}
	if _, err := f.Encode(); err == nil {
		t.Error("Encode with 64 KB method succeeded, want error")
	}
}

func TestPeekType(t *testing.T) {
	data, err := (&WSData{ConnectionID: 2, Opcode: OpcodeText, Payload: []byte("x")}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := PeekType(data)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if got != TypeWSData {
		t.Errorf("PeekType = 0x%02x, want 0x%02x", got, TypeWSData)
	}
	if _, err := PeekType([]byte{0x42}); !errors.Is(err, ErrUnknownFrameType) {
		t.Errorf("PeekType(0x42) error = %v, want ErrUnknownFrameType", err)
	}
}

func TestPeekRequestID(t *testing.T) {
	data, err := (&HTTPRequest{RequestID: 0xDEADBEEF, Method: "GET", Path: "/"}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	id, err := PeekRequestID(data)
	if err != nil {
		t.Fatalf("PeekRequestID: %v", err)
	}
	if id != 0xDEADBEEF {
		t.Errorf("PeekRequestID = 0x%08X, want 0xDEADBEEF", id)
	}
	if _, err := PeekRequestID([]byte{TypeHTTPRequest, 0, 0}); err == nil {
		t.Error("PeekRequestID on short buffer succeeded, want error")
	}
}
