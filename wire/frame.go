// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type bytes. The leading byte of every frame selects the decoder
// for the rest of the buffer.
const (
	// TypeHTTPRequest carries a proxied HTTP request from the remote
	// endpoint to the host endpoint.
	TypeHTTPRequest byte = 0x01

	// TypeHTTPResponse carries the reply to a TypeHTTPRequest frame,
	// correlated by request id.
	TypeHTTPResponse byte = 0x02

	// TypeWSConnect opens a WebSocket sub-connection on the host
	// endpoint.
	TypeWSConnect byte = 0x10

	// TypeWSData carries one WebSocket message on an open
	// sub-connection, in either direction.
	TypeWSData byte = 0x11

	// TypeWSClose closes a sub-connection, in either direction.
	TypeWSClose byte = 0x12
)

// WebSocket opcodes carried in WSData frames (RFC 6455 §5.2).
const (
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA
)

// MaxFrameSize bounds the total size of a decoded frame: 16 MB. Length
// fields implying a larger frame are rejected during decode before any
// allocation. This matches the relay's per-message cap, so a frame that
// decodes here also fits through every transport.
const MaxFrameSize = 16 * 1024 * 1024

// ErrUnknownFrameType is returned by Decode when the first byte of the
// buffer is not one of the five defined frame types.
var ErrUnknownFrameType = errors.New("wire: unknown frame type")

// ErrFrameTooLarge is returned when a length field implies a frame
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// errShort is wrapped into truncation errors so callers can distinguish
// a truncated buffer from a structurally invalid one.
var errShort = errors.New("wire: truncated frame")

// Frame is implemented by the five frame value types. Encode returns
// the complete wire encoding including the leading type byte; the
// result has no trailing padding.
type Frame interface {
	// FrameType returns the leading type byte for this frame.
	FrameType() byte

	// Encode serializes the frame. It fails only when a variable-width
	// field exceeds its length prefix (e.g. a method longer than 64 KB)
	// or headers cannot be marshalled to JSON.
	Encode() ([]byte, error)
}

// HTTPRequest is a proxied HTTP request. Body is raw bytes; text bodies
// are their UTF-8 encoding.
type HTTPRequest struct {
	RequestID uint32
	Method    string
	Path      string
	Headers   map[string]string
	Body      []byte
}

// HTTPResponse is the reply to an HTTPRequest, carrying the same
// request id.
type HTTPResponse struct {
	RequestID  uint32
	StatusCode uint16
	Headers    map[string]string
	Body       []byte
}

// WSConnect opens a WebSocket sub-connection to the given URL with the
// given handshake headers.
type WSConnect struct {
	ConnectionID uint32
	URL          string
	Headers      map[string]string
}

// WSData is one WebSocket message on a sub-connection.
type WSData struct {
	ConnectionID uint32
	Opcode       byte
	Payload      []byte
}

// WSClose closes a sub-connection with a WebSocket close code and
// reason.
type WSClose struct {
	ConnectionID uint32
	CloseCode    uint16
	Reason       string
}

// FrameType implements Frame.
func (f *HTTPRequest) FrameType() byte  { return TypeHTTPRequest }
func (f *HTTPResponse) FrameType() byte { return TypeHTTPResponse }
func (f *WSConnect) FrameType() byte    { return TypeWSConnect }
func (f *WSData) FrameType() byte       { return TypeWSData }
func (f *WSClose) FrameType() byte      { return TypeWSClose }

// encodeHeaders marshals a header map as a JSON object. A nil map
// encodes as the empty object so that decode always yields a non-nil,
// possibly empty map and the round-trip law holds for both.
func encodeHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding headers: %w", err)
	}
	return data, nil
}

// appendU16String appends a u16 length prefix and the string bytes.
func appendU16String(buf []byte, field string, value []byte) ([]byte, error) {
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("wire: %s is %d bytes, exceeds u16 length field", field, len(value))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...), nil
}

// appendU32Bytes appends a u32 length prefix and the raw bytes.
func appendU32Bytes(buf []byte, value []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// Encode implements Frame.
func (f *HTTPRequest) Encode() ([]byte, error) {
	headers, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+4+2+len(f.Method)+2+len(f.Path)+4+len(headers)+4+len(f.Body))
	buf = append(buf, TypeHTTPRequest)
	buf = binary.BigEndian.AppendUint32(buf, f.RequestID)
	if buf, err = appendU16String(buf, "method", []byte(f.Method)); err != nil {
		return nil, err
	}
	if buf, err = appendU16String(buf, "path", []byte(f.Path)); err != nil {
		return nil, err
	}
	buf = appendU32Bytes(buf, headers)
	buf = appendU32Bytes(buf, f.Body)
	return buf, nil
}

// Encode implements Frame.
func (f *HTTPResponse) Encode() ([]byte, error) {
	headers, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+4+2+4+len(headers)+4+len(f.Body))
	buf = append(buf, TypeHTTPResponse)
	buf = binary.BigEndian.AppendUint32(buf, f.RequestID)
	buf = binary.BigEndian.AppendUint16(buf, f.StatusCode)
	buf = appendU32Bytes(buf, headers)
	buf = appendU32Bytes(buf, f.Body)
	return buf, nil
}

// Encode implements Frame.
func (f *WSConnect) Encode() ([]byte, error) {
	headers, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+4+2+len(f.URL)+4+len(headers))
	buf = append(buf, TypeWSConnect)
	buf = binary.BigEndian.AppendUint32(buf, f.ConnectionID)
	if buf, err = appendU16String(buf, "url", []byte(f.URL)); err != nil {
		return nil, err
	}
	buf = appendU32Bytes(buf, headers)
	return buf, nil
}

// Encode implements Frame.
func (f *WSData) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+4+1+4+len(f.Payload))
	buf = append(buf, TypeWSData)
	buf = binary.BigEndian.AppendUint32(buf, f.ConnectionID)
	buf = append(buf, f.Opcode)
	buf = appendU32Bytes(buf, f.Payload)
	return buf, nil
}

// Encode implements Frame.
func (f *WSClose) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+4+2+2+len(f.Reason))
	buf = append(buf, TypeWSClose)
	buf = binary.BigEndian.AppendUint32(buf, f.ConnectionID)
	buf = binary.BigEndian.AppendUint16(buf, f.CloseCode)
	var err error
	if buf, err = appendU16String(buf, "reason", []byte(f.Reason)); err != nil {
		return nil, err
	}
	return buf, nil
}

// reader walks a frame body, validating length prefixes against the
// remaining buffer as it goes.
type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int, field string) error {
	if len(r.buf)-r.off < n {
		return fmt.Errorf("%w: need %d bytes for %s, have %d", errShort, n, field, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) u8(field string) (byte, error) {
	if err := r.need(1, field); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16(field string) (uint16, error) {
	if err := r.need(2, field); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(field string) (uint32, error) {
	if err := r.need(4, field); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// bytesU16 reads a u16 length prefix and that many bytes.
func (r *reader) bytesU16(field string) ([]byte, error) {
	n, err := r.u16(field + " length")
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n), field); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

// bytesU32 reads a u32 length prefix and that many bytes, enforcing
// MaxFrameSize before allocating or slicing.
func (r *reader) bytesU32(field string) ([]byte, error) {
	n, err := r.u32(field + " length")
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s length %d", ErrFrameTooLarge, field, n)
	}
	if err := r.need(int(n), field); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *reader) headers() (map[string]string, error) {
	data, err := r.bytesU32("headers")
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &headers); err != nil {
			return nil, fmt.Errorf("wire: decoding headers JSON: %w", err)
		}
	}
	return headers, nil
}

// finish rejects trailing bytes after a fully decoded frame. The frame
// layouts have no padding, so leftovers mean a corrupt or mis-framed
// buffer.
func (r *reader) finish() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes after frame body", len(r.buf)-r.off)
	}
	return nil
}

// Decode parses a complete frame buffer. The concrete type of the
// returned Frame is *HTTPRequest, *HTTPResponse, *WSConnect, *WSData,
// or *WSClose according to the leading byte. A first byte outside the
// defined set fails with ErrUnknownFrameType.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", errShort)
	}
	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	r := &reader{buf: buf, off: 1}
	switch buf[0] {
	case TypeHTTPRequest:
		return decodeHTTPRequest(r)
	case TypeHTTPResponse:
		return decodeHTTPResponse(r)
	case TypeWSConnect:
		return decodeWSConnect(r)
	case TypeWSData:
		return decodeWSData(r)
	case TypeWSClose:
		return decodeWSClose(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, buf[0])
	}
}

func decodeHTTPRequest(r *reader) (*HTTPRequest, error) {
	f := &HTTPRequest{}
	var err error
	if f.RequestID, err = r.u32("request id"); err != nil {
		return nil, err
	}
	method, err := r.bytesU16("method")
	if err != nil {
		return nil, err
	}
	f.Method = string(method)
	path, err := r.bytesU16("path")
	if err != nil {
		return nil, err
	}
	f.Path = string(path)
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	body, err := r.bytesU32("body")
	if err != nil {
		return nil, err
	}
	f.Body = append([]byte(nil), body...)
	return f, r.finish()
}

func decodeHTTPResponse(r *reader) (*HTTPResponse, error) {
	f := &HTTPResponse{}
	var err error
	if f.RequestID, err = r.u32("request id"); err != nil {
		return nil, err
	}
	if f.StatusCode, err = r.u16("status code"); err != nil {
		return nil, err
	}
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	body, err := r.bytesU32("body")
	if err != nil {
		return nil, err
	}
	f.Body = append([]byte(nil), body...)
	return f, r.finish()
}

func decodeWSConnect(r *reader) (*WSConnect, error) {
	f := &WSConnect{}
	var err error
	if f.ConnectionID, err = r.u32("connection id"); err != nil {
		return nil, err
	}
	url, err := r.bytesU16("url")
	if err != nil {
		return nil, err
	}
	f.URL = string(url)
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	return f, r.finish()
}

func decodeWSData(r *reader) (*WSData, error) {
	f := &WSData{}
	var err error
	if f.ConnectionID, err = r.u32("connection id"); err != nil {
		return nil, err
	}
	if f.Opcode, err = r.u8("opcode"); err != nil {
		return nil, err
	}
	payload, err := r.bytesU32("payload")
	if err != nil {
		return nil, err
	}
	f.Payload = append([]byte(nil), payload...)
	return f, r.finish()
}

func decodeWSClose(r *reader) (*WSClose, error) {
	f := &WSClose{}
	var err error
	if f.ConnectionID, err = r.u32("connection id"); err != nil {
		return nil, err
	}
	if f.CloseCode, err = r.u16("close code"); err != nil {
		return nil, err
	}
	reason, err := r.bytesU16("reason")
	if err != nil {
		return nil, err
	}
	f.Reason = string(reason)
	return f, r.finish()
}

// PeekType returns the frame type byte of an encoded frame without
// decoding the body. Returns ErrUnknownFrameType for bytes outside the
// defined set.
func PeekType(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", errShort)
	}
	switch buf[0] {
	case TypeHTTPRequest, TypeHTTPResponse, TypeWSConnect, TypeWSData, TypeWSClose:
		return buf[0], nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, buf[0])
	}
}

// PeekRequestID extracts the request or connection id from an encoded
// frame without a full decode. Every frame type places a u32 id
// immediately after the type byte, so the host side can correlate an
// error reply even when the rest of the body fails to decode.
func PeekRequestID(buf []byte) (uint32, error) {
	if len(buf) < 5 {
		return 0, fmt.Errorf("%w: need 5 bytes to peek id, have %d", errShort, len(buf))
	}
	return binary.BigEndian.Uint32(buf[1:5]), nil
}
