package core

import (
	"encoding/binary"
	"fmt"
)

// Yamux frame header layout (12 bytes, all integers big-endian):
//
//	version(1) | type(1) | flags(2) | stream_id(4) | length_or_value(4)
//
// For Data frames the tail word is a payload length followed by that many
// payload bytes. For WindowUpdate/Ping/GoAway the tail word carries a typed
// value and no payload follows.
const yamuxHeaderLen = 12

const yamuxProtoVersion = 0

// Frame types.
const (
	frameTypeData byte = iota
	frameTypeWindowUpdate
	framePing
	frameGoAway
)

// Frame flag bits.
const (
	FlagSYN uint16 = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
)

// SessionErrorCode is the typed value carried by a GoAway frame.
type SessionErrorCode int32

const (
	SessionOK SessionErrorCode = iota
	SessionProtocol
	SessionInternal
)

func (c SessionErrorCode) String() string {
	switch c {
	case SessionOK:
		return "ok"
	case SessionProtocol:
		return "protocol"
	case SessionInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", int32(c))
	}
}

// FrameKind is the closed union of payloads a Frame may carry.
type FrameKind struct {
	Data         []byte
	IsData       bool
	WindowDelta  int32
	IsWindow     bool
	PingOpaque   int32
	IsPing       bool
	GoAwayCode   SessionErrorCode
	GoAwayCodeOK bool // true if the GoAway result is Ok rather than an error code
	IsGoAway     bool
}

// DataFrame builds a FrameKind wrapping a Data payload.
func DataFrame(b []byte) FrameKind { return FrameKind{Data: b, IsData: true} }

// WindowUpdateFrame builds a FrameKind carrying a signed window delta.
func WindowUpdateFrame(delta int32) FrameKind { return FrameKind{WindowDelta: delta, IsWindow: true} }

// PingFrame builds a FrameKind carrying an opaque ping tag.
func PingFrame(opaque int32) FrameKind { return FrameKind{PingOpaque: opaque, IsPing: true} }

// GoAwayFrame builds a FrameKind carrying a session close result.
func GoAwayFrame(ok bool, code SessionErrorCode) FrameKind {
	return FrameKind{GoAwayCode: code, GoAwayCodeOK: ok, IsGoAway: true}
}

// Frame is a single parsed Yamux frame.
type Frame struct {
	StreamID StreamID
	Flags    uint16
	Kind     FrameKind
}

func (f Frame) frameType() byte {
	switch {
	case f.Kind.IsData:
		return frameTypeData
	case f.Kind.IsWindow:
		return frameTypeWindowUpdate
	case f.Kind.IsPing:
		return framePing
	default:
		return frameGoAway
	}
}

// ParseErrorKind enumerates the ways a byte slice can fail to decode.
type ParseErrorKind int

const (
	ParseErrVersion ParseErrorKind = iota
	ParseErrType
	ParseErrFlags
	ParseErrErrorCode
)

// ParseError is returned by DecodeFrame when the input is malformed. It is
// fatal to the owning session.
type ParseError struct {
	Kind  ParseErrorKind
	Value int64
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseErrVersion:
		return fmt.Sprintf("yamux: unexpected version byte %d", e.Value)
	case ParseErrType:
		return fmt.Sprintf("yamux: unexpected frame type byte %d", e.Value)
	case ParseErrFlags:
		return fmt.Sprintf("yamux: unparseable flag bits %#x", e.Value)
	case ParseErrErrorCode:
		return fmt.Sprintf("yamux: unknown goaway error code %d", e.Value)
	default:
		return "yamux: parse error"
	}
}

// knownFlagsMask is the union of every flag bit this implementation
// understands; any other set bit is a Flags parse error.
const knownFlagsMask = FlagSYN | FlagACK | FlagFIN | FlagRST

// DecodeFrame attempts to decode a single frame from the front of buf. It
// returns the frame, the number of bytes consumed, and an error. A nil frame
// with n == 0 and err == nil means the buffer holds an incomplete frame and
// the caller should wait for more bytes.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < yamuxHeaderLen {
		return nil, 0, nil
	}
	if buf[0] != yamuxProtoVersion {
		return nil, 0, &ParseError{Kind: ParseErrVersion, Value: int64(buf[0])}
	}
	typ := buf[1]
	if typ > frameGoAway {
		return nil, 0, &ParseError{Kind: ParseErrType, Value: int64(typ)}
	}
	flags := binary.BigEndian.Uint16(buf[2:4])
	if flags&^knownFlagsMask != 0 {
		return nil, 0, &ParseError{Kind: ParseErrFlags, Value: int64(flags)}
	}
	streamID := StreamID(binary.BigEndian.Uint32(buf[4:8]))
	tail := binary.BigEndian.Uint32(buf[8:12])

	f := &Frame{StreamID: streamID, Flags: flags}
	switch typ {
	case frameTypeData:
		length := int(tail)
		if len(buf) < yamuxHeaderLen+length {
			return nil, 0, nil
		}
		payload := make([]byte, length)
		copy(payload, buf[yamuxHeaderLen:yamuxHeaderLen+length])
		f.Kind = DataFrame(payload)
		return f, yamuxHeaderLen + length, nil
	case frameTypeWindowUpdate:
		f.Kind = WindowUpdateFrame(int32(tail))
		return f, yamuxHeaderLen, nil
	case framePing:
		f.Kind = PingFrame(int32(tail))
		return f, yamuxHeaderLen, nil
	case frameGoAway:
		code := SessionErrorCode(int32(tail))
		switch code {
		case SessionOK:
			f.Kind = GoAwayFrame(true, SessionOK)
		case SessionProtocol, SessionInternal:
			f.Kind = GoAwayFrame(false, code)
		default:
			return nil, 0, &ParseError{Kind: ParseErrErrorCode, Value: int64(tail)}
		}
		return f, yamuxHeaderLen, nil
	default:
		return nil, 0, &ParseError{Kind: ParseErrType, Value: int64(typ)}
	}
}

// EncodeFrame serializes f deterministically. Output length is always a
// multiple of (12 + optional payload).
func EncodeFrame(f Frame) []byte {
	out := make([]byte, yamuxHeaderLen, yamuxHeaderLen+len(f.Kind.Data))
	out[0] = yamuxProtoVersion
	out[1] = f.frameType()
	binary.BigEndian.PutUint16(out[2:4], f.Flags)
	binary.BigEndian.PutUint32(out[4:8], uint32(f.StreamID))

	switch {
	case f.Kind.IsData:
		binary.BigEndian.PutUint32(out[8:12], uint32(len(f.Kind.Data)))
		out = append(out, f.Kind.Data...)
	case f.Kind.IsWindow:
		binary.BigEndian.PutUint32(out[8:12], uint32(f.Kind.WindowDelta))
	case f.Kind.IsPing:
		binary.BigEndian.PutUint32(out[8:12], uint32(f.Kind.PingOpaque))
	case f.Kind.IsGoAway:
		code := f.Kind.GoAwayCode
		if f.Kind.GoAwayCodeOK {
			code = SessionOK
		}
		binary.BigEndian.PutUint32(out[8:12], uint32(int32(code)))
	}
	return out
}
