package core

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
	}{
		{"data", Frame{StreamID: 3, Flags: FlagSYN, Kind: DataFrame([]byte("hello"))}},
		{"empty data", Frame{StreamID: 7, Kind: DataFrame(nil)}},
		{"window update", Frame{StreamID: 9, Flags: FlagACK, Kind: WindowUpdateFrame(1024)}},
		{"negative window delta", Frame{StreamID: 9, Kind: WindowUpdateFrame(-512)}},
		{"ping", Frame{Kind: PingFrame(42)}},
		{"ping ack", Frame{Flags: FlagACK, Kind: PingFrame(42)}},
		{"goaway ok", Frame{Kind: GoAwayFrame(true, SessionOK)}},
		{"goaway protocol error", Frame{Kind: GoAwayFrame(false, SessionProtocol)}},
		{"data with rst flag", Frame{StreamID: 5, Flags: FlagRST, Kind: DataFrame(nil)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded := EncodeFrame(c.f)
			got, n, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(encoded) {
				t.Fatalf("consumed %d, want %d", n, len(encoded))
			}
			if got == nil {
				t.Fatal("decode returned nil frame for complete input")
			}
			reencoded := EncodeFrame(*got)
			if !bytes.Equal(reencoded, encoded) {
				t.Fatalf("re-encode mismatch: got %x want %x", reencoded, encoded)
			}
		})
	}
}

func TestDecodeFrameIncompleteReturnsNil(t *testing.T) {
	full := EncodeFrame(Frame{StreamID: 1, Kind: DataFrame([]byte("partial-payload"))})
	for cut := 0; cut < len(full); cut++ {
		f, n, err := DecodeFrame(full[:cut])
		if err != nil {
			t.Fatalf("cut %d: unexpected error: %v", cut, err)
		}
		if f != nil || n != 0 {
			t.Fatalf("cut %d: expected incomplete (nil, 0), got (%v, %d)", cut, f, n)
		}
	}
}

func TestDecodeFrameMultipleInBuffer(t *testing.T) {
	a := EncodeFrame(Frame{StreamID: 1, Kind: DataFrame([]byte("a"))})
	b := EncodeFrame(Frame{StreamID: 2, Kind: DataFrame([]byte("bb"))})
	buf := append(append([]byte{}, a...), b...)

	f1, n1, err := DecodeFrame(buf)
	if err != nil || f1 == nil {
		t.Fatalf("decode first: %v %v", f1, err)
	}
	if n1 != len(a) {
		t.Fatalf("first frame consumed %d, want %d", n1, len(a))
	}
	f2, n2, err := DecodeFrame(buf[n1:])
	if err != nil || f2 == nil {
		t.Fatalf("decode second: %v %v", f2, err)
	}
	if n2 != len(b) {
		t.Fatalf("second frame consumed %d, want %d", n2, len(b))
	}
	if f1.StreamID != 1 || f2.StreamID != 2 {
		t.Fatalf("stream IDs out of order: %d, %d", f1.StreamID, f2.StreamID)
	}
}

func TestDecodeFrameBadVersionIsParseError(t *testing.T) {
	buf := EncodeFrame(Frame{StreamID: 1, Kind: PingFrame(1)})
	buf[0] = 0xFF // corrupt the version byte
	_, _, err := DecodeFrame(buf)
	if err == nil {
		t.Fatal("expected parse error for bad version byte")
	}
	var pe *ParseError
	if !asParseErrorType(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.Kind != ParseErrVersion {
		t.Fatalf("expected ParseErrVersion, got %v", pe.Kind)
	}
}

func asParseErrorType(err error, out **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*out = pe
	}
	return ok
}
