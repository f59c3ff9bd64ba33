package core

import (
	"encoding/binary"
	"fmt"
)

// SessionResult is the graceful-or-erroring outcome carried by a GoAway, and
// by a session-level Internal/Protocol violation detected locally.
type SessionResult struct {
	OK   bool
	Code SessionErrorCode
}

// Termination records why a YamuxSession stopped doing work. Exactly one of
// ParseErr or Result is set. Once non-nil, HandleFrame/EmitData are no-ops.
type Termination struct {
	ParseErr *ParseError
	Result   *SessionResult
}

func (t *Termination) String() string {
	if t == nil {
		return "<alive>"
	}
	if t.ParseErr != nil {
		return "parse-error: " + t.ParseErr.Error()
	}
	if t.Result.OK {
		return "graceful"
	}
	return "session-error: " + t.Result.Code.String()
}

// DeliveredData is payload handed upward to the application-protocol
// dispatcher after a Data frame clears flow control.
type DeliveredData struct {
	StreamID StreamID
	Data     []byte
	FIN      bool
}

// ConnError is a connection-level error surfaced to the scheduler: it does
// not necessarily terminate the session (e.g. StreamReset only removes one
// stream) but it must be reported up.
type ConnError struct {
	Kind     ConnErrorKind
	StreamID StreamID
}

type ConnErrorKind int

const (
	ErrStreamReset ConnErrorKind = iota
	ErrBadWindowUpdate
	ErrOverflow
)

func (e *ConnError) Error() string {
	switch e.Kind {
	case ErrStreamReset:
		return fmt.Sprintf("yamux: stream %d reset", e.StreamID)
	case ErrBadWindowUpdate:
		return fmt.Sprintf("yamux: bad window update on stream %d", e.StreamID)
	case ErrOverflow:
		return fmt.Sprintf("yamux: pending-outgoing overflow on stream %d", e.StreamID)
	default:
		return "yamux: connection error"
	}
}

// HandleFrameResult bundles everything a single HandleFrame call produces so
// effects code can translate it into further actions without reaching back
// into session internals.
type HandleFrameResult struct {
	Outbound        []Frame // frames the session wants written to the wire now
	Delivered       *DeliveredData
	ConnErr         *ConnError
	NewLogicalOpen  *StreamID // non-nil when a SYN created a fresh logical stream
	NewLogicalIsIn  bool
	ClosedLogical   *StreamID // non-nil when FIN/RST closed a logical stream
	RejectedByLimit bool      // incoming SYN was politely FIN-rejected by admission control
	PongOpaque      *int32    // non-nil when an ACK'd Ping (a pong) was observed
}

// YamuxSession owns the frame-parsing and flow-control state for one
// underlying connection.
type YamuxSession struct {
	Streams *StreamTable

	buffer   []byte
	incoming []Frame

	Terminated *Termination

	MessageSizeLimit     int
	PendingOutgoingLimit int
	MaxStreams           int

	WindowRefillThreshold uint32
	WindowRefillAmount    uint32

	// lastIngestCount is how many frames the most recent IngestBytes call
	// appended to incoming. It lets the action-effect layer know how many
	// IncomingFrame actions to push without accepting a frame payload on
	// the action itself — the incoming queue remains the sole source of
	// truth (design note, §9).
	lastIngestCount int
	lastHandled     HandleFrameResult
	lastHandledOK   bool
	lastEmit        EmitResult
}

// NewYamuxSession constructs a session with the spec's defaults.
func NewYamuxSession(messageSizeLimit, pendingOutgoingLimit, maxStreams int) *YamuxSession {
	return &YamuxSession{
		Streams:               newStreamTable(),
		MessageSizeLimit:      messageSizeLimit,
		PendingOutgoingLimit:  pendingOutgoingLimit,
		MaxStreams:            maxStreams,
		WindowRefillThreshold: defaultWindowRefillThreshold,
		WindowRefillAmount:    defaultWindowRefillAmount,
	}
}

func (s *YamuxSession) alive() bool { return s.Terminated == nil }

// IngestBytes appends data to the undrained prefix and decodes as many
// complete frames as are available. It returns the frames parsed during this
// call, in order; the same frames are appended to the session's internal
// incoming queue (the sole source of truth HandleFrame drains from — see
// design note on IncomingFrame). If a ParseError is hit the session
// terminates and parsing stops; previously parsed frames in this call are
// still returned.
func (s *YamuxSession) IngestBytes(data []byte) []Frame {
	if !s.alive() {
		return nil
	}
	s.buffer = append(s.buffer, data...)

	var parsed []Frame
	offset := 0
	for {
		// An oversize Data frame is rejected off its header alone; waiting
		// for the full payload would let a peer hold the session hostage
		// with a length it never intends to send.
		if rest := s.buffer[offset:]; len(rest) >= yamuxHeaderLen && rest[1] == frameTypeData {
			if int(binary.BigEndian.Uint32(rest[8:12])) > s.MessageSizeLimit {
				s.Terminated = &Termination{Result: &SessionResult{OK: false, Code: SessionInternal}}
				break
			}
		}
		frame, n, err := DecodeFrame(s.buffer[offset:])
		if err != nil {
			var pe *ParseError
			if asParseError(err, &pe) {
				s.Terminated = &Termination{ParseErr: pe}
			}
			break
		}
		if frame == nil {
			// Incomplete: compact the buffer to the unconsumed tail and stop.
			break
		}
		s.incoming = append(s.incoming, *frame)
		parsed = append(parsed, *frame)
		offset += n
	}
	s.buffer = append([]byte(nil), s.buffer[offset:]...)
	s.lastIngestCount = len(parsed)
	return parsed
}

func asParseError(err error, out **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*out = pe
	}
	return ok
}

// DequeueIncoming pops the oldest parsed-but-undispatched frame.
func (s *YamuxSession) DequeueIncoming() (Frame, bool) {
	if len(s.incoming) == 0 {
		return Frame{}, false
	}
	f := s.incoming[0]
	s.incoming = s.incoming[1:]
	return f, true
}

// HandleFrame processes the next queued incoming frame (the queue is the
// sole source of truth; no frame is accepted as a parameter). It is a
// terminal no-op once the session is terminated.
func (s *YamuxSession) HandleFrame() (HandleFrameResult, bool) {
	var res HandleFrameResult
	if !s.alive() {
		s.lastHandled, s.lastHandledOK = res, false
		return res, false
	}
	frame, ok := s.DequeueIncoming()
	if !ok {
		s.lastHandled, s.lastHandledOK = res, false
		return res, false
	}

	if frame.Flags&FlagSYN != 0 && frame.StreamID != sessionControlStream {
		if s.Streams.countIncomingOpen() >= s.MaxStreams {
			res.Outbound = append(res.Outbound, Frame{
				StreamID: frame.StreamID,
				Flags:    FlagFIN,
				Kind:     DataFrame(nil),
			})
			res.RejectedByLimit = true
			s.lastHandled, s.lastHandledOK = res, true
			return res, true
		}
		s.Streams.getOrCreate(frame.StreamID, true)
		id := frame.StreamID
		res.NewLogicalOpen = &id
		res.NewLogicalIsIn = true
	}

	if frame.Flags&FlagACK != 0 {
		st := s.Streams.getOrCreate(frame.StreamID, false)
		st.Established = true
	}

	switch {
	case frame.Kind.IsData:
		st := s.Streams.getOrCreate(frame.StreamID, frame.Flags&FlagSYN != 0)
		st.WindowOurs = saturatingSub(st.WindowOurs, uint32(len(frame.Kind.Data)))
		if st.WindowOurs < s.WindowRefillThreshold {
			st.WindowOurs = saturatingAdd(st.WindowOurs, s.WindowRefillAmount)
			res.Outbound = append(res.Outbound, Frame{
				StreamID: frame.StreamID,
				Kind:     WindowUpdateFrame(int32(s.WindowRefillAmount)),
			})
		}
		res.Delivered = &DeliveredData{
			StreamID: frame.StreamID,
			Data:     frame.Kind.Data,
			FIN:      frame.Flags&FlagFIN != 0,
		}
		if frame.Flags&FlagFIN != 0 {
			id := frame.StreamID
			res.ClosedLogical = &id
		}

	case frame.Kind.IsWindow:
		st, exists := s.Streams.get(frame.StreamID)
		if !exists {
			st = s.Streams.getOrCreate(frame.StreamID, frame.Flags&FlagSYN != 0)
		}
		if frame.Kind.WindowDelta < 0 {
			res.ConnErr = &ConnError{Kind: ErrBadWindowUpdate, StreamID: frame.StreamID}
			break
		}
		st.WindowTheirs = saturatingAdd(st.WindowTheirs, uint32(frame.Kind.WindowDelta))
		res.Outbound = append(res.Outbound, s.drainPending(st)...)

	case frame.Kind.IsPing:
		if frame.Flags&FlagACK == 0 {
			res.Outbound = append(res.Outbound, Frame{
				StreamID: frame.StreamID,
				Flags:    FlagACK,
				Kind:     PingFrame(frame.Kind.PingOpaque),
			})
		} else {
			// ACK present: this is a pong. Validating it against an
			// outstanding-ping table (RFC-strict behavior) lives above
			// this layer; here it is surfaced, not silently dropped.
			opaque := frame.Kind.PingOpaque
			res.PongOpaque = &opaque
		}

	case frame.Kind.IsGoAway:
		if frame.Kind.GoAwayCodeOK {
			s.Terminated = &Termination{Result: &SessionResult{OK: true}}
		} else {
			s.Terminated = &Termination{Result: &SessionResult{OK: false, Code: frame.Kind.GoAwayCode}}
		}
	}

	if frame.Flags&FlagRST != 0 {
		s.Streams.remove(frame.StreamID)
		id := frame.StreamID
		res.ClosedLogical = &id
		res.ConnErr = &ConnError{Kind: ErrStreamReset, StreamID: frame.StreamID}
	}

	s.lastHandled, s.lastHandledOK = res, true
	return res, true
}

// drainPending sends as many queued frames as the (now larger) window
// admits, splitting the first frame that would overflow it.
func (s *YamuxSession) drainPending(st *StreamState) []Frame {
	var sent []Frame
	for len(st.Pending) > 0 && st.WindowTheirs > 0 {
		f := st.Pending[0]
		if uint32(len(f.Kind.Data)) <= st.WindowTheirs {
			st.Pending = st.Pending[1:]
			st.WindowTheirs -= uint32(len(f.Kind.Data))
			sent = append(sent, f)
			continue
		}
		// Split: send the prefix that fits, push the remainder back at the
		// front of the queue. Only SYN/ACK on the very first fragment.
		prefixLen := st.WindowTheirs
		prefix := Frame{
			StreamID: f.StreamID,
			Flags:    f.Flags,
			Kind:     DataFrame(f.Kind.Data[:prefixLen]),
		}
		suffixFlags := f.Flags &^ (FlagSYN | FlagACK)
		suffix := Frame{
			StreamID: f.StreamID,
			Flags:    suffixFlags,
			Kind:     DataFrame(f.Kind.Data[prefixLen:]),
		}
		st.Pending[0] = suffix
		st.WindowTheirs = 0
		sent = append(sent, prefix)
		break
	}
	return sent
}

// EmitResult is what EmitData produces for the caller: the frames that
// should actually be written to the wire right now, and the connection
// error raised if the pending queue overflowed its limit.
type EmitResult struct {
	Sent    []Frame
	ConnErr *ConnError
}

// EmitData implements the outbound half of §4.2: SYN/ACK bookkeeping, window
// splitting, pending enqueue, and overflow detection.
func (s *YamuxSession) EmitData(id StreamID, data []byte, flags uint16) EmitResult {
	if !s.alive() {
		return EmitResult{}
	}
	st, existed := s.Streams.get(id)
	if !existed {
		st = s.Streams.getOrCreate(id, false)
	}

	if !st.Incoming && !st.Established && !st.SynSent {
		flags |= FlagSYN
	} else if st.Incoming && !st.Established {
		flags |= FlagACK
	}

	frame := Frame{StreamID: id, Flags: flags, Kind: DataFrame(data)}

	var res EmitResult
	switch {
	case uint32(len(data)) <= st.WindowTheirs:
		st.WindowTheirs -= uint32(len(data))
		res.Sent = []Frame{frame}
	case st.WindowTheirs > 0 && len(st.Pending) == 0:
		head := data[:st.WindowTheirs]
		tail := data[st.WindowTheirs:]
		res.Sent = []Frame{{StreamID: id, Flags: flags, Kind: DataFrame(head)}}
		st.Pending = append(st.Pending, Frame{StreamID: id, Flags: flags &^ (FlagSYN | FlagACK), Kind: DataFrame(tail)})
		st.WindowTheirs = 0
	default:
		st.Pending = append(st.Pending, frame)
	}

	if flags&FlagSYN != 0 {
		st.SynSent = true
	}

	if s.totalPendingBytes() > s.PendingOutgoingLimit {
		res.ConnErr = &ConnError{Kind: ErrOverflow, StreamID: id}
	}

	if flags&FlagFIN != 0 {
		st.Writable = false
	}

	s.lastEmit = res
	return res
}

func (s *YamuxSession) totalPendingBytes() int {
	n := 0
	for _, st := range s.Streams.streams {
		n += st.pendingBytes()
	}
	return n
}

// OpenStream creates (or returns the existing) Yamux-level stream entry for
// a locally initiated stream. The connection-level entry is added by
// reduceOpenStream.
func (s *YamuxSession) OpenStream(id StreamID) *StreamState {
	return s.Streams.getOrCreate(id, false)
}
