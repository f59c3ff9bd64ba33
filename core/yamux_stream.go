package core

// StreamID identifies a logical stream within a Yamux session. Locally
// initiated streams are odd, remotely initiated streams are even (or vice
// versa depending on role); id 0 is reserved for session-level control.
type StreamID uint32

const sessionControlStream StreamID = 0

// defaultWindow is the initial credit granted to a newly created stream in
// each direction, absent renegotiation.
const defaultWindow uint32 = 256 * 1024

// defaultWindowRefillThreshold and defaultWindowRefillAmount implement the
// "permissive" flow-control policy: once our remaining window drops below the
// threshold we top it back up by the refill amount rather than tracking
// fine-grained per-byte backpressure. The values in use live in session-level
// fields (not constants) so the config's P2P section can retune them per
// session (design-note open question).
const (
	defaultWindowRefillThreshold uint32 = 64 * 1024
	defaultWindowRefillAmount    uint32 = 256 * 1024
)

// StreamState is the per-(connection, stream) flow-control and lifecycle
// record. window_ours/window_theirs never go negative: subtracting more
// than is available saturates at zero.
type StreamState struct {
	ID          StreamID
	Incoming    bool // true if the remote initiated this stream
	SynSent     bool
	Established bool
	Writable    bool

	WindowOurs   uint32 // credit we've granted the remote
	WindowTheirs uint32 // credit the remote has granted us

	Pending []Frame // Data frames queued because WindowTheirs was insufficient
}

func newStreamState(id StreamID, incoming bool) *StreamState {
	return &StreamState{
		ID:           id,
		Incoming:     incoming,
		Writable:     true,
		WindowOurs:   defaultWindow,
		WindowTheirs: defaultWindow,
	}
}

// saturatingSub subtracts b from a, clamping at zero instead of wrapping.
func saturatingSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

// saturatingAdd adds b to a, clamping at the uint32 maximum instead of
// wrapping.
func saturatingAdd(a, b uint32) uint32 {
	sum := a + b
	if sum < a {
		return ^uint32(0)
	}
	return sum
}

// pendingBytes sums the payload length of every frame still queued for this
// stream.
func (s *StreamState) pendingBytes() int {
	n := 0
	for _, f := range s.Pending {
		n += len(f.Kind.Data)
	}
	return n
}

// StreamTable is the per-session map from stream id to StreamState.
type StreamTable struct {
	streams map[StreamID]*StreamState
}

func newStreamTable() *StreamTable {
	return &StreamTable{streams: make(map[StreamID]*StreamState)}
}

func (t *StreamTable) get(id StreamID) (*StreamState, bool) {
	s, ok := t.streams[id]
	return s, ok
}

func (t *StreamTable) getOrCreate(id StreamID, incoming bool) *StreamState {
	s, ok := t.streams[id]
	if !ok {
		s = newStreamState(id, incoming)
		t.streams[id] = s
	}
	return s
}

func (t *StreamTable) remove(id StreamID) {
	delete(t.streams, id)
}

func (t *StreamTable) countIncomingOpen() int {
	n := 0
	for _, s := range t.streams {
		if s.Incoming {
			n++
		}
	}
	return n
}
