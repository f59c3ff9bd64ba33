package core

import (
	"bytes"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type captureTransport struct {
	sent map[ConnAddr][]Frame
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{sent: make(map[ConnAddr][]Frame)}
}

func (t *captureTransport) Send(addr ConnAddr, f Frame) error {
	t.sent[addr] = append(t.sent[addr], f)
	return nil
}

type captureScheduler struct {
	disconnected []ConnAddr
	causes       []error
}

func (s *captureScheduler) Disconnect(addr ConnAddr, cause error) {
	s.disconnected = append(s.disconnected, addr)
	s.causes = append(s.causes, cause)
}

type stubRPC struct {
	queries []LedgerQuery
	peers   []PeerID
	err     error
	nextID  int
}

func (r *stubRPC) SendQuery(p PeerID, q LedgerQuery) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.queries = append(r.queries, q)
	r.peers = append(r.peers, p)
	r.nextID++
	return string(rune('a' + r.nextID - 1)), nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *captureTransport, *captureScheduler, *stubRPC) {
	t.Helper()
	transport := newCaptureTransport()
	sched := &captureScheduler{}
	rpc := &stubRPC{}
	pings, err := NewOutstandingPings(16)
	if err != nil {
		t.Fatalf("outstanding pings: %v", err)
	}
	d := NewDispatcher(NewState(), fixedClock{t: time.Unix(1700000000, 0)}, transport, rpc, NewErrorPolicy(sched, nil), pings)
	return d, transport, sched, rpc
}

func addTestConnection(d *Dispatcher, addr ConnAddr) *ConnectionRecord {
	rec := NewConnectionRecord(addr)
	rec.Auth = &AuthState{RemotePeerID: PeerID(addr)}
	rec.Mux = &MuxState{Negotiated: "yamux", Yamux: NewYamuxSession(1<<20, 1<<20, 8)}
	d.state.Connections[addr] = rec
	return rec
}

func TestDispatchUnknownConnectionIsNoop(t *testing.T) {
	d, transport, _, _ := newTestDispatcher(t)
	if d.Dispatch(Action{Kind: ActionIncomingBytes, Addr: "nobody", Bytes: []byte{1, 2, 3}}) {
		t.Fatal("action on an unknown connection must be rejected by its enabling condition")
	}
	if len(transport.sent) != 0 {
		t.Fatal("rejected action produced side effects")
	}
}

func TestIncomingBytesDrivesFramePipeline(t *testing.T) {
	d, transport, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	var wire []byte
	wire = append(wire, EncodeFrame(Frame{Kind: PingFrame(9)})...)
	wire = append(wire, EncodeFrame(Frame{StreamID: 2, Flags: FlagSYN, Kind: DataFrame([]byte("hi"))})...)

	d.Push(Action{Kind: ActionIncomingBytes, Addr: "peer1", Bytes: wire})
	d.Tick()

	sent := transport.sent["peer1"]
	if len(sent) == 0 {
		t.Fatal("expected the ping echo on the wire")
	}
	if !sent[0].Kind.IsPing || sent[0].Flags&FlagACK == 0 || sent[0].Kind.PingOpaque != 9 {
		t.Fatalf("first outbound frame should be the pong, got %+v", sent[0])
	}

	rec := d.state.Connections["peer1"]
	if _, ok := rec.Streams[2]; !ok {
		t.Fatal("SYN should have created a logical stream on the connection record")
	}
}

func TestEmitDataActionSendsAndBookkeeps(t *testing.T) {
	d, transport, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	if !d.Dispatch(Action{Kind: ActionOpenStream, Addr: "peer1", StreamID: 1}) {
		t.Fatal("open stream rejected")
	}
	if !d.Dispatch(Action{Kind: ActionEmitData, Addr: "peer1", StreamID: 1, Data: []byte("payload")}) {
		t.Fatal("emit rejected")
	}
	sent := transport.sent["peer1"]
	if len(sent) != 1 || string(sent[0].Kind.Data) != "payload" {
		t.Fatalf("unexpected wire traffic %+v", sent)
	}
	if sent[0].Flags&FlagSYN == 0 {
		t.Fatal("first emit on a locally opened stream carries SYN")
	}
}

func TestConnErrorTearsDownThroughScheduler(t *testing.T) {
	d, _, sched, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	d.Push(Action{Kind: ActionConnError, Addr: "peer1", ConnErr: &ConnError{Kind: ErrOverflow, StreamID: 1}})
	d.Tick()

	if len(sched.disconnected) != 1 || sched.disconnected[0] != "peer1" {
		t.Fatalf("scheduler should have disconnected peer1, got %v", sched.disconnected)
	}
}

func TestStreamResetDoesNotDisconnect(t *testing.T) {
	d, _, sched, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	d.Push(Action{Kind: ActionConnError, Addr: "peer1", ConnErr: &ConnError{Kind: ErrStreamReset, StreamID: 1}})
	d.Tick()

	if len(sched.disconnected) != 0 {
		t.Fatalf("a stream reset must not tear the connection down, got %v", sched.disconnected)
	}
}

func TestEmitDroppedBeforeHandshake(t *testing.T) {
	d, transport, _, _ := newTestDispatcher(t)
	rec := addTestConnection(d, "peer1")
	rec.Auth = nil

	if d.Dispatch(Action{Kind: ActionEmitData, Addr: "peer1", StreamID: 1, Data: []byte("early")}) {
		t.Fatal("outbound data before the handshake must be silently dropped")
	}
	if len(transport.sent) != 0 {
		t.Fatal("nothing should reach the wire pre-auth")
	}
}

func TestConnClosedPurgesRecordOnce(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	d.Push(Action{Kind: ActionConnClosed, Addr: "peer1"})
	d.Tick()

	if _, ok := d.state.Connections["peer1"]; ok {
		t.Fatal("connection record should be purged")
	}
	if d.Dispatch(Action{Kind: ActionConnClosed, Addr: "peer1"}) {
		t.Fatal("a second close for the same connection must be a no-op")
	}
}

func TestGoAwayTerminationReachesScheduler(t *testing.T) {
	d, _, sched, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	d.Push(Action{Kind: ActionIncomingBytes, Addr: "peer1", Bytes: EncodeFrame(Frame{Kind: GoAwayFrame(false, SessionProtocol)})})
	d.Tick()

	if len(sched.disconnected) != 1 {
		t.Fatalf("protocol goaway should disconnect, got %v", sched.disconnected)
	}
}

func TestTickPreservesFIFOWithinConnection(t *testing.T) {
	d, transport, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	for i := 0; i < 3; i++ {
		d.Push(Action{Kind: ActionIncomingBytes, Addr: "peer1", Bytes: EncodeFrame(Frame{Kind: PingFrame(int32(i))})})
	}
	d.Tick()

	sent := transport.sent["peer1"]
	if len(sent) != 3 {
		t.Fatalf("expected 3 pongs, got %d", len(sent))
	}
	for i, f := range sent {
		if f.Kind.PingOpaque != int32(i) {
			t.Fatalf("pong %d out of order: opaque %d", i, f.Kind.PingOpaque)
		}
	}
}

func TestRecordReplayReproducesState(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")

	var log bytes.Buffer
	d.EnableRecording(&log)

	wire := EncodeFrame(Frame{StreamID: 2, Flags: FlagSYN, Kind: DataFrame([]byte("recorded"))})
	d.Push(Action{Kind: ActionIncomingBytes, Addr: "peer1", Bytes: wire})
	d.Tick()

	if _, ok := d.state.Connections["peer1"].Streams[2]; !ok {
		t.Fatal("original run did not open the stream")
	}

	replay, _, _, _ := newTestDispatcher(t)
	addTestConnection(replay, "peer1")
	applied, err := ReplayActions(replay, bytes.NewReader(log.Bytes()))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied == 0 {
		t.Fatal("replay applied nothing")
	}
	if _, ok := replay.state.Connections["peer1"].Streams[2]; !ok {
		t.Fatal("replayed run did not reproduce the stream table")
	}
}

func TestPongValidationConsumesOutstandingEntry(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	addTestConnection(d, "peer1")
	d.pings.Record("peer1", 42)

	d.Push(Action{Kind: ActionIncomingBytes, Addr: "peer1", Bytes: EncodeFrame(Frame{Flags: FlagACK, Kind: PingFrame(42)})})
	d.Tick()

	if d.pings.Validate("peer1", 42) {
		t.Fatal("pong should have consumed the outstanding entry")
	}
}
