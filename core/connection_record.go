package core

// PeerID is the stable cryptographic identity obtained after the Noise
// handshake completes; required before any logical stream is usable.
type PeerID string

// AuthState is populated once the Noise handshake (an external collaborator,
// §6) completes successfully.
type AuthState struct {
	RemotePeerID PeerID
}

// MuxState records which multiplexer was negotiated for a connection. Only
// Yamux is implemented by this core; other values are recorded for
// observability but never driven.
type MuxState struct {
	Negotiated string
	Yamux      *YamuxSession
}

// LogicalStreamState is the connection-level view of one multiplexed
// stream: which application protocol was selected on it and its direction.
type LogicalStreamState struct {
	Protocol string
	Incoming bool
	Open     bool
}

// ConnectionRecord is the per-peer aggregate: authentication result,
// selected multiplexer, and active logical streams. Created on
// accepted/initiated transport, populated as the handshake and mux
// negotiation complete, destroyed on session termination.
type ConnectionRecord struct {
	Addr    ConnAddr
	Auth    *AuthState
	Mux     *MuxState
	Streams map[StreamID]*LogicalStreamState
}

// ConnAddr is an opaque, equality-comparable, hashable transport address.
type ConnAddr string

// NewConnectionRecord creates a bare record for a freshly accepted or
// initiated transport-level connection; Auth and Mux are populated later.
func NewConnectionRecord(addr ConnAddr) *ConnectionRecord {
	return &ConnectionRecord{
		Addr:    addr,
		Streams: make(map[StreamID]*LogicalStreamState),
	}
}

// ResolvePeerID implements the auth gate of §4.3: every outbound
// application action resolves the peer's identity via Auth. If the
// handshake hasn't completed yet, the action is silently dropped — the
// upper layer should not be able to reach this point, so dropping is the
// defensive policy rather than an error.
func (c *ConnectionRecord) ResolvePeerID() (PeerID, bool) {
	if c.Auth == nil {
		return "", false
	}
	return c.Auth.RemotePeerID, true
}

func (c *ConnectionRecord) openLogicalStream(id StreamID, proto string, incoming bool) {
	c.Streams[id] = &LogicalStreamState{Protocol: proto, Incoming: incoming, Open: true}
}

func (c *ConnectionRecord) closeLogicalStream(id StreamID) {
	delete(c.Streams, id)
}
