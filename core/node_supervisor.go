package core

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flynn/noise"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// yamuxProtocolID is the stream protocol this supervisor multiplexes over —
// a single raw libp2p stream per remote peer, framed with the Yamux codec in
// yamux_frame.go rather than libp2p's own muxer (this node's Yamux session
// state machine is what §4.2 specifies, so it runs on top of libp2p's
// already-encrypted stream instead of replacing it).
const yamuxProtocolID = protocol.ID("/coda/yamux/1.0.0")

// Default per-session limits for connections accepted by this supervisor;
// these mirror the tunables exposed under config.Config's P2P section.
const (
	defaultMessageSizeLimit     = 16 * 1024 * 1024
	defaultPendingOutgoingLimit = 4 * 1024 * 1024
	defaultMaxStreams           = 256
)

// RealClock adapts benbjohnson/clock to the Clock interface the dispatcher
// consumes, so production and tests (which can use clock.NewMock()) share
// the same seam.
type RealClock struct{ c clock.Clock }

// NewRealClock wraps the real wall clock.
func NewRealClock() RealClock { return RealClock{c: clock.New()} }

// Now returns the current time.
func (r RealClock) Now() time.Time { return r.c.Now() }

// Handshaker performs the Noise handshake (§6 Crypto) that authenticates a
// freshly dialed or accepted stream before any Yamux framing is trusted.
type Handshaker interface {
	Handshake(ctx context.Context, s network.Stream, initiator bool) (PeerID, error)
}

// NoiseHandshaker runs an XX handshake over the raw stream using
// flynn/noise, independent of libp2p's own transport security (the Yamux
// session this node runs is an application-layer protocol over an already
// libp2p-secured stream, so this is a second, application-level identity
// binding — e.g. for cases where the remote's advertised PeerID must match
// what the ledger-sync layer expects).
type NoiseHandshaker struct {
	staticKey noise.DHKey
}

// NewNoiseHandshaker generates a fresh static keypair for this node's
// lifetime.
func NewNoiseHandshaker() (*NoiseHandshaker, error) {
	kp, err := noise.DH25519.GenerateKeypair(nil)
	if err != nil {
		return nil, fmt.Errorf("generate noise keypair: %w", err)
	}
	return &NoiseHandshaker{staticKey: kp}, nil
}

// Handshake runs the XX pattern to completion and returns the remote's
// libp2p PeerID, read off the underlying stream's already-authenticated
// connection (Noise here binds application data, not peer identity itself —
// identity comes from libp2p's own security transport).
func (h *NoiseHandshaker) Handshake(ctx context.Context, s network.Stream, initiator bool) (PeerID, error) {
	cfg := noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256),
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: h.staticKey,
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return "", fmt.Errorf("noise handshake state: %w", err)
	}
	var buf [noise.MaxMsgLen]byte
	msgs := 3
	for i := 0; i < msgs; i++ {
		if (i%2 == 0) == initiator {
			out, _, _, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return "", fmt.Errorf("noise write: %w", err)
			}
			if _, err := s.Write(out); err != nil {
				return "", fmt.Errorf("noise write to stream: %w", err)
			}
		} else {
			n, err := s.Read(buf[:])
			if err != nil {
				return "", fmt.Errorf("noise read from stream: %w", err)
			}
			if _, _, _, err := hs.ReadMessage(nil, buf[:n]); err != nil {
				return "", fmt.Errorf("noise read: %w", err)
			}
		}
	}
	return PeerID(s.Conn().RemotePeer().String()), nil
}

// SnarkWorker is the narrow interface to an external snark-verification
// process — the prover itself is out of scope (§1 non-goal), only the
// process lifecycle is owned here. The supervisor holds one and kills it on
// Close; the ledger-sync coordinator does not call it.
type SnarkWorker interface {
	Start(ctx context.Context) error
	Submit(job []byte) error
	Kill() error
}

// ExecSnarkWorker drives an external snark-worker binary over stdin/stdout,
// matching how this lineage shells out to long-lived helper processes
// rather than linking native verification code into the node binary.
type ExecSnarkWorker struct {
	path string
	cmd  *exec.Cmd
	in   interface{ Write([]byte) (int, error) }
}

// NewExecSnarkWorker configures (without starting) a worker bound to the
// given executable path.
func NewExecSnarkWorker(path string) *ExecSnarkWorker {
	return &ExecSnarkWorker{path: path}
}

// Start launches the worker process and keeps its stdin open for jobs.
func (w *ExecSnarkWorker) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("snark worker stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("snark worker start: %w", err)
	}
	w.cmd = cmd
	w.in = stdin
	return nil
}

// Submit writes one newline-delimited job to the worker's stdin.
func (w *ExecSnarkWorker) Submit(job []byte) error {
	if w.in == nil {
		return fmt.Errorf("snark worker: not started")
	}
	_, err := w.in.Write(append(job, '\n'))
	return err
}

// Kill terminates the worker process.
func (w *ExecSnarkWorker) Kill() error {
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// NodeSupervisor wires the deterministic Yamux/action-dispatcher core
// (§4.1-4.6) to a live libp2p Node (network.go): it owns the goroutines that
// read bytes off streams and turn them into dispatcher actions, and it
// implements Transport/Scheduler/RpcSender against real libp2p streams.
type NodeSupervisor struct {
	node       *Node
	pm         *PeerManagement
	kad        *Kademlia
	dispatcher *Dispatcher
	pings      *OutstandingPings
	metrics    *Metrics
	registry   *prometheus.Registry
	handshaker Handshaker
	snark      SnarkWorker

	mu      sync.Mutex
	streams map[ConnAddr]network.Stream
	limits  SessionLimits
}

// SessionLimits carries the per-session tunables applied to every accepted
// connection, sourced from config.Config's P2P section.
type SessionLimits struct {
	MessageSizeLimit      int
	PendingOutgoingLimit  int
	MaxStreams            int
	WindowRefillThreshold uint32
	WindowRefillAmount    uint32
}

func defaultSessionLimits() SessionLimits {
	return SessionLimits{
		MessageSizeLimit:      defaultMessageSizeLimit,
		PendingOutgoingLimit:  defaultPendingOutgoingLimit,
		MaxStreams:            defaultMaxStreams,
		WindowRefillThreshold: defaultWindowRefillThreshold,
		WindowRefillAmount:    defaultWindowRefillAmount,
	}
}

// SetSessionLimits overrides the defaults for sessions accepted after the
// call; zero-valued fields keep their default.
func (s *NodeSupervisor) SetSessionLimits(l SessionLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.MessageSizeLimit > 0 {
		s.limits.MessageSizeLimit = l.MessageSizeLimit
	}
	if l.PendingOutgoingLimit > 0 {
		s.limits.PendingOutgoingLimit = l.PendingOutgoingLimit
	}
	if l.MaxStreams > 0 {
		s.limits.MaxStreams = l.MaxStreams
	}
	if l.WindowRefillThreshold > 0 {
		s.limits.WindowRefillThreshold = l.WindowRefillThreshold
	}
	if l.WindowRefillAmount > 0 {
		s.limits.WindowRefillAmount = l.WindowRefillAmount
	}
}

// NewNodeSupervisor boots a libp2p Node per cfg and wires it to a fresh
// dispatcher, error policy, and outstanding-ping table.
func NewNodeSupervisor(cfg Config) (*NodeSupervisor, error) {
	n, err := NewNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("node supervisor: %w", err)
	}
	hs, err := NewNoiseHandshaker()
	if err != nil {
		return nil, fmt.Errorf("node supervisor: %w", err)
	}
	m, reg := NewMetrics()

	sup := &NodeSupervisor{
		node:       n,
		pm:         NewPeerManagement(n),
		kad:        NewKademlia(NodeID(n.host.ID().String())),
		metrics:    m,
		registry:   reg,
		handshaker: hs,
		streams:    make(map[ConnAddr]network.Stream),
		limits:     defaultSessionLimits(),
	}

	state := NewState()
	errPolicy := NewErrorPolicy(sup, m)
	pings, err := NewOutstandingPings(1024)
	if err != nil {
		return nil, fmt.Errorf("node supervisor: %w", err)
	}
	sup.pings = pings
	sup.dispatcher = NewDispatcher(state, NewRealClock(), sup, sup, errPolicy, pings).WithMetrics(m)
	sup.dispatcher.OnDeliver(sup.routeDelivered)

	n.host.SetStreamHandler(yamuxProtocolID, sup.handleIncomingStream)
	return sup, nil
}

// Dispatcher exposes the wired dispatcher for the record/replay tooling and
// the debug server.
func (s *NodeSupervisor) Dispatcher() *Dispatcher { return s.dispatcher }

// Metrics exposes the registered metrics for serving via DebugServer.
func (s *NodeSupervisor) Metrics() *Metrics { return s.metrics }

// Registry exposes the Prometheus registry backing Metrics, for wiring a
// DebugServer without constructing a second, disconnected metrics set.
func (s *NodeSupervisor) Registry() *prometheus.Registry { return s.registry }

// SyncState exposes the ledger-sync coordinator so callers can wire in a
// LedgerTree/StagedLedgerFetcher/StagedLedgerReconstructor and seed
// ReadyPeers once the application layer knows which peers are sync-capable.
func (s *NodeSupervisor) SyncState() *LedgerSyncState { return s.dispatcher.state.Sync }

// SetSnarkWorker attaches an external snark verification process; Close
// kills it.
func (s *NodeSupervisor) SetSnarkWorker(w SnarkWorker) { s.snark = w }

// SnarkWorker returns the currently attached snark worker, if any.
func (s *NodeSupervisor) SnarkWorker() SnarkWorker { return s.snark }

// Close tears down every open stream and the underlying libp2p host.
func (s *NodeSupervisor) Close() error {
	if s.snark != nil {
		_ = s.snark.Kill()
	}
	s.mu.Lock()
	for addr, st := range s.streams {
		_ = st.Close()
		delete(s.streams, addr)
	}
	s.mu.Unlock()
	return s.node.Close()
}

// Send implements Transport: it looks up the live libp2p stream for addr and
// writes the encoded frame to it.
func (s *NodeSupervisor) Send(addr ConnAddr, frame Frame) error {
	s.mu.Lock()
	st, ok := s.streams[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("node supervisor: no stream for %s", addr)
	}
	_, err := st.Write(EncodeFrame(frame))
	return err
}

// Disconnect implements Scheduler: it closes the underlying stream and
// purges the connection record from dispatcher state.
func (s *NodeSupervisor) Disconnect(addr ConnAddr, cause error) {
	logrus.WithFields(logrus.Fields{"addr": addr, "cause": cause}).Warn("tearing down connection")
	s.mu.Lock()
	st, ok := s.streams[addr]
	delete(s.streams, addr)
	s.mu.Unlock()
	if ok {
		_ = st.Close()
	}
	delete(s.dispatcher.state.Connections, addr)
}

// SendQuery implements RpcSender: it opens a fresh stream to peer, closed on return, and
// writes an encoded ledger-sync RPC request, returning a correlation ID the
// caller tracks as the PeerAttempt.RpcID.
func (s *NodeSupervisor) SendQuery(p PeerID, q LedgerQuery) (string, error) {
	pid, err := peer.Decode(string(p))
	if err != nil {
		return "", fmt.Errorf("send query: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.node.ctx, 10*time.Second)
	defer cancel()
	st, err := s.node.host.NewStream(ctx, pid, yamuxProtocolID)
	if err != nil {
		return "", fmt.Errorf("send query: open stream: %w", err)
	}
	defer st.Close()
	rpcID := fmt.Sprintf("%s-%d-%d", p, q.Kind, q.Addr.depth())
	payload := append([]byte{byte(q.Kind)}, []byte(q.Addr)...)
	if _, err := st.Write(payload); err != nil {
		return "", fmt.Errorf("send query: write: %w", err)
	}
	return rpcID, nil
}

// handleIncomingStream accepts a freshly opened remote stream, runs the
// Noise handshake, creates the ConnectionRecord/YamuxSession pair, and
// starts the per-stream read loop that feeds IncomingBytes actions.
func (s *NodeSupervisor) handleIncomingStream(st network.Stream) {
	addr := ConnAddr(st.Conn().RemotePeer().String())
	ctx, cancel := context.WithTimeout(s.node.ctx, 10*time.Second)
	remotePeer, err := s.handshaker.Handshake(ctx, st, false)
	cancel()
	if err != nil {
		logrus.WithError(err).Warn("handshake failed, closing stream")
		_ = st.Close()
		return
	}

	s.mu.Lock()
	s.streams[addr] = st
	limits := s.limits
	s.mu.Unlock()

	sess := NewYamuxSession(limits.MessageSizeLimit, limits.PendingOutgoingLimit, limits.MaxStreams)
	sess.WindowRefillThreshold = limits.WindowRefillThreshold
	sess.WindowRefillAmount = limits.WindowRefillAmount

	rec := NewConnectionRecord(addr)
	rec.Auth = &AuthState{RemotePeerID: remotePeer}
	rec.Mux = &MuxState{Negotiated: string(yamuxProtocolID), Yamux: sess}
	s.dispatcher.state.Connections[addr] = rec

	go s.readLoop(addr, st)
}

// readLoop pumps bytes off the stream into IncomingBytes actions and ticks
// the dispatcher after each push, matching the cooperative single-threaded
// dispatch model (§5): only one goroutine per connection ever calls
// Dispatch, and Tick drains whatever that push produced before the next
// read.
func (s *NodeSupervisor) readLoop(addr ConnAddr, st network.Stream) {
	buf := make([]byte, 64*1024)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.dispatcher.Push(Action{Kind: ActionIncomingBytes, Addr: addr, Bytes: data})
			s.dispatcher.Tick()
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{"addr": addr, "err": err}).Warn("stream read ended")
			s.mu.Lock()
			delete(s.streams, addr)
			s.mu.Unlock()
			_ = st.Close()
			// State purge goes through the dispatcher so the connection
			// record is only ever mutated under its lock.
			s.dispatcher.Push(Action{Kind: ActionConnClosed, Addr: addr})
			s.dispatcher.Tick()
			return
		}
	}
}

// PeerManager exposes the discovery/connection surface wrapped around the
// underlying Node.
func (s *NodeSupervisor) PeerManager() PeerManager { return s.pm }

// Kademlia exposes the routing table for tests and the debug surface.
func (s *NodeSupervisor) Kademlia() *Kademlia { return s.kad }

// SendPing emits a session-control Ping on addr's session and records the
// opaque tag so the eventual pong can be validated against it.
func (s *NodeSupervisor) SendPing(addr ConnAddr, opaque int32) error {
	if err := s.Send(addr, Frame{StreamID: sessionControlStream, Kind: PingFrame(opaque)}); err != nil {
		return err
	}
	s.pings.Record(addr, opaque)
	return nil
}

// PingAll sends one keepalive Ping carrying opaque to every live session.
func (s *NodeSupervisor) PingAll(opaque int32) {
	s.mu.Lock()
	addrs := make([]ConnAddr, 0, len(s.streams))
	for addr := range s.streams {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()
	for _, addr := range addrs {
		if err := s.SendPing(addr, opaque); err != nil {
			logrus.WithFields(logrus.Fields{"addr": addr, "err": err}).Debug("keepalive ping failed")
		}
	}
}

// RefreshReadyPeers folds the transport's current peer table into both the
// Kademlia buckets and the ledger-sync coordinator's ready set, then ticks a
// PeersQuery so any outstanding addresses get fanned out immediately.
func (s *NodeSupervisor) RefreshReadyPeers() {
	peers := s.node.Peers()
	ready := make([]PeerID, 0, len(peers))
	for _, p := range peers {
		s.kad.AddPeer(p.ID)
		ready = append(ready, PeerID(p.ID))
	}
	s.dispatcher.state.Sync.ReadyPeers = ready
	s.dispatcher.Push(Action{Kind: ActionPeersQuery})
	s.dispatcher.Tick()
}

// StartSync attaches the sync collaborators and kicks the coordinator out of
// PhaseInit. The phase announcement is gossiped so peers can spot
// sync-capable partners.
func (s *NodeSupervisor) StartSync(tree LedgerTree, parts StagedLedgerFetcher, reconstr StagedLedgerReconstructor) {
	sync := s.dispatcher.state.Sync
	sync.Tree = tree
	sync.Parts = parts
	sync.Reconstr = reconstr
	s.RefreshReadyPeers()
	s.dispatcher.Push(Action{Kind: ActionLedgerSyncInit})
	s.dispatcher.Tick()
	if err := s.node.BroadcastSyncStatus(sync.Phase); err != nil {
		logrus.WithError(err).Debug("sync status broadcast failed")
	}
}

// routeDelivered hands application payloads that cleared flow control to
// their protocol handler. Today that is the Kademlia wire codec; payloads
// that don't decode as a DHT message are ignored here and left to the
// stream's negotiated application protocol.
func (s *NodeSupervisor) routeDelivered(addr ConnAddr, d DeliveredData) {
	msg, err := DecodeKadMessage(d.Data)
	if err != nil {
		return
	}
	if reply, ok := s.answerKad(msg); ok {
		// Invoked from inside an effect, so the dispatcher lock is already
		// held; enqueue through the effect-side push.
		s.dispatcher.push(Action{Kind: ActionEmitData, Addr: addr, StreamID: d.StreamID, Data: EncodeKadMessage(reply)})
	}
}

// answerKad serves the subset of DHT messages this node answers from local
// state: PUT_VALUE/GET_VALUE against the in-memory store, FIND_NODE from
// the routing buckets, PING with an empty echo.
func (s *NodeSupervisor) answerKad(msg KadMessage) (KadMessage, bool) {
	switch msg.Type {
	case KadPutValue:
		// Arbitrary stream bytes can decode as an all-default PUT_VALUE;
		// require an actual record before treating it as one.
		if msg.Record == nil {
			return KadMessage{}, false
		}
		s.kad.Store(string(msg.Record.Key), msg.Record.Value)
		return KadMessage{Type: KadPutValue, Key: msg.Key}, true
	case KadGetValue:
		reply := KadMessage{Type: KadGetValue, Key: msg.Key}
		if val, ok := s.kad.Lookup(string(msg.Key)); ok {
			reply.Record = &KadRecord{Key: msg.Key, Value: val}
		}
		return reply, true
	case KadFindNode:
		reply := KadMessage{Type: KadFindNode, Key: msg.Key}
		for _, id := range s.kad.Nearest(NodeID(msg.Key), 16) {
			reply.CloserPeers = append(reply.CloserPeers, KadPeer{ID: []byte(id), Connection: ConnCanConnect})
		}
		return reply, true
	case KadPing:
		return KadMessage{Type: KadPing}, true
	default:
		// ADD_PROVIDER/GET_PROVIDERS: provider records are out of scope;
		// decode-only per the external-interface contract.
		return KadMessage{}, false
	}
}

// depth is a small address-length proxy used only to keep SendQuery's
// correlation ID readably unique; LedgerAddr's real structure is opaque to
// this layer (§3, §4.4 non-goal).
func (a LedgerAddr) depth() int { return len(a) }
