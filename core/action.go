package core

import (
	"encoding/json"
	"sync"
	"time"
)

// ActionKind is the closed enumeration of every state transition this node
// knows how to perform. New variants are added here, never through an open
// dispatch table — that would complicate replay and determinism (design
// note, §9).
type ActionKind int

const (
	ActionIncomingBytes ActionKind = iota
	ActionIncomingFrame
	ActionEmitData
	ActionOpenStream
	ActionConnError
	ActionSessionTerminated
	ActionConnClosed

	ActionLedgerSyncInit
	ActionPeersQuery
	ActionPeerQueryInit
	ActionPeerQuerySent
	ActionPeerQuerySuccess
	ActionPeerQueryError
	ActionSnarkedLedgerSyncSuccess
	ActionStagedLedgerPartsFetchInit
	ActionStagedLedgerPartsFetchSuccess
	ActionStagedLedgerReconstructInit
	ActionStagedLedgerReconstructSuccess
	ActionLedgerSyncSuccess
)

// Action is a tagged record: a finite enumeration of parameterised
// transitions, each carrying a timestamp. Only the fields relevant to Kind
// are populated; this mirrors the flat, trivially-JSON-serialisable action
// log the record/replay tooling (§9) consumes.
type Action struct {
	Kind ActionKind
	At   time.Time

	Addr ConnAddr

	Bytes    []byte
	StreamID StreamID
	Data     []byte
	Flags    uint16

	ConnErr *ConnError

	Peer       PeerID
	LedgerAddr LedgerAddr
	RpcID      string
	Response   *RpcResponse
	QueryErr   error
}

// State is the single root state tree the dispatcher owns exclusively
// between actions (§5: no cross-thread shared mutable state inside the
// core).
type State struct {
	Connections map[ConnAddr]*ConnectionRecord
	Sync        *LedgerSyncState
}

// NewState builds an empty root state tree.
func NewState() *State {
	return &State{
		Connections: make(map[ConnAddr]*ConnectionRecord),
		Sync:        NewLedgerSyncState(),
	}
}

func (s *State) connection(addr ConnAddr) (*ConnectionRecord, bool) {
	c, ok := s.Connections[addr]
	return c, ok
}

// Transport is the narrow "Mio" interface the core consumes to push framed
// bytes to a connection. The core never polls sockets itself (§1 non-goal).
type Transport interface {
	Send(addr ConnAddr, frame Frame) error
}

// Clock is the narrow timestamp service used for action metadata and
// timeout arithmetic.
type Clock interface {
	Now() time.Time
}

// RpcSender is the narrow interface used to fan out ledger-sync RPC
// requests to peers over already-negotiated streams.
type RpcSender interface {
	SendQuery(peer PeerID, q LedgerQuery) (rpcID string, err error)
}

// Dispatcher is the single-threaded cooperative action loop: one state
// object, one queue, one pass at a time. No handler blocks; long work is
// delegated to external services and re-enters as a fresh action once it
// completes.
type Dispatcher struct {
	// mu serializes Dispatch/Tick across the per-connection read loops: the
	// state tree is owned exclusively by whichever caller holds it, so the
	// single-threaded cooperative model (§5) survives multiple transports
	// feeding one dispatcher.
	mu        sync.Mutex
	state     *State
	queue     []Action
	clock     Clock
	transport Transport
	rpc       RpcSender
	errors    *ErrorPolicy
	pings     *OutstandingPings
	metrics   *Metrics
	recorder  *json.Encoder

	// onDeliver, when set, receives application payloads that cleared flow
	// control; the supervisor uses it to route stream data to protocol
	// handlers (Kademlia, RPC) without the core knowing about them.
	onDeliver func(ConnAddr, DeliveredData)

	// perTickLimit bounds how many actions one Tick drains, so timer checks
	// upstream of the dispatcher never starve.
	perTickLimit int
}

// NewDispatcher wires a Dispatcher to its external-service collaborators.
func NewDispatcher(state *State, clock Clock, transport Transport, rpc RpcSender, errors *ErrorPolicy, pings *OutstandingPings) *Dispatcher {
	return &Dispatcher{
		state:        state,
		clock:        clock,
		transport:    transport,
		rpc:          rpc,
		errors:       errors,
		pings:        pings,
		perTickLimit: 1024,
	}
}

// OnDeliver sets the callback that receives application payloads after a
// Data frame clears flow control.
func (d *Dispatcher) OnDeliver(fn func(ConnAddr, DeliveredData)) { d.onDeliver = fn }

// WithMetrics attaches a Metrics sink the dispatcher reports frame/window/
// phase counters to; optional, so tests can build a Dispatcher without a
// registry.
func (d *Dispatcher) WithMetrics(m *Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Push enqueues an action for later dispatch, stamping it with the current
// time if the caller left At zero.
func (d *Dispatcher) Push(a Action) {
	if a.At.IsZero() {
		a.At = d.clock.Now()
	}
	d.mu.Lock()
	d.queue = append(d.queue, a)
	d.mu.Unlock()
}

// push is the effect-side enqueue: effects always run with mu already held,
// so they must not re-lock through Push.
func (d *Dispatcher) push(a Action) {
	if a.At.IsZero() {
		a.At = d.clock.Now()
	}
	d.queue = append(d.queue, a)
}

// State exposes the root state tree for read-only inspection (tests,
// observability). Mutation outside the dispatcher loop is not supported.
func (d *Dispatcher) State() *State { return d.state }

// Dispatch applies a single action: if its enabling condition doesn't hold
// against the current state, it is a silent no-op (returns false) — not an
// error. Otherwise the reducer applies structural changes and the effect
// function runs, possibly pushing follow-up actions.
func (d *Dispatcher) Dispatch(a Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchLocked(a)
}

func (d *Dispatcher) dispatchLocked(a Action) bool {
	if !enabled(d.state, a) {
		return false
	}
	reduce(d.state, a)
	effect(d, a)
	d.recordIfEnabled(a)
	return true
}

// Tick drains the queue in FIFO order, processing at most perTickLimit
// actions so one tick's latency stays bounded.
func (d *Dispatcher) Tick() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for n < d.perTickLimit && len(d.queue) > 0 {
		a := d.queue[0]
		d.queue = d.queue[1:]
		d.dispatchLocked(a)
		n++
	}
	return n
}

// enabled is the sole source of ordering safety: every action's
// precondition is checked here before any mutation happens.
func enabled(s *State, a Action) bool {
	switch a.Kind {
	case ActionIncomingBytes:
		_, ok := s.connection(a.Addr)
		return ok
	case ActionIncomingFrame:
		c, ok := s.connection(a.Addr)
		return ok && c.Mux != nil && c.Mux.Yamux != nil && c.Mux.Yamux.alive()
	case ActionEmitData, ActionOpenStream:
		// The auth gate: outbound application work silently drops until the
		// handshake has yielded the remote's identity.
		c, ok := s.connection(a.Addr)
		if !ok || c.Mux == nil || c.Mux.Yamux == nil || !c.Mux.Yamux.alive() {
			return false
		}
		_, authed := c.ResolvePeerID()
		return authed
	case ActionConnError, ActionSessionTerminated, ActionConnClosed:
		_, ok := s.connection(a.Addr)
		return ok
	default:
		return ledgerSyncEnabled(s, a)
	}
}

// reduce applies the structural change for a; it must never perform I/O.
func reduce(s *State, a Action) {
	switch a.Kind {
	case ActionIncomingBytes:
		reduceIncomingBytes(s, a)
	case ActionIncomingFrame:
		reduceIncomingFrame(s, a)
	case ActionEmitData:
		reduceEmitData(s, a)
	case ActionOpenStream:
		reduceOpenStream(s, a)
	case ActionConnError:
		// Connection errors carry no structural change of their own; the
		// scheduler effect below performs the teardown.
	case ActionSessionTerminated:
		// Terminal state already recorded on the YamuxSession by the frame
		// handling that triggered it.
	case ActionConnClosed:
		// The transport is already gone; enqueued outbound frames die with
		// the record.
		delete(s.Connections, a.Addr)
	default:
		reduceLedgerSync(s, a)
	}
}

// effect runs a's side effects against the new state, possibly pushing
// follow-up actions onto the dispatcher queue.
func effect(d *Dispatcher, a Action) {
	switch a.Kind {
	case ActionIncomingBytes:
		effectIncomingBytes(d, a)
	case ActionIncomingFrame:
		effectIncomingFrame(d, a)
	case ActionEmitData:
		effectEmitData(d, a)
	case ActionOpenStream:
		// Only the open-stream gauge is updated; no protocol negotiation is
		// started for the new stream and no further action is pushed.
		effectOpenStream(d, a)
	case ActionConnError:
		effectConnError(d, a)
	case ActionSessionTerminated:
		effectSessionTerminated(d, a)
	case ActionConnClosed:
		// No follow-up: the reducer removed the record and the supervisor
		// already closed the stream.
	default:
		effectLedgerSync(d, a)
	}
}
