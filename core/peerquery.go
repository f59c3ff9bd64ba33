package core

import "time"

// LedgerAddr is an opaque address into the snarked-ledger Merkle tree. The
// tree itself — hashing, depth, account encoding — is an external
// collaborator (§1 non-goal); this coordinator only tracks which addresses
// are outstanding and against which peers.
type LedgerAddr string

// LedgerSyncPhase is the monotonic phase of the ledger-sync state machine.
// Transitions only ever increase; regressing is only permitted by
// abandoning the run and restarting from PhaseInit.
type LedgerSyncPhase int

const (
	PhaseInit LedgerSyncPhase = iota
	PhaseSnarkedLedgerSyncPending
	PhaseSnarkedLedgerSyncSuccess
	PhaseStagedLedgerPartsFetchPending
	PhaseStagedLedgerPartsFetchSuccess
	PhaseStagedLedgerReconstructPending
	PhaseStagedLedgerReconstructSuccess
	PhaseSuccess
)

// RpcProgress is the state of one peer's attempt to answer one query.
type RpcProgress int

const (
	RpcInit RpcProgress = iota
	RpcPending
	RpcSuccess
	RpcError
)

// PeerAttempt is a single peer's progress against one outstanding query.
type PeerAttempt struct {
	Progress  RpcProgress
	RpcID     string
	StartedAt time.Time
}

// PendingQuery tracks every peer currently (or previously) queried for one
// ledger address.
type PendingQuery struct {
	Attempts map[PeerID]*PeerAttempt
}

// LedgerQueryKind selects which RPC shape to send for a given address,
// chosen by tree depth: leaves want account contents, internal nodes want
// child hashes.
type LedgerQueryKind int

const (
	QueryWhatContents LedgerQueryKind = iota
	QueryWhatChildHashes
)

// LedgerQuery is the request shape dispatched to a peer's RPC channel.
type LedgerQuery struct {
	Kind LedgerQueryKind
	Addr LedgerAddr
}

// RpcResponse is the narrow response shape the ledger tree consumes.
type RpcResponse struct {
	ChildHashes [][32]byte
	Accounts    [][]byte
}

// LedgerTree is the external collaborator holding the actual snarked-ledger
// Merkle structure; this coordinator only drives it through this narrow
// seam (§1 non-goal: the accounts ledger and its SNARK verification are
// out of scope).
type LedgerTree interface {
	// NextAddr returns the next address needing sync and consumes it from
	// the frontier; ok is false once the frontier is exhausted.
	NextAddr() (addr LedgerAddr, ok bool)
	Depth(addr LedgerAddr) int
	ApplyChildHashes(addr LedgerAddr, hashes [][32]byte)
	ApplyAccounts(addr LedgerAddr, accounts [][]byte)
	Done() bool
}

// StagedLedgerFetcher and StagedLedgerReconstructor are the remaining two
// phases' external collaborators; their internals (part transfer encoding,
// scan-state replay) are out of scope (§1) and are driven only through
// Start/Done.
type StagedLedgerFetcher interface {
	Start()
	Done() bool
}

type StagedLedgerReconstructor interface {
	Start()
	Done() bool
}

// LedgerSyncState is the ledger-sync peer-query coordinator's state.
type LedgerSyncState struct {
	Phase      LedgerSyncPhase
	Tree       LedgerTree
	Parts      StagedLedgerFetcher
	Reconstr   StagedLedgerReconstructor
	Pending    map[LedgerAddr]*PendingQuery
	ReadyPeers []PeerID // peers whose RPC channel can currently accept a request
}

// NewLedgerSyncState builds an idle coordinator; Tree/Parts/Reconstr are
// wired in by the Node Supervisor once sync actually begins.
func NewLedgerSyncState() *LedgerSyncState {
	return &LedgerSyncState{Pending: make(map[LedgerAddr]*PendingQuery)}
}

func (ls *LedgerSyncState) findPendingAttempt(peer PeerID, rpcID string) (LedgerAddr, *PeerAttempt, bool) {
	for addr, pq := range ls.Pending {
		if att, ok := pq.Attempts[peer]; ok && att.RpcID == rpcID {
			return addr, att, true
		}
	}
	return "", nil, false
}

// ledgerSyncEnabled implements the enabling conditions for every
// ledger-sync action kind (§4.5, §8 invariant 4).
func ledgerSyncEnabled(s *State, a Action) bool {
	ls := s.Sync
	switch a.Kind {
	case ActionLedgerSyncInit:
		return ls.Phase == PhaseInit && ls.Tree != nil
	case ActionPeersQuery:
		return ls.Phase == PhaseSnarkedLedgerSyncPending && ls.Tree != nil
	case ActionPeerQueryInit:
		// Re-check peer readiness and prevent spurious duplicates at boot:
		// either this is the first attempt for the address (no pending
		// entry yet) or an existing attempt is not already in-flight or
		// complete.
		if !peerReady(ls, a.Peer) {
			return false
		}
		pq, ok := ls.Pending[a.LedgerAddr]
		if !ok {
			return true
		}
		att, exists := pq.Attempts[a.Peer]
		return !exists || att.Progress == RpcInit || att.Progress == RpcError
	case ActionPeerQuerySent:
		pq, ok := ls.Pending[a.LedgerAddr]
		if !ok {
			return false
		}
		att, ok := pq.Attempts[a.Peer]
		return ok && att.Progress == RpcInit
	case ActionPeerQuerySuccess:
		_, att, ok := ls.findPendingAttempt(a.Peer, a.RpcID)
		return ok && att.Progress == RpcPending
	case ActionPeerQueryError:
		pq, ok := ls.Pending[a.LedgerAddr]
		if !ok {
			return false
		}
		att, ok := pq.Attempts[a.Peer]
		// RpcInit is included so a failed request-send (error before the
		// attempt ever went Pending) is still recordable.
		return ok && (att.Progress == RpcPending || att.Progress == RpcInit)
	case ActionSnarkedLedgerSyncSuccess:
		return ls.Phase == PhaseSnarkedLedgerSyncPending && ls.Tree != nil && ls.Tree.Done() && len(ls.Pending) == 0
	case ActionStagedLedgerPartsFetchInit:
		return ls.Phase == PhaseSnarkedLedgerSyncSuccess
	case ActionStagedLedgerPartsFetchSuccess:
		return ls.Phase == PhaseStagedLedgerPartsFetchPending && ls.Parts != nil && ls.Parts.Done()
	case ActionStagedLedgerReconstructInit:
		return ls.Phase == PhaseStagedLedgerPartsFetchSuccess
	case ActionStagedLedgerReconstructSuccess:
		return ls.Phase == PhaseStagedLedgerReconstructPending && ls.Reconstr != nil && ls.Reconstr.Done()
	case ActionLedgerSyncSuccess:
		return ls.Phase == PhaseStagedLedgerReconstructSuccess
	default:
		return false
	}
}

func peerReady(ls *LedgerSyncState, peer PeerID) bool {
	for _, p := range ls.ReadyPeers {
		if p == peer {
			return true
		}
	}
	return false
}

func reduceLedgerSync(s *State, a Action) {
	ls := s.Sync
	switch a.Kind {
	case ActionLedgerSyncInit:
		advancePhase(ls, PhaseSnarkedLedgerSyncPending)
	case ActionPeerQueryInit:
		pq, ok := ls.Pending[a.LedgerAddr]
		if !ok {
			pq = &PendingQuery{Attempts: make(map[PeerID]*PeerAttempt)}
			ls.Pending[a.LedgerAddr] = pq
		}
		pq.Attempts[a.Peer] = &PeerAttempt{Progress: RpcInit}
	case ActionPeerQuerySent:
		pq := ls.Pending[a.LedgerAddr]
		if pq == nil {
			return
		}
		if att := pq.Attempts[a.Peer]; att != nil {
			att.Progress = RpcPending
			att.RpcID = a.RpcID
			att.StartedAt = a.At
		}
	case ActionPeerQuerySuccess:
		addr, att, ok := ls.findPendingAttempt(a.Peer, a.RpcID)
		if !ok {
			return
		}
		att.Progress = RpcSuccess
		if a.Response != nil {
			if ls.Tree.Depth(addr) > 0 {
				ls.Tree.ApplyChildHashes(addr, a.Response.ChildHashes)
			} else {
				ls.Tree.ApplyAccounts(addr, a.Response.Accounts)
			}
		}
		delete(ls.Pending, addr)
	case ActionPeerQueryError:
		pq := ls.Pending[a.LedgerAddr]
		if pq == nil {
			return
		}
		att := pq.Attempts[a.Peer]
		if att == nil {
			return
		}
		att.Progress = RpcError
		// The address itself remains pending (retryable against another
		// peer); only this attempt is marked failed.
	case ActionSnarkedLedgerSyncSuccess:
		advancePhase(ls, PhaseSnarkedLedgerSyncSuccess)
	case ActionStagedLedgerPartsFetchInit:
		advancePhase(ls, PhaseStagedLedgerPartsFetchPending)
	case ActionStagedLedgerPartsFetchSuccess:
		advancePhase(ls, PhaseStagedLedgerPartsFetchSuccess)
	case ActionStagedLedgerReconstructInit:
		advancePhase(ls, PhaseStagedLedgerReconstructPending)
	case ActionStagedLedgerReconstructSuccess:
		advancePhase(ls, PhaseStagedLedgerReconstructSuccess)
	case ActionLedgerSyncSuccess:
		advancePhase(ls, PhaseSuccess)
	}
}

// advancePhase enforces §8 invariant 5: the phase index never regresses
// within a single sync run.
func advancePhase(ls *LedgerSyncState, next LedgerSyncPhase) {
	if next > ls.Phase {
		ls.Phase = next
	}
}

func effectLedgerSync(d *Dispatcher, a Action) {
	ls := d.state.Sync
	if d.metrics != nil {
		d.metrics.LedgerPhase.Set(float64(ls.Phase))
	}
	switch a.Kind {
	case ActionLedgerSyncInit:
		d.push(Action{Kind: ActionPeersQuery})
	case ActionPeersQuery:
		for _, peer := range ls.ReadyPeers {
			addr, ok := ls.Tree.NextAddr()
			if !ok {
				break
			}
			d.push(Action{Kind: ActionPeerQueryInit, Peer: peer, LedgerAddr: addr})
		}
	case ActionPeerQueryInit:
		kind := QueryWhatChildHashes
		if ls.Tree.Depth(a.LedgerAddr) == 0 {
			kind = QueryWhatContents
		}
		rpcID, err := d.rpc.SendQuery(a.Peer, LedgerQuery{Kind: kind, Addr: a.LedgerAddr})
		if err != nil {
			d.push(Action{Kind: ActionPeerQueryError, Peer: a.Peer, LedgerAddr: a.LedgerAddr, QueryErr: err})
			return
		}
		d.push(Action{Kind: ActionPeerQuerySent, Peer: a.Peer, LedgerAddr: a.LedgerAddr, RpcID: rpcID})
	case ActionPeerQuerySuccess:
		if ls.Tree.Done() && len(ls.Pending) == 0 {
			d.push(Action{Kind: ActionSnarkedLedgerSyncSuccess})
		} else {
			d.push(Action{Kind: ActionPeersQuery})
		}
	case ActionPeerQueryError:
		// Retryable: a later PeersQuery tick will hand this address to a
		// different ready peer.
	case ActionSnarkedLedgerSyncSuccess:
		d.push(Action{Kind: ActionStagedLedgerPartsFetchInit})
	case ActionStagedLedgerPartsFetchInit:
		if ls.Parts != nil {
			ls.Parts.Start()
		}
	case ActionStagedLedgerPartsFetchSuccess:
		d.push(Action{Kind: ActionStagedLedgerReconstructInit})
	case ActionStagedLedgerReconstructInit:
		if ls.Reconstr != nil {
			ls.Reconstr.Start()
		}
	case ActionStagedLedgerReconstructSuccess:
		d.push(Action{Kind: ActionLedgerSyncSuccess})
	}
}
