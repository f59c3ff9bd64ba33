package core

import (
	"errors"
	"testing"
)

// fakeTree is an in-memory frontier of addresses with fixed depths (depth 0
// is a leaf, anything greater an internal node).
type fakeTree struct {
	frontier []LedgerAddr
	depths   map[LedgerAddr]int
	hashes   map[LedgerAddr][][32]byte
	accounts map[LedgerAddr][][]byte
}

func newFakeTree(order []LedgerAddr, depths map[LedgerAddr]int) *fakeTree {
	return &fakeTree{
		frontier: order,
		depths:   depths,
		hashes:   make(map[LedgerAddr][][32]byte),
		accounts: make(map[LedgerAddr][][]byte),
	}
}

func (f *fakeTree) NextAddr() (LedgerAddr, bool) {
	if len(f.frontier) == 0 {
		return "", false
	}
	a := f.frontier[0]
	f.frontier = f.frontier[1:]
	return a, true
}

func (f *fakeTree) reoffer(a LedgerAddr) { f.frontier = append(f.frontier, a) }

func (f *fakeTree) Depth(a LedgerAddr) int { return f.depths[a] }

func (f *fakeTree) ApplyChildHashes(a LedgerAddr, h [][32]byte) { f.hashes[a] = h }

func (f *fakeTree) ApplyAccounts(a LedgerAddr, acc [][]byte) { f.accounts[a] = acc }

func (f *fakeTree) Done() bool {
	return len(f.frontier) == 0 && len(f.hashes)+len(f.accounts) == len(f.depths)
}

type donePhase struct{ started bool }

func (p *donePhase) Start()     { p.started = true }
func (p *donePhase) Done() bool { return p.started }

func TestLedgerSyncHappyPath(t *testing.T) {
	d, _, _, rpc := newTestDispatcher(t)
	tree := newFakeTree([]LedgerAddr{"root"}, map[LedgerAddr]int{"root": 1})
	parts := &donePhase{}
	reconstr := &donePhase{}

	sync := d.state.Sync
	sync.Tree = tree
	sync.Parts = parts
	sync.Reconstr = reconstr
	sync.ReadyPeers = []PeerID{"peerA"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	if sync.Phase != PhaseSnarkedLedgerSyncPending {
		t.Fatalf("phase after init: %v", sync.Phase)
	}
	if len(rpc.queries) != 1 || rpc.queries[0].Kind != QueryWhatChildHashes {
		t.Fatalf("internal node should be queried for child hashes, got %+v", rpc.queries)
	}
	att := sync.Pending["root"].Attempts["peerA"]
	if att == nil || att.Progress != RpcPending {
		t.Fatalf("attempt not pending: %+v", att)
	}

	ok := d.Dispatch(Action{
		Kind: ActionPeerQuerySuccess, Peer: "peerA", RpcID: att.RpcID,
		Response: &RpcResponse{ChildHashes: [][32]byte{{1}, {2}}},
	})
	if !ok {
		t.Fatal("matching success should be enabled")
	}
	d.Tick()

	// The snarked phase completes and the parts fetch is kicked off; its
	// completion re-enters as an action, as does the reconstruction's.
	if sync.Phase != PhaseStagedLedgerPartsFetchPending {
		t.Fatalf("expected parts fetch pending, got %v", sync.Phase)
	}
	if !parts.started {
		t.Fatal("parts fetch never started")
	}
	d.Push(Action{Kind: ActionStagedLedgerPartsFetchSuccess})
	d.Tick()
	if sync.Phase != PhaseStagedLedgerReconstructPending || !reconstr.started {
		t.Fatalf("expected reconstruction pending and started, got %v", sync.Phase)
	}
	d.Push(Action{Kind: ActionStagedLedgerReconstructSuccess})
	d.Tick()

	if sync.Phase != PhaseSuccess {
		t.Fatalf("expected full phase chain to PhaseSuccess, got %v", sync.Phase)
	}
	if len(tree.hashes["root"]) != 2 {
		t.Fatal("child hashes not applied to the tree")
	}
}

func TestLeafQueriesAskForContents(t *testing.T) {
	d, _, _, rpc := newTestDispatcher(t)
	tree := newFakeTree([]LedgerAddr{"leaf"}, map[LedgerAddr]int{"leaf": 0})
	sync := d.state.Sync
	sync.Tree = tree
	sync.ReadyPeers = []PeerID{"peerA"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	if len(rpc.queries) != 1 || rpc.queries[0].Kind != QueryWhatContents {
		t.Fatalf("leaf should be queried for contents, got %+v", rpc.queries)
	}
}

func TestDuplicateSuccessIsNoop(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	tree := newFakeTree([]LedgerAddr{"leaf", "leaf2"}, map[LedgerAddr]int{"leaf": 0, "leaf2": 0})
	sync := d.state.Sync
	sync.Tree = tree
	sync.ReadyPeers = []PeerID{"peerA"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	att := sync.Pending["leaf"].Attempts["peerA"]
	success := Action{
		Kind: ActionPeerQuerySuccess, Peer: "peerA", RpcID: att.RpcID,
		Response: &RpcResponse{Accounts: [][]byte{[]byte("acct")}},
	}
	if !d.Dispatch(success) {
		t.Fatal("first success should apply")
	}
	if d.Dispatch(success) {
		t.Fatal("second identical success must be rejected by its enabling condition")
	}
	if len(tree.accounts["leaf"]) != 1 {
		t.Fatal("response applied other than exactly once")
	}
}

func TestQueryErrorIsRetriedAgainstAnotherPeer(t *testing.T) {
	d, _, _, rpc := newTestDispatcher(t)
	tree := newFakeTree([]LedgerAddr{"addr-x"}, map[LedgerAddr]int{"addr-x": 0})
	sync := d.state.Sync
	sync.Tree = tree
	sync.ReadyPeers = []PeerID{"peerA"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	att := sync.Pending["addr-x"].Attempts["peerA"]
	if !d.Dispatch(Action{Kind: ActionPeerQueryError, Peer: "peerA", LedgerAddr: "addr-x", QueryErr: errors.New("timeout")}) {
		t.Fatal("error on a pending attempt should be enabled")
	}
	if att.Progress != RpcError {
		t.Fatalf("attempt not marked Error: %v", att.Progress)
	}
	if _, ok := sync.Pending["addr-x"]; !ok {
		t.Fatal("the address itself must remain pending")
	}

	// Next tick with a different ready peer re-queries the same address.
	tree.reoffer("addr-x")
	sync.ReadyPeers = []PeerID{"peerB"}
	d.Push(Action{Kind: ActionPeersQuery})
	d.Tick()

	if len(rpc.peers) != 2 || rpc.peers[1] != "peerB" {
		t.Fatalf("expected retry against peerB, got %v", rpc.peers)
	}
	if sync.Pending["addr-x"].Attempts["peerB"].Progress != RpcPending {
		t.Fatal("peerB attempt not pending")
	}
}

func TestFailedSendIsRecordedAsError(t *testing.T) {
	d, _, _, rpc := newTestDispatcher(t)
	rpc.err = errors.New("no route")
	tree := newFakeTree([]LedgerAddr{"addr-y"}, map[LedgerAddr]int{"addr-y": 0})
	sync := d.state.Sync
	sync.Tree = tree
	sync.ReadyPeers = []PeerID{"peerA"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	att := sync.Pending["addr-y"].Attempts["peerA"]
	if att == nil || att.Progress != RpcError {
		t.Fatalf("send failure should mark the attempt Error, got %+v", att)
	}
}

func TestPhaseNeverRegresses(t *testing.T) {
	ls := NewLedgerSyncState()
	advancePhase(ls, PhaseStagedLedgerPartsFetchPending)
	advancePhase(ls, PhaseSnarkedLedgerSyncPending)
	if ls.Phase != PhaseStagedLedgerPartsFetchPending {
		t.Fatalf("phase regressed to %v", ls.Phase)
	}
}

func TestSyncActionsDisabledBeforeInit(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	d.state.Sync.Tree = newFakeTree([]LedgerAddr{"a"}, map[LedgerAddr]int{"a": 0})

	if d.Dispatch(Action{Kind: ActionPeersQuery}) {
		t.Fatal("PeersQuery must be disabled in PhaseInit")
	}
	if d.Dispatch(Action{Kind: ActionStagedLedgerPartsFetchInit}) {
		t.Fatal("staged fetch must wait for the snarked phase to finish")
	}
}

func TestPeersQueryFansOutAcrossReadyPeers(t *testing.T) {
	d, _, _, rpc := newTestDispatcher(t)
	tree := newFakeTree([]LedgerAddr{"a1", "a2", "a3"}, map[LedgerAddr]int{"a1": 0, "a2": 0, "a3": 0})
	sync := d.state.Sync
	sync.Tree = tree
	sync.ReadyPeers = []PeerID{"peerA", "peerB"}

	d.Push(Action{Kind: ActionLedgerSyncInit})
	d.Tick()

	// Two ready peers, three addresses: the first tick hands one address to
	// each peer; the third stays in the frontier for a later tick.
	if len(rpc.queries) != 2 {
		t.Fatalf("expected one query per ready peer, got %d", len(rpc.queries))
	}
	if len(tree.frontier) != 1 {
		t.Fatalf("one address should remain queued, got %d", len(tree.frontier))
	}
}
