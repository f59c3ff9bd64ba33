package core

import "testing"

func TestKademliaStoreLookup(t *testing.T) {
	k := NewKademlia("self")
	k.Store("alpha", []byte("one"))

	val, ok := k.Lookup("alpha")
	if !ok || string(val) != "one" {
		t.Fatalf("lookup failed: %q %v", val, ok)
	}
	if _, ok := k.Lookup("missing"); ok {
		t.Fatal("lookup of an absent key succeeded")
	}

	// The returned slice is a copy; mutating it must not poison the store.
	val[0] = 'X'
	again, _ := k.Lookup("alpha")
	if string(again) != "one" {
		t.Fatalf("store mutated through a lookup result: %q", again)
	}
}

func TestKademliaNearestExcludesSelfAndDedupes(t *testing.T) {
	k := NewKademlia("self")
	k.AddPeer("self") // ignored
	k.AddPeer("peer-a")
	k.AddPeer("peer-a") // duplicate ignored
	k.AddPeer("peer-b")
	k.AddPeer("peer-c")

	got := k.Nearest("peer-a", 2)
	if len(got) == 0 || len(got) > 2 {
		t.Fatalf("expected 1-2 peers, got %d", len(got))
	}
	found := false
	for _, id := range got {
		if id == "self" {
			t.Fatal("self must never appear in Nearest results")
		}
		if id == "peer-a" {
			found = true
		}
	}
	if !found {
		t.Fatal("the target itself, a known peer, should be among the nearest")
	}
}

func TestKademliaNearestPeerIDsBridge(t *testing.T) {
	k := NewKademlia("self")
	k.AddPeer("peer-a")
	ids := k.NearestPeerIDs("peer-a", 4)
	if len(ids) != 1 || ids[0] != PeerID("peer-a") {
		t.Fatalf("bridge mismatch: %v", ids)
	}
}
