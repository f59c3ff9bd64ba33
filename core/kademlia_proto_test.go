package core

import (
	"bytes"
	"testing"
)

func TestKadMessageRoundTrip(t *testing.T) {
	m := KadMessage{
		Type:            KadGetProviders,
		ClusterLevelRaw: 3,
		Key:             []byte("content-key"),
		Record: &KadRecord{
			Key:          []byte("content-key"),
			Value:        []byte("payload"),
			TimeReceived: "1970-01-01T00:00:00Z",
		},
		CloserPeers: []KadPeer{
			{ID: []byte("peer-1"), Addrs: [][]byte{[]byte("/ip4/1.2.3.4/tcp/9000")}, Connection: ConnConnected},
			{ID: []byte("peer-2"), Connection: ConnCanConnect},
		},
		ProviderPeers: []KadPeer{
			{ID: []byte("peer-3"), Addrs: [][]byte{[]byte("/ip4/5.6.7.8/tcp/9000"), []byte("/ip6/::1/tcp/9000")}},
		},
	}

	got, err := DecodeKadMessage(EncodeKadMessage(m))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != m.Type || got.ClusterLevelRaw != m.ClusterLevelRaw {
		t.Fatalf("scalar fields mismatched: %+v", got)
	}
	if !bytes.Equal(got.Key, m.Key) {
		t.Fatalf("key mismatch: %q", got.Key)
	}
	if got.Record == nil || got.Record.TimeReceived != m.Record.TimeReceived || !bytes.Equal(got.Record.Value, m.Record.Value) {
		t.Fatalf("record mismatch: %+v", got.Record)
	}
	if len(got.CloserPeers) != 2 || got.CloserPeers[0].Connection != ConnConnected {
		t.Fatalf("closerPeers mismatch: %+v", got.CloserPeers)
	}
	if len(got.ProviderPeers) != 1 || len(got.ProviderPeers[0].Addrs) != 2 {
		t.Fatalf("providerPeers mismatch: %+v", got.ProviderPeers)
	}
}

func TestKadMessageDefaultsOmittedOnWire(t *testing.T) {
	// Proto2 defaults: a zero-valued enum, zero clusterLevel, empty key and
	// empty repeateds produce an empty encoding.
	if b := EncodeKadMessage(KadMessage{Type: KadPutValue}); len(b) != 0 {
		t.Fatalf("all-default message should encode to nothing, got %d bytes", len(b))
	}
	// And a peer whose connection is NOT_CONNECTED omits that field.
	m := KadMessage{CloserPeers: []KadPeer{{ID: []byte("p"), Connection: ConnNotConnected}}}
	got, err := DecodeKadMessage(EncodeKadMessage(m))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CloserPeers[0].Connection != ConnNotConnected {
		t.Fatalf("connection should decode to the default, got %v", got.CloserPeers[0].Connection)
	}
}

func TestKadMessageSkipsUnknownFields(t *testing.T) {
	base := EncodeKadMessage(KadMessage{Type: KadFindNode, Key: []byte("k")})
	// Prepend an unknown varint field (number 15) to the message.
	unknown := append([]byte{0x78, 0x2a}, base...)
	got, err := DecodeKadMessage(unknown)
	if err != nil {
		t.Fatalf("unknown field should be skipped: %v", err)
	}
	if got.Type != KadFindNode || !bytes.Equal(got.Key, []byte("k")) {
		t.Fatalf("known fields lost around the unknown one: %+v", got)
	}
}

func TestKadMessageTruncatedIsError(t *testing.T) {
	full := EncodeKadMessage(KadMessage{Type: KadGetValue, Key: []byte("some-key")})
	if _, err := DecodeKadMessage(full[:len(full)-3]); err == nil {
		t.Fatal("truncated message should fail to decode")
	}
}
