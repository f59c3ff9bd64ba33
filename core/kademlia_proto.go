package core

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// KadMessageType enumerates the Kademlia DHT message kinds this node can
// decode (§6). The full DHT protocol driving these — iterative lookups,
// provider advertisement — is out of scope (§1); only the wire shape is
// implemented here.
type KadMessageType int32

const (
	KadPutValue KadMessageType = iota
	KadGetValue
	KadAddProvider
	KadGetProviders
	KadFindNode
	KadPing
)

// KadConnection mirrors the libp2p Peer.connection enum.
type KadConnection int32

const (
	ConnNotConnected KadConnection = iota
	ConnConnected
	ConnCanConnect
	ConnCannotConnect
)

// KadRecord is the DHT value record (§6).
type KadRecord struct {
	Key          []byte
	Value        []byte
	TimeReceived string
}

// KadPeer is one peer entry in a closer/provider peers list (§6).
type KadPeer struct {
	ID         []byte
	Addrs      [][]byte
	Connection KadConnection
}

// KadMessage is the decoded Kademlia DHT message (§6).
type KadMessage struct {
	Type            KadMessageType
	ClusterLevelRaw int32
	Key             []byte
	Record          *KadRecord
	CloserPeers     []KadPeer
	ProviderPeers   []KadPeer
}

// Field numbers match the wire layout this family of DHT implementations
// uses, so a real libp2p-kad-dht peer can decode these messages unmodified.
const (
	fieldMsgType          = 1
	fieldMsgKey           = 2
	fieldMsgRecord        = 3
	fieldMsgCloserPeers   = 8
	fieldMsgProviderPeers = 9
	fieldMsgClusterLevel  = 10

	fieldPeerID         = 1
	fieldPeerAddrs      = 2
	fieldPeerConnection = 3

	fieldRecordKey          = 1
	fieldRecordValue        = 2
	fieldRecordTimeReceived = 5
)

// EncodeKadMessage serializes m deterministically. Proto2 semantics: a
// zero-valued enum/int and empty repeated fields are omitted entirely
// rather than written as explicit zero/empty entries.
func EncodeKadMessage(m KadMessage) []byte {
	var b []byte
	if m.Type != KadPutValue {
		b = protowire.AppendTag(b, fieldMsgType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldMsgKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, fieldMsgRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKadRecord(*m.Record))
	}
	for _, p := range m.CloserPeers {
		b = protowire.AppendTag(b, fieldMsgCloserPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKadPeer(p))
	}
	for _, p := range m.ProviderPeers {
		b = protowire.AppendTag(b, fieldMsgProviderPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKadPeer(p))
	}
	if m.ClusterLevelRaw != 0 {
		b = protowire.AppendTag(b, fieldMsgClusterLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ClusterLevelRaw)))
	}
	return b
}

func encodeKadRecord(r KadRecord) []byte {
	var b []byte
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldRecordKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRecordValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.TimeReceived != "" {
		b = protowire.AppendTag(b, fieldRecordTimeReceived, protowire.BytesType)
		b = protowire.AppendString(b, r.TimeReceived)
	}
	return b
}

func encodeKadPeer(p KadPeer) []byte {
	var b []byte
	if len(p.ID) > 0 {
		b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
		b = protowire.AppendBytes(b, p.ID)
	}
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, fieldPeerAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if p.Connection != ConnNotConnected {
		b = protowire.AppendTag(b, fieldPeerConnection, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Connection))
	}
	return b
}

// DecodeKadMessage parses a wire-format Kademlia DHT message. Unknown
// fields are skipped, matching proto2's forward-compatibility rule.
func DecodeKadMessage(buf []byte) (KadMessage, error) {
	var m KadMessage
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return m, fmt.Errorf("kad message: bad tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case fieldMsgType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad type varint")
			}
			m.Type = KadMessageType(v)
			buf = buf[n:]
		case fieldMsgClusterLevel:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad clusterLevel varint")
			}
			m.ClusterLevelRaw = int32(v)
			buf = buf[n:]
		case fieldMsgKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad key bytes")
			}
			m.Key = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldMsgRecord:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad record bytes")
			}
			rec, err := decodeKadRecord(v)
			if err != nil {
				return m, err
			}
			m.Record = &rec
			buf = buf[n:]
		case fieldMsgCloserPeers:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad closerPeers bytes")
			}
			p, err := decodeKadPeer(v)
			if err != nil {
				return m, err
			}
			m.CloserPeers = append(m.CloserPeers, p)
			buf = buf[n:]
		case fieldMsgProviderPeers:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad providerPeers bytes")
			}
			p, err := decodeKadPeer(v)
			if err != nil {
				return m, err
			}
			m.ProviderPeers = append(m.ProviderPeers, p)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return m, fmt.Errorf("kad message: bad unknown field %d", num)
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func decodeKadRecord(buf []byte) (KadRecord, error) {
	var r KadRecord
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, fmt.Errorf("kad record: bad tag")
		}
		buf = buf[n:]
		switch num {
		case fieldRecordKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return r, fmt.Errorf("kad record: bad key")
			}
			r.Key = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldRecordValue:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return r, fmt.Errorf("kad record: bad value")
			}
			r.Value = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldRecordTimeReceived:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return r, fmt.Errorf("kad record: bad timeReceived")
			}
			r.TimeReceived = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return r, fmt.Errorf("kad record: bad unknown field %d", num)
			}
			buf = buf[n:]
		}
	}
	return r, nil
}

func decodeKadPeer(buf []byte) (KadPeer, error) {
	var p KadPeer
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return p, fmt.Errorf("kad peer: bad tag")
		}
		buf = buf[n:]
		switch num {
		case fieldPeerID:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, fmt.Errorf("kad peer: bad id")
			}
			p.ID = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldPeerAddrs:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, fmt.Errorf("kad peer: bad addr")
			}
			p.Addrs = append(p.Addrs, append([]byte(nil), v...))
			buf = buf[n:]
		case fieldPeerConnection:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return p, fmt.Errorf("kad peer: bad connection")
			}
			p.Connection = KadConnection(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return p, fmt.Errorf("kad peer: bad unknown field %d", num)
			}
			buf = buf[n:]
		}
	}
	return p, nil
}
