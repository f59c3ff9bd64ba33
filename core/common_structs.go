package core

// common_structs.go – centralised struct definitions shared by the transport
// substrate (network.go, peer_management.go) and the supervisor. This file
// declares only data structures and narrow interfaces, no behaviour.

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

// NodeID is the textual libp2p peer identity used as the key in peer tables
// and Kademlia buckets.
type NodeID string

// Peer is one known remote node: its identity, dialable multiaddress and the
// last measured round-trip latency.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
}

// PeerInfo is the read-only view of a peer handed to callers of
// PeerManager.Peers.
type PeerInfo struct {
	ID      NodeID  `json:"id"`
	Addr    string  `json:"addr"`
	RTT     float64 `json:"rtt_ms"`
	Updated int64   `json:"updated"`
}

// Message is a pubsub message delivered to a topic subscriber.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// InboundMsg is a protocol-level message received from a peer, either over a
// direct stream or a pubsub topic.
type InboundMsg struct {
	PeerID  string `json:"peer_id"`
	Code    byte   `json:"code"`
	Payload []byte `json:"payload"`
	Topic   string `json:"topic,omitempty"`
	Ts      int64  `json:"ts"`
}

// Config carries the transport-level settings NewNode needs to come up.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node owns the libp2p host, the GossipSub router and the peer table. It is
// the transport substrate the NodeSupervisor drives; all protocol state
// lives in the dispatcher's State tree, never here.
type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
}

// PeerManager is the discovery/connection surface PeerManagement exposes to
// higher layers.
type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	AdvertiseSelf(topic string) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
	SendAsync(peerID, proto string, code byte, payload []byte) error
}
