package core

import (
	"github.com/sirupsen/logrus"

	lru "github.com/hashicorp/golang-lru/v2"
)

// pingKey identifies one in-flight ping by connection and opaque tag.
type pingKey struct {
	Addr   ConnAddr
	Opaque int32
}

// OutstandingPings resolves a design-note open question: rather than
// silently accepting any ACK'd Ping as a valid pong, track the opaque tags
// this node actually sent and validate pongs against them. Bounded with an
// LRU so a misbehaving or very chatty peer can't grow this table forever.
type OutstandingPings struct {
	cache *lru.Cache[pingKey, struct{}]
}

// NewOutstandingPings builds a table holding up to size in-flight pings.
func NewOutstandingPings(size int) (*OutstandingPings, error) {
	c, err := lru.New[pingKey, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &OutstandingPings{cache: c}, nil
}

// Record notes that addr was just sent a ping carrying opaque.
func (o *OutstandingPings) Record(addr ConnAddr, opaque int32) {
	o.cache.Add(pingKey{addr, opaque}, struct{}{})
}

// Validate reports whether opaque was actually outstanding for addr,
// consuming the entry if so. A false result means the pong is unsolicited.
func (o *OutstandingPings) Validate(addr ConnAddr, opaque int32) bool {
	key := pingKey{addr, opaque}
	if _, ok := o.cache.Get(key); !ok {
		return false
	}
	o.cache.Remove(key)
	return true
}

// validatePong logs and drops any pong whose opaque tag was never recorded
// as outstanding.
func validatePong(pings *OutstandingPings, addr ConnAddr, opaque int32) {
	if pings == nil {
		return
	}
	if !pings.Validate(addr, opaque) {
		logrus.WithFields(logrus.Fields{"addr": addr, "opaque": opaque}).
			Warn("yamux: unsolicited pong dropped")
	}
}
