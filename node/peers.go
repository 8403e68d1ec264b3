package node

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

// OfflineTimeout is how long a peer stays known after its last heartbeat.
const OfflineTimeout = 3 * time.Second

// maxPeers covers every assignable node id.
const maxPeers = int(message.NodeIDMax) + 1

// Peer is a node seen on the bus.
type Peer struct {
	ID        message.NodeID `json:"id"`
	Addr      string         `json:"addr"`
	Status    Status         `json:"status"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}

// PeerTable is safe for concurrent use.
type PeerTable struct {
	self      func() message.NodeID
	cache     *expirable.LRU[message.NodeID, Peer]
	conflicts atomic.Uint64
}

// NewPeerTable returns a table that expires peers after ttl (OfflineTimeout
// when ttl is zero). self reports the local node id.
func NewPeerTable(self func() message.NodeID, ttl time.Duration) *PeerTable {
	if ttl <= 0 {
		ttl = OfflineTimeout
	}
	return &PeerTable{
		self:  self,
		cache: expirable.NewLRU[message.NodeID, Peer](maxPeers, nil, ttl),
	}
}

// Observe records a heartbeat from id at addr. A heartbeat carrying the local
// node id returns ErrNodeIDConflict and is not recorded.
func (p *PeerTable) Observe(id message.NodeID, addr string, st Status) error {
	if !id.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: node id %s", errors.ErrInvalidParameter, id),
			"node", "Observe", "validate peer id")
	}
	if p.self != nil && p.self() == id {
		p.conflicts.Add(1)
		return errors.WrapKind(errors.KindNodeIDConflict, nil, "node", "Observe",
			fmt.Sprintf("heartbeat for node %s from %s", id, addr))
	}

	now := time.Now()
	peer := Peer{ID: id, Addr: addr, Status: st, FirstSeen: now, LastSeen: now}
	if prev, ok := p.cache.Peek(id); ok && prev.Addr == addr {
		peer.FirstSeen = prev.FirstSeen
	}
	p.cache.Add(id, peer)
	return nil
}

// Get returns the peer with id if it is still online.
func (p *PeerTable) Get(id message.NodeID) (Peer, bool) {
	return p.cache.Get(id)
}

// Contains reports whether id is online.
func (p *PeerTable) Contains(id message.NodeID) bool {
	return p.cache.Contains(id)
}

// Len returns the number of online peers.
func (p *PeerTable) Len() int {
	return p.cache.Len()
}

// Peers returns the online peers ordered by id.
func (p *PeerTable) Peers() []Peer {
	peers := p.cache.Values()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// IDs returns the online node ids. The allocator excludes them.
func (p *PeerTable) IDs() []message.NodeID {
	ids := p.cache.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Conflicts returns how many heartbeats claimed the local id.
func (p *PeerTable) Conflicts() uint64 {
	return p.conflicts.Load()
}

// Purge forgets every peer.
func (p *PeerTable) Purge() {
	p.cache.Purge()
}
