package kbucket

import (
	"time"

	"github.com/kadcore/dht/peer"
)

// PeerInfo is a contact as the routing table sees it: liveness bookkeeping
// only. Addresses live in the external AddressBook (spec §3's Contact).
type PeerInfo struct {
	ID         peer.ID
	LastSeen   time.Time
	FailCount  int
	Reachable  bool // true once at least one successful contact has occurred
}

// bucket is an LRU-ordered list of up to capacity peers, most-recently-seen
// at the front, mirroring the front-insert/back-evict discipline of
// teacher's neighbourhood (hlandau-dht/neighbourhood.go's boundary-node
// replacement), generalized from "one 8-peer neighbourhood" to "one bucket
// per common-prefix-length".
type bucket struct {
	capacity int
	peers    []*PeerInfo // index 0 = most recently seen
}

func newBucket(capacity int) *bucket {
	return &bucket{capacity: capacity}
}

func (b *bucket) find(id peer.ID) (*PeerInfo, int) {
	for i, p := range b.peers {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}

// moveFront promotes the peer at index i to the front (most-recently-seen).
func (b *bucket) moveFront(i int) {
	if i <= 0 {
		return
	}
	p := b.peers[i]
	copy(b.peers[1:i+1], b.peers[0:i])
	b.peers[0] = p
}

func (b *bucket) removeAt(i int) {
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
}

// full reports whether the bucket has no room left for a brand new peer.
func (b *bucket) full() bool {
	return len(b.peers) >= b.capacity
}

// tail returns the least-recently-seen peer, the eviction candidate.
func (b *bucket) tail() *PeerInfo {
	if len(b.peers) == 0 {
		return nil
	}
	return b.peers[len(b.peers)-1]
}
