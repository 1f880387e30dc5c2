// Package kbucket implements the XOR-distance k-bucket routing table: spec
// §4.B. It is grounded on hlandau-dht's routingtable.go/util-routingtree.go
// (table owns a tree/bucket set, outward traversal returns the closest N)
// and neighbourhood.go's liveness-driven eviction, generalized from a
// single flat 8-peer neighbourhood to one bucket per common-prefix-length
// with splitting of the bucket that covers our own ID, per spec.
package kbucket

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hlandau/goutils/clock"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
)

// DefaultBucketSize is Kademlia's k parameter.
const DefaultBucketSize = 20

// DefaultFailureThreshold is the number of consecutive RPC failures after
// which an unresponsive contact is evicted.
const DefaultFailureThreshold = 3

// EventKind distinguishes the two events the table emits.
type EventKind int

const (
	// PeerAdded is emitted when a peer is newly inserted into the table.
	PeerAdded EventKind = iota
	// PeerRemoved is emitted when a peer is evicted or explicitly removed.
	PeerRemoved
)

// Event is delivered on the table's event stream when a contact is added
// or removed, so the facade (dht.DHT) can react (e.g. cancel in-flight
// work targeting a removed peer).
type Event struct {
	Kind EventKind
	Peer peer.ID
}

// Table is the k-bucket routing table keyed by the owner's own ID.
type Table struct {
	mu sync.RWMutex

	self     kad.ID
	selfPeer peer.ID
	k        int
	failThr  int
	clk      clock.Clock

	// buckets[i] holds peers whose common-prefix-length with self is
	// exactly i, for i < len(buckets)-1. The last bucket holds every peer
	// with cpl >= len(buckets)-1; it is the only bucket that ever splits,
	// since it is the one that (possibly) contains our own ID's region of
	// the key space.
	buckets []*bucket
	ids     map[peer.ID]kad.ID // cached KadID per peer, avoids re-hashing

	events chan Event
}

// Option configures a new Table.
type Option func(*Table)

// WithBucketSize overrides the default bucket size (k).
func WithBucketSize(k int) Option {
	return func(t *Table) { t.k = k }
}

// WithFailureThreshold overrides the default consecutive-failure eviction
// threshold.
func WithFailureThreshold(n int) Option {
	return func(t *Table) { t.failThr = n }
}

// WithClock injects a clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clk = c }
}

// New creates a routing table for a node whose own peer ID is selfPeer.
func New(selfPeer peer.ID, opts ...Option) *Table {
	t := &Table{
		selfPeer: selfPeer,
		self:     kad.FromPeerID([]byte(selfPeer)),
		k:        DefaultBucketSize,
		failThr:  DefaultFailureThreshold,
		clk:      clock.Real,
		ids:      make(map[peer.ID]kad.ID),
		events:   make(chan Event, 32),
	}
	for _, o := range opts {
		o(t)
	}
	t.buckets = []*bucket{newBucket(t.k)}
	return t
}

// Events returns the table's added/removed event stream. The channel is
// never closed; callers should range over it only for the table's
// lifetime.
func (t *Table) Events() <-chan Event {
	return t.events
}

func (t *Table) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		// Slow consumer: drop rather than block routing-table mutation,
		// matching spec §5's "no operation holds a store lock across a
		// suspension point" (a blocking send under the lock would be one).
	}
}

func (t *Table) bucketIndex(id kad.ID) int {
	cpl := kad.CommonPrefixLen(t.self, id)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}
	return cpl
}

// lastBucketIsOwn reports whether bucket index i is the catch-all/own
// bucket eligible to split.
func (t *Table) lastBucketIsOwn(i int) bool {
	return i == len(t.buckets)-1
}

// Add inserts p into the table if there is room, splitting the bucket that
// covers our own prefix when it overflows, and evicting the
// least-recently-seen incumbent of any other full bucket when it is not
// live. Add never fails from the caller's point of view (spec §4.B).
func (t *Table) Add(p peer.ID) {
	if p == t.selfPeer {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.ids[p]
	if !ok {
		id = kad.FromPeerID([]byte(p))
		t.ids[p] = id
	}

	// Splitting may need to run more than once in principle (a freshly
	// split bucket could in theory still not be the right one), so this
	// loops instead of recursing — recursing here would try to re-acquire
	// t.mu, which is not reentrant.
	for {
		idx := t.bucketIndex(id)
		b := t.buckets[idx]

		if existing, i := b.find(p); existing != nil {
			existing.LastSeen = t.clk.Now()
			b.moveFront(i)
			return
		}

		if !b.full() {
			t.insertFront(b, &PeerInfo{ID: p, LastSeen: t.clk.Now()})
			t.emit(Event{Kind: PeerAdded, Peer: p})
			return
		}

		if t.lastBucketIsOwn(idx) && len(t.buckets) < kad.IDBytes*8 {
			t.split(idx)
			continue // re-attempt against the freshly split buckets
		}

		// Bucket is full and not splittable: evict the tail only if it is
		// no longer considered live. Otherwise this is a silent no-op per
		// spec.
		tail := b.tail()
		if tail != nil && !tail.Reachable {
			b.removeAt(len(b.peers) - 1)
			delete(t.ids, tail.ID)
			t.emit(Event{Kind: PeerRemoved, Peer: tail.ID})
			t.insertFront(b, &PeerInfo{ID: p, LastSeen: t.clk.Now()})
			t.emit(Event{Kind: PeerAdded, Peer: p})
		}
		return
	}
}

func (t *Table) insertFront(b *bucket, p *PeerInfo) {
	b.peers = append(b.peers, nil)
	copy(b.peers[1:], b.peers[:len(b.peers)-1])
	b.peers[0] = p
}

// split divides the bucket at idx (always the last bucket) into two: the
// existing bucket narrows to cpl == idx exactly, and a new last bucket
// takes every peer with cpl > idx (i.e. cpl >= idx+1).
func (t *Table) split(idx int) {
	old := t.buckets[idx]
	narrowed := newBucket(t.k)
	overflow := newBucket(t.k)

	for _, p := range old.peers {
		id := t.ids[p.ID]
		cpl := kad.CommonPrefixLen(t.self, id)
		if cpl <= idx {
			narrowed.peers = append(narrowed.peers, p)
		} else {
			overflow.peers = append(overflow.peers, p)
		}
	}

	t.buckets[idx] = narrowed
	t.buckets = append(t.buckets, overflow)
}

// MarkSuccess records a successful RPC with p, marking it live, resetting
// its failure count, and touching its position in its bucket.
func (t *Table) MarkSuccess(p peer.ID) {
	t.mu.RLock()
	_, known := t.ids[p]
	t.mu.RUnlock()
	if !known {
		t.Add(p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.ids[p]
	if !ok {
		return
	}

	b := t.buckets[t.bucketIndex(id)]
	info, i := b.find(p)
	if info == nil {
		return
	}
	info.Reachable = true
	info.FailCount = 0
	info.LastSeen = t.clk.Now()
	b.moveFront(i)
}

// MarkFailure records a failed RPC with p. Once FailCount reaches the
// configured threshold the contact is evicted and a PeerRemoved event is
// emitted (spec §4.B: "A subsequent RPC failure to a contact decrements
// liveness; after a threshold it is evicted").
func (t *Table) MarkFailure(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.ids[p]
	if !ok {
		return
	}
	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	info, i := b.find(p)
	if info == nil {
		return
	}

	info.FailCount++
	if info.FailCount < t.failThr {
		return
	}

	b.removeAt(i)
	delete(t.ids, p)
	t.emit(Event{Kind: PeerRemoved, Peer: p})
}

// Remove unconditionally drops p from the table.
func (t *Table) Remove(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.ids[p]
	if !ok {
		return
	}
	b := t.buckets[t.bucketIndex(id)]
	if _, i := b.find(p); i >= 0 {
		b.removeAt(i)
	}
	delete(t.ids, p)
	t.emit(Event{Kind: PeerRemoved, Peer: p})
}

// Find returns the stored contact info for p, if present.
func (t *Table) Find(p peer.ID) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.ids[p]
	if !ok {
		return PeerInfo{}, false
	}
	b := t.buckets[t.bucketIndex(id)]
	info, _ := b.find(p)
	if info == nil {
		return PeerInfo{}, false
	}
	return *info, true
}

// Size returns the number of contacts currently stored.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.peers)
	}
	return n
}

type closestEntry struct {
	id   peer.ID
	dist kad.ID
}

// ClosestPeers returns up to count peers ordered by increasing XOR distance
// to target (spec §8 invariant 2: "strictly increasing in XOR distance").
func (t *Table) ClosestPeers(target kad.ID, count int) []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var entries []closestEntry
	for _, b := range t.buckets {
		for _, p := range b.peers {
			entries = append(entries, closestEntry{id: p.ID, dist: kad.Xor(t.ids[p.ID], target)})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return kad.Less(entries[i].dist, entries[j].dist)
	})

	if len(entries) > count {
		entries = entries[:count]
	}

	out := make([]peer.ID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// NonEmptyBucketCPLs returns the common-prefix-length index of every
// bucket that currently holds at least one peer, for the bucket-refresh
// maintenance loop (spec §4.K) to iterate over.
func (t *Table) NonEmptyBucketCPLs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cpls []int
	for i, b := range t.buckets {
		if len(b.peers) > 0 {
			cpls = append(cpls, i)
		}
	}
	return cpls
}

// RandomIDForCPL returns a random KadID whose common-prefix-length with
// self is exactly cpl, for use as a bucket-refresh lookup target. Grounded
// on go-libp2p-kbucket's table_refresh.go GenRandomKey: copy the shared
// prefix, flip the next bit, randomize the rest.
func (t *Table) RandomIDForCPL(cpl int) (kad.ID, error) {
	if cpl < 0 || cpl >= kad.IDBytes*8 {
		return kad.ID{}, fmt.Errorf("kbucket: cpl %d out of range", cpl)
	}

	selfBytes := t.self.Bytes()
	out := make([]byte, len(selfBytes))
	byteIdx := cpl / 8
	copy(out, selfBytes[:byteIdx])

	if _, err := rand.Read(out[byteIdx:]); err != nil {
		return kad.ID{}, err
	}

	bitOffset := uint(cpl % 8)
	flipMask := byte(0x80) >> bitOffset
	keepMask := ^(byte(0xFF) >> bitOffset) // high bitOffset bits of this byte

	orig := selfBytes[byteIdx]
	out[byteIdx] = (orig & keepMask) | ((orig & flipMask) ^ flipMask) | (out[byteIdx] &^ (keepMask | flipMask))

	return kad.FromDigest(out)
}

// pruneExpired evicts every contact that has not been seen within maxAge
// and is not marked reachable, mirroring teacher's neighbourhood.Cleanup
// gate on node.IsExpired.
func (t *Table) pruneExpired(maxAge time.Duration) (evicted []peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	for _, b := range t.buckets {
		kept := b.peers[:0]
		for _, p := range b.peers {
			if !p.Reachable && now.Sub(p.LastSeen) > maxAge {
				evicted = append(evicted, p.ID)
				delete(t.ids, p.ID)
				continue
			}
			kept = append(kept, p)
		}
		b.peers = kept
	}
	for _, id := range evicted {
		t.emit(Event{Kind: PeerRemoved, Peer: id})
	}
	return evicted
}

// PruneExpired is the exported form of pruneExpired, called by the
// maintenance loop (spec §4.K cleanup).
func (t *Table) PruneExpired(maxAge time.Duration) []peer.ID {
	return t.pruneExpired(maxAge)
}
