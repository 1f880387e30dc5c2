package kbucket

import (
	"fmt"
	"testing"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
)

func TestClosestPeersSortedness(t *testing.T) {
	self := peer.ID("self")
	rt := New(self)

	for i := 0; i < 50; i++ {
		rt.Add(peer.ID(fmt.Sprintf("peer-%d", i)))
	}

	target := kad.FromKey([]byte("some-target-key"))
	closest := rt.ClosestPeers(target, 20)

	if len(closest) == 0 {
		t.Fatalf("expected some peers back")
	}

	var prevDist kad.ID
	for i, p := range closest {
		id := kad.FromPeerID([]byte(p))
		dist := kad.Xor(id, target)
		if i > 0 && kad.Compare(dist, prevDist) < 0 {
			t.Fatalf("closestPeers not sorted by increasing distance at index %d", i)
		}
		prevDist = dist
	}
}

func TestAddIsIdempotentAndNeverFails(t *testing.T) {
	rt := New(peer.ID("self"))

	for i := 0; i < 5; i++ {
		rt.Add(peer.ID("dup"))
	}

	if rt.Size() != 1 {
		t.Fatalf("expected exactly one entry for a repeatedly-added peer, got %d", rt.Size())
	}
}

func TestSelfIsNeverAdded(t *testing.T) {
	self := peer.ID("self")
	rt := New(self)
	rt.Add(self)

	if rt.Size() != 0 {
		t.Fatalf("table should never store its own peer id")
	}
}

func TestBucketSplitKeepsAllClosestWhenSharingPrefix(t *testing.T) {
	self := peer.ID("self")
	rt := New(self, WithBucketSize(20))

	// 21 peers whose KadIDs share at least their first bit with self's, so
	// all of them fall in the bucket covering self's prefix and force it to
	// split. Afterwards closestPeers(self, 20) must return exactly 20
	// distinct entries: no peer is silently lost from the global top-20.
	selfID := kad.FromPeerID([]byte(self))
	for i, added := 0, 0; added < 21; i++ {
		p := peer.ID(fmt.Sprintf("node-%03d", i))
		if kad.CommonPrefixLen(selfID, kad.FromPeerID([]byte(p))) < 1 {
			continue
		}
		rt.Add(p)
		added++
	}

	got := rt.ClosestPeers(kad.FromPeerID([]byte(self)), 20)
	if len(got) != 20 {
		t.Fatalf("expected 20 closest peers after inserting 21, got %d", len(got))
	}

	seen := map[peer.ID]bool{}
	for _, p := range got {
		if seen[p] {
			t.Fatalf("duplicate peer %v in closestPeers result", p)
		}
		seen[p] = true
	}
}

func TestMarkFailureEvictsAfterThreshold(t *testing.T) {
	rt := New(peer.ID("self"), WithFailureThreshold(3))
	p := peer.ID("flaky")
	rt.Add(p)

	rt.MarkFailure(p)
	rt.MarkFailure(p)
	if _, ok := rt.Find(p); !ok {
		t.Fatalf("peer evicted before reaching failure threshold")
	}

	rt.MarkFailure(p)
	if _, ok := rt.Find(p); ok {
		t.Fatalf("peer should have been evicted after reaching failure threshold")
	}
}

func TestMarkSuccessResetsFailureCount(t *testing.T) {
	rt := New(peer.ID("self"), WithFailureThreshold(3))
	p := peer.ID("recovering")
	rt.Add(p)

	rt.MarkFailure(p)
	rt.MarkFailure(p)
	rt.MarkSuccess(p)
	rt.MarkFailure(p)
	rt.MarkFailure(p)

	if _, ok := rt.Find(p); !ok {
		t.Fatalf("success should have reset the failure count, peer evicted too early")
	}
}
