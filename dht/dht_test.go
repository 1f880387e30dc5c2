package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	kadnet "github.com/kadcore/dht/net"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/record"
)

// testNode is one simulated node: its DHT plus the transport it dials
// out on, wired into a shared FakeNetwork.
type testNode struct {
	id   peer.ID
	node *DHT
}

func newTestNetwork(t *testing.T, n int) ([]*testNode, *kadnet.FakeNetwork) {
	t.Helper()
	network := kadnet.NewFakeNetwork()
	// The default Registry only knows the "/pk/" namespace; the tests
	// store under "/test/", so register an accept-all validator for it.
	// BestByTimestamp with no extractor picks the lexicographically
	// greatest value, so "v2" beats "v1".
	registry := record.NewRegistry()
	registry.Register("test", record.ValidatorFunc(func(key, value []byte) error { return nil }), record.BestByTimestamp{})
	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		id := peer.ID(fmt.Sprintf("node-%03d", i))
		tn := &testNode{id: id}
		nodes[i] = tn

		transport := network.Host(id, func(s kadnet.Stream) {
			tn.node.HandleStream(s)
		})

		node, err := New(Config{
			Self:         id,
			Transport:    transport,
			K:            10,
			Alpha:        3,
			QueryTimeout: 2 * time.Second,
			Registry:     registry,
			// Long intervals: maintenance loops should not fire during
			// the short lifetime of these tests.
			BucketRefreshInterval:    time.Hour,
			RecordRepublishInterval:  time.Hour,
			ProviderRepublishInterval: time.Hour,
			CleanupInterval:          time.Hour,
		})
		if err != nil {
			t.Fatalf("New(%v): %v", id, err)
		}
		tn.node = node
		t.Cleanup(func() { _ = node.Close() })
	}
	return nodes, network
}

func TestTenNodeRingFindPeer(t *testing.T) {
	nodes, _ := newTestNetwork(t, 10)
	for i, tn := range nodes {
		next := nodes[(i+1)%len(nodes)]
		tn.node.RoutingTable().Add(next.id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	found, err := nodes[0].node.FindPeer(ctx, nodes[9].id)
	if err != nil {
		t.Fatalf("FindPeer: %v", err)
	}
	if found != nodes[9].id {
		t.Fatalf("expected to find %v, got %v", nodes[9].id, found)
	}
}

func TestPutGetAcrossUnconnectedNode(t *testing.T) {
	nodes, _ := newTestNetwork(t, 20)
	for i, tn := range nodes {
		for j := 1; j <= 5; j++ {
			tn.node.RoutingTable().Add(nodes[(i+j)%len(nodes)].id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := nodes[0].node.Put(ctx, []byte("/test/hello"), []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// node 10 is not among node 0's seeded routing-table contacts.
	rec, err := nodes[10].node.Get(ctx, []byte("/test/hello"), 3*time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Value) != "world" {
		t.Fatalf("expected %q, got %q", "world", rec.Value)
	}
}

func TestProvideAndFindProviders(t *testing.T) {
	nodes, _ := newTestNetwork(t, 15)
	for i, tn := range nodes {
		for j := 1; j <= 4; j++ {
			tn.node.RoutingTable().Add(nodes[(i+j)%len(nodes)].id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cid := []byte("content-abc")
	if err := nodes[0].node.Provide(ctx, cid); err != nil {
		t.Fatalf("Provide: %v", err)
	}

	providers, err := nodes[7].node.FindProviders(ctx, cid, 1, 3*time.Second)
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	found := false
	for _, p := range providers {
		if p == nodes[0].id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected node 0 among providers, got %v", providers)
	}
}

func TestFindPeerTimesOutAgainstNonexistentTarget(t *testing.T) {
	nodes, _ := newTestNetwork(t, 50)
	for i, tn := range nodes {
		for j := 1; j <= 5; j++ {
			tn.node.RoutingTable().Add(nodes[(i+j)%len(nodes)].id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := nodes[0].node.FindPeer(ctx, peer.ID("does-not-exist"))
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("expected not-found/timeout error")
	}
	if elapsed > 700*time.Millisecond {
		t.Fatalf("FindPeer took %v, expected to return within ~500-700ms", elapsed)
	}
}

// TestStaleRecordIsCorrectedAfterGet exercises spec §8's "stale
// correction" round trip directly: two holders carry an old value, one
// carries the new one, and all three are seeded as the querier's direct
// routing-table contacts so the query engine visits them in its first
// hop with no traversal involved. This isolates the selection +
// correcting-put mechanism from whether Put's own network push happens
// to reach the same peers a later Get does.
func TestStaleRecordIsCorrectedAfterGet(t *testing.T) {
	nodes, _ := newTestNetwork(t, 4)
	fresh, staleA, staleB, querier := nodes[0], nodes[1], nodes[2], nodes[3]

	key := []byte("/test/stale")
	if err := fresh.node.records.Put(key, []byte("v2")); err != nil {
		t.Fatalf("seeding v2 on fresh holder: %v", err)
	}
	if err := staleA.node.records.Put(key, []byte("v1")); err != nil {
		t.Fatalf("seeding v1 on stale holder A: %v", err)
	}
	if err := staleB.node.records.Put(key, []byte("v1")); err != nil {
		t.Fatalf("seeding v1 on stale holder B: %v", err)
	}

	querier.node.RoutingTable().Add(fresh.id)
	querier.node.RoutingTable().Add(staleA.id)
	querier.node.RoutingTable().Add(staleB.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := querier.node.Get(ctx, key, 3*time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Value) != "v2" {
		t.Fatalf("expected selected value %q, got %q", "v2", rec.Value)
	}

	// Correcting puts are fire-and-forget; give them a moment to land.
	time.Sleep(100 * time.Millisecond)

	for _, stale := range []*testNode{staleA, staleB} {
		got, ok, err := stale.node.records.Get(key)
		if err != nil || !ok {
			t.Fatalf("%v: record missing after correction: ok=%v err=%v", stale.id, ok, err)
		}
		if string(got.Value) != "v2" {
			t.Fatalf("%v: expected corrected to v2, got %q", stale.id, got.Value)
		}
	}
}
