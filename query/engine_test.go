package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
)

// buildNetwork constructs a small ring-shaped simulated network where
// each node knows about a handful of others "closer" to any target than
// itself, so an iterative lookup actually has somewhere to walk to.
func buildNetwork(n int) map[peer.ID][]peer.ID {
	ids := make([]peer.ID, n)
	for i := 0; i < n; i++ {
		ids[i] = peer.ID(fmt.Sprintf("node-%03d", i))
	}
	graph := make(map[peer.ID][]peer.ID, n)
	for i, id := range ids {
		var neighbors []peer.ID
		for j := 1; j <= 5; j++ {
			neighbors = append(neighbors, ids[(i+j)%n])
		}
		graph[id] = neighbors
	}
	return graph
}

func makeFindNodeQuery(graph map[peer.ID][]peer.ID, target kad.ID) QueryPeerFunc {
	return func(ctx context.Context, p peer.ID) PathStep {
		neighbors, ok := graph[p]
		if !ok {
			return PathStep{Err: fmt.Errorf("unknown peer %v", p)}
		}
		return PathStep{CloserPeers: neighbors}
	}
}

func TestRunFindsClosestPeersAndTerminates(t *testing.T) {
	graph := buildNetwork(40)
	target := kad.FromKey([]byte("target-content"))

	var seeds []peer.ID
	i := 0
	for p := range graph {
		if i >= 6 {
			break
		}
		seeds = append(seeds, p)
		i++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, target, seeds, func() QueryPeerFunc {
		return makeFindNodeQuery(graph, target)
	}, WithAlpha(3), WithK(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.FinalSet) == 0 {
		t.Fatalf("expected a non-empty final set")
	}

	sorted := append([]peer.ID(nil), result.FinalSet...)
	sort.Slice(sorted, func(i, j int) bool {
		di := kad.Xor(kad.FromPeerID([]byte(sorted[i])), target)
		dj := kad.Xor(kad.FromPeerID([]byte(sorted[j])), target)
		return kad.Compare(di, dj) < 0
	})
	for i := range sorted {
		if sorted[i] != result.FinalSet[i] {
			t.Fatalf("final set is not sorted by distance to target")
		}
	}
}

func TestPathsAreDisjoint(t *testing.T) {
	graph := buildNetwork(60)
	target := kad.FromKey([]byte("another-target"))

	var seeds []peer.ID
	i := 0
	for p := range graph {
		if i >= 9 {
			break
		}
		seeds = append(seeds, p)
		i++
	}

	var mu sync.Mutex
	seenBy := make(map[peer.ID]int)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Run(ctx, target, seeds, func() QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) PathStep {
			mu.Lock()
			seenBy[p]++
			mu.Unlock()
			neighbors := graph[p]
			return PathStep{CloserPeers: neighbors}
		}
	}, WithAlpha(3), WithK(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for p, count := range seenBy {
		if count > 1 {
			t.Fatalf("peer %v was queried %d times; disjoint paths must not re-query a claimed peer", p, count)
		}
	}
}

func TestQueryCompleteTerminatesGlobally(t *testing.T) {
	graph := buildNetwork(30)
	target := kad.FromKey([]byte("winner-target"))
	winnerPeer := peer.ID("node-000")

	var seeds []peer.ID
	i := 0
	for p := range graph {
		if i >= 6 {
			break
		}
		seeds = append(seeds, p)
		i++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, target, seeds, func() QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) PathStep {
			if p == winnerPeer {
				return PathStep{Peer: winnerPeer, QueryComplete: true}
			}
			return PathStep{CloserPeers: graph[p]}
		}
	}, WithAlpha(3), WithK(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Success || result.Peer != winnerPeer {
		t.Fatalf("expected successful result with winner peer, got %+v", result)
	}
}

// TestRunTerminatesPromptlyWhenPathStalls guards against a path that
// dead-ends (heap empties, no QueryComplete ever fires) leaving a parked
// worker stuck until the context deadline instead of waking up: with
// Beta > 1, more than one worker per path can be parked on the wake
// channel simultaneously, so completion must be broadcast to all of them.
func TestRunTerminatesPromptlyWhenPathStalls(t *testing.T) {
	graph := buildNetwork(12)
	target := kad.FromKey([]byte("stall-target"))

	var seeds []peer.ID
	i := 0
	for p := range graph {
		if i >= 3 {
			break
		}
		seeds = append(seeds, p)
		i++
	}

	// A generous deadline: the assertion is that Run returns well before
	// it, not that it returns exactly when work runs out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, target, seeds, func() QueryPeerFunc {
		return makeFindNodeQuery(graph, target)
	}, WithAlpha(3), WithBeta(3), WithK(10))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Run took %v to terminate after its paths stalled; expected prompt termination, not a wait for the context deadline", elapsed)
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	graph := buildNetwork(20)
	target := kad.FromKey([]byte("slow-target"))

	seeds := []peer.ID{peer.ID("node-000")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, target, seeds, func() QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) PathStep {
			return PathStep{CloserPeers: graph[p]}
		}
	})
	if err == nil {
		t.Fatalf("expected context error from a pre-cancelled context")
	}
}
