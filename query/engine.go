// Package query implements the iterative multi-path query engine: spec
// §4.G, the hard core of the module. Disjoint α paths each run up to β
// concurrent workers over a best-first min-heap of candidates, claim
// newly-discovered peers on a first-come basis to keep paths disjoint,
// and terminate per the heap-empty / no-closer-stall rule.
//
// Teacher (hlandau-dht) has no multi-path iterative query of its own —
// BEP-5 lookups are a single linear walk driven by one goroutine — so
// this package's structure departs the furthest from teacher of any in
// the module; the worker-pool-per-path shape is grounded directly on
// golang.org/x/sync/errgroup's bounded-concurrency idiom plus
// gammazero/chanqueue's wake-channel idiom, both present in the example
// pack.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/chanqueue"
	"golang.org/x/sync/errgroup"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
)

// DefaultAlpha is the default number of disjoint paths, spec §4.G.
const DefaultAlpha = 3

// DefaultK is the default result width, spec §4.G.
const DefaultK = 20

// PathStep is the outcome of querying one candidate peer, spec §4.G.
type PathStep struct {
	CloserPeers   []peer.ID
	Peer          peer.ID
	QueryComplete bool
	PathComplete  bool
	Err           error
}

// QueryPeerFunc performs one RPC against a candidate peer and reports the
// outcome as a PathStep.
type QueryPeerFunc func(ctx context.Context, p peer.ID) PathStep

// MakePathQuery returns a fresh QueryPeerFunc for one path. It is called
// once per path so a caller may close over per-path state if it needs to
// (most callers return the same stateless function for every path).
type MakePathQuery func() QueryPeerFunc

// Config holds the engine's tunables, spec §4.G.
type Config struct {
	Alpha int
	K     int
	Beta  int
}

// Option configures a Run invocation.
type Option func(*Config)

// WithAlpha overrides DefaultAlpha.
func WithAlpha(alpha int) Option { return func(c *Config) { c.Alpha = alpha } }

// WithK overrides DefaultK.
func WithK(k int) Option { return func(c *Config) { c.K = k } }

// WithBeta overrides the default of Beta == Alpha.
func WithBeta(beta int) Option { return func(c *Config) { c.Beta = beta } }

// PathResult is one path's outcome, spec §4.G.
type PathResult struct {
	Success bool
	Peer    peer.ID
	Closest []peer.ID
}

// Result is the overall outcome of Run, spec §4.G.
type Result struct {
	Paths    []PathResult
	FinalSet []peer.ID
	Success  bool
	Peer     peer.ID
}

// claimTable enforces first-claim disjointness across paths: a peer
// belongs to whichever path observes it first.
type claimTable struct {
	mu     sync.Mutex
	owner  map[peer.ID]int
}

func newClaimTable() *claimTable {
	return &claimTable{owner: make(map[peer.ID]int)}
}

// claim returns true if p was not yet owned by any path and is now owned
// by pathIdx.
func (c *claimTable) claim(p peer.ID, pathIdx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owner[p]; ok {
		return false
	}
	c.owner[p] = pathIdx
	return true
}

// winner records the first path to signal queryComplete, cancelling the
// shared context so sibling paths stop promptly (spec §4.G.5).
type winner struct {
	once sync.Once
	mu   sync.Mutex
	peer peer.ID
	set  bool
}

func (w *winner) set1(p peer.ID, cancel context.CancelFunc) {
	w.once.Do(func() {
		w.mu.Lock()
		w.peer = p
		w.set = true
		w.mu.Unlock()
		cancel()
	})
}

func (w *winner) get() (peer.ID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peer, w.set
}

// Run executes the disjoint-path iterative lookup toward target, spec
// §4.G.
func Run(ctx context.Context, target kad.ID, seeds []peer.ID, makePathQuery MakePathQuery, opts ...Option) (Result, error) {
	cfg := Config{Alpha: DefaultAlpha, K: DefaultK}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Beta == 0 {
		cfg.Beta = cfg.Alpha
	}
	if cfg.Alpha <= 0 {
		return Result{}, fmt.Errorf("query: alpha must be positive")
	}

	dedup := make(map[peer.ID]bool, len(seeds))
	unique := make([]peer.ID, 0, len(seeds))
	for _, s := range seeds {
		if !dedup[s] {
			dedup[s] = true
			unique = append(unique, s)
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		di := kad.Xor(kad.FromPeerID([]byte(unique[i])), target)
		dj := kad.Xor(kad.FromPeerID([]byte(unique[j])), target)
		return kad.Compare(di, dj) < 0
	})

	paths := make([][]peer.ID, cfg.Alpha)
	for i, p := range unique {
		paths[i%cfg.Alpha] = append(paths[i%cfg.Alpha], p)
	}

	claims := newClaimTable()
	win := &winner{}

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]PathResult, cfg.Alpha)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Alpha; i++ {
		i := i
		for _, s := range paths[i] {
			claims.claim(s, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runPath(queryCtx, cancel, target, i, paths[i], makePathQuery(), claims, win, cfg)
		}()
	}
	wg.Wait()

	seen := make(map[peer.ID]bool)
	var final []peer.ID
	for _, r := range results {
		for _, p := range r.Closest {
			if !seen[p] {
				seen[p] = true
				final = append(final, p)
			}
		}
	}
	sort.Slice(final, func(i, j int) bool {
		di := kad.Xor(kad.FromPeerID([]byte(final[i])), target)
		dj := kad.Xor(kad.FromPeerID([]byte(final[j])), target)
		return kad.Compare(di, dj) < 0
	})
	if len(final) > cfg.K {
		final = final[:cfg.K]
	}

	res := Result{Paths: results, FinalSet: final}
	if p, ok := win.get(); ok {
		res.Success = true
		res.Peer = p
	}
	return res, ctx.Err()
}

type pathQueriedEntry struct {
	id   peer.ID
	dist kad.ID
}

func runPath(
	ctx context.Context,
	cancelAll context.CancelFunc,
	target kad.ID,
	pathIdx int,
	seeds []peer.ID,
	queryPeer QueryPeerFunc,
	claims *claimTable,
	win *winner,
	cfg Config,
) PathResult {
	var mu sync.Mutex
	var h candidateHeap
	inflight := make(map[peer.ID]bool)
	var queried []pathQueriedEntry
	pathComplete := false
	var pathWinner peer.ID
	pathWon := false

	for _, s := range seeds {
		h.push(candidate{id: s, dist: kad.Xor(kad.FromPeerID([]byte(s)), target)})
	}

	wake := chanqueue.New[struct{}]()
	defer wake.Close()
	notify := func() {
		select {
		case wake.In() <- struct{}{}:
		default:
		}
	}

	// done is closed exactly once, the instant pathComplete is set, so
	// every β worker parked in the wake select below wakes up — not just
	// one. A single notify() token (or none, on the heap-empty/stalled
	// exit) only ever wakes one parked worker; with β>1 the rest would
	// otherwise sit blocked until the caller's overall query deadline.
	var doneOnce sync.Once
	done := make(chan struct{})
	closeDone := func() {
		doneOnce.Do(func() { close(done) })
	}

	// stalled reports the spec §4.G.4 "no-closer" condition: the k
	// closest peers discovered by this path have all been queried.
	stalled := func() bool {
		if h.Len() == 0 && len(inflight) == 0 {
			return true
		}
		if h.Len() == 0 || len(queried) < cfg.K {
			return false
		}
		kth := queried[cfg.K-1].dist
		return kad.Compare(h.peek().dist, kth) >= 0
	}

	insertQueried := func(id peer.ID, dist kad.ID) {
		queried = append(queried, pathQueriedEntry{id: id, dist: dist})
		sort.Slice(queried, func(i, j int) bool {
			return kad.Compare(queried[i].dist, queried[j].dist) < 0
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Beta; w++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}

				mu.Lock()
				if pathComplete {
					mu.Unlock()
					return nil
				}
				if h.Len() == 0 {
					if stalled() {
						pathComplete = true
						mu.Unlock()
						closeDone()
						return nil
					}
					mu.Unlock()
					select {
					case <-wake.Out():
					case <-done:
					case <-gctx.Done():
					}
					continue
				}
				c := h.pop()
				inflight[c.id] = true
				mu.Unlock()

				step := queryPeer(gctx, c.id)

				mu.Lock()
				delete(inflight, c.id)

				if step.Err != nil {
					mu.Unlock()
					continue
				}

				insertQueried(c.id, c.dist)

				for _, cp := range step.CloserPeers {
					if cp == "" {
						continue
					}
					if !claims.claim(cp, pathIdx) {
						continue
					}
					h.push(candidate{id: cp, dist: kad.Xor(kad.FromPeerID([]byte(cp)), target)})
				}

				if step.QueryComplete {
					pathComplete = true
					pathWinner = step.Peer
					pathWon = true
					mu.Unlock()
					win.set1(step.Peer, cancelAll)
					closeDone()
					return nil
				}
				if step.PathComplete {
					pathComplete = true
					mu.Unlock()
					closeDone()
					return nil
				}

				justCompleted := false
				if stalled() {
					pathComplete = true
					justCompleted = true
				}
				mu.Unlock()
				if justCompleted {
					closeDone()
				} else {
					notify()
				}
			}
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()

	closest := make([]peer.ID, 0, len(queried))
	limit := cfg.K
	if limit > len(queried) {
		limit = len(queried)
	}
	for i := 0; i < limit; i++ {
		closest = append(closest, queried[i].id)
	}

	return PathResult{
		Success: pathWon || len(closest) > 0,
		Peer:    pathWinner,
		Closest: closest,
	}
}
