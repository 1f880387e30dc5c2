// Package net implements the network adapter: spec §4.F. It opens one
// stream per request, writes the request frame, reads the response
// frame, then closes the stream — exactly spec's "one request message,
// one response message, then the stream closes" — and reports liveness
// back into a routing table the way teacher's dht-tx.go/dht-rx.go
// hook lNodeUnreachable/lRxResponse into neighbourhood upkeep.
package net

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guillaumemichel/reservedpool"
	"github.com/hlandau/xlog"

	"github.com/kadcore/dht/pb"
	"github.com/kadcore/dht/peer"
)

var log, Log = xlog.New("net")

// DefaultRequestTimeout bounds a single request/response round trip,
// spec §4.F default.
const DefaultRequestTimeout = 10 * time.Second

// DefaultMaxInFlightPerPeer bounds how many requests may be outstanding
// to the same peer at once, spec §5 default.
const DefaultMaxInFlightPerPeer = 4

// Stream is one request/response duplex channel to a peer.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Transport opens streams to peers. The DHT core never dials a network
// address itself; address resolution is the caller's concern (spec's
// "assumed: stream transport").
type Transport interface {
	OpenStream(ctx context.Context, p peer.ID) (Stream, error)
}

// LivenessTracker receives the adapter's liveness observations. kbucket.Table
// satisfies this directly via its MarkSuccess/MarkFailure methods.
type LivenessTracker interface {
	MarkSuccess(p peer.ID)
	MarkFailure(p peer.ID)
}

// Adapter is the network adapter, spec §4.F.
type Adapter struct {
	transport Transport
	liveness  LivenessTracker
	timeout   time.Duration
	maxInFlight int

	mu    sync.Mutex
	pools map[peer.ID]*reservedpool.Pool[struct{}]
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithMaxInFlightPerPeer overrides DefaultMaxInFlightPerPeer.
func WithMaxInFlightPerPeer(n int) Option {
	return func(a *Adapter) { a.maxInFlight = n }
}

// NewAdapter returns an Adapter that dials through transport and reports
// liveness to tracker.
func NewAdapter(transport Transport, tracker LivenessTracker, opts ...Option) *Adapter {
	a := &Adapter{
		transport:   transport,
		liveness:    tracker,
		timeout:     DefaultRequestTimeout,
		maxInFlight: DefaultMaxInFlightPerPeer,
		pools:       make(map[peer.ID]*reservedpool.Pool[struct{}]),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// reservedpool.Pool models a shared budget with per-category guaranteed
// minimums; it has no notion of a hard per-category ceiling on its own.
// A hard per-peer ceiling is obtained by giving each peer its own
// single-category pool sized to maxInFlight, rather than one global pool
// keyed by peer (which would only guarantee minimums, not enforce caps).
func (a *Adapter) poolFor(p peer.ID) *reservedpool.Pool[struct{}] {
	a.mu.Lock()
	defer a.mu.Unlock()
	pool, ok := a.pools[p]
	if !ok {
		pool = reservedpool.New[struct{}](a.maxInFlight, nil)
		a.pools[p] = pool
	}
	return pool
}

func (a *Adapter) acquire(ctx context.Context, p peer.ID) (func(), error) {
	pool := a.poolFor(p)
	done := make(chan error, 1)
	go func() { done <- pool.Acquire(struct{}{}) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("net: acquiring in-flight slot for peer: %w", err)
		}
		return func() { pool.Release(struct{}{}) }, nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				pool.Release(struct{}{})
			}
		}()
		return nil, ctx.Err()
	}
}

// SendRequest opens a stream to p, writes req, reads one response
// message, then closes the stream. Spec §4.F. Each call is tagged with a
// transaction ID purely for log correlation across the two goroutines
// (writer and reader) a request spans; it never travels on the wire.
func (a *Adapter) SendRequest(ctx context.Context, p peer.ID, req *pb.Message) (*pb.Message, error) {
	txID := uuid.New().String()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	release, err := a.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer release()

	stream, err := a.transport.OpenStream(ctx, p)
	if err != nil {
		a.liveness.MarkFailure(p)
		return nil, fmt.Errorf("net: opening stream to peer: %w", err)
	}
	defer stream.Close()

	log.Tracef("tx(%s) %v -> %v", txID, req.Type, p)
	if err := pb.WriteMessage(stream, req); err != nil {
		a.liveness.MarkFailure(p)
		return nil, fmt.Errorf("net: writing request: %w", err)
	}

	type result struct {
		msg *pb.Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		msg, err := pb.ReadMessage(stream)
		resCh <- result{msg, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			a.liveness.MarkFailure(p)
			return nil, fmt.Errorf("net: reading response: %w", r.err)
		}
		log.Tracef("tx(%s) <- %v", txID, p)
		a.liveness.MarkSuccess(p)
		return r.msg, nil
	case <-ctx.Done():
		a.liveness.MarkFailure(p)
		return nil, ctx.Err()
	}
}

// SendMessage opens a stream to p, writes msg, and closes the stream
// without waiting for a response: the fire-and-forget path spec §4.F
// allows for notifications that expect no reply.
func (a *Adapter) SendMessage(ctx context.Context, p peer.ID, msg *pb.Message) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	release, err := a.acquire(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	stream, err := a.transport.OpenStream(ctx, p)
	if err != nil {
		a.liveness.MarkFailure(p)
		return fmt.Errorf("net: opening stream to peer: %w", err)
	}
	defer stream.Close()

	if err := pb.WriteMessage(stream, msg); err != nil {
		a.liveness.MarkFailure(p)
		return fmt.Errorf("net: writing message: %w", err)
	}
	a.liveness.MarkSuccess(p)
	return nil
}
