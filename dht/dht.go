// Package dht wires the routing table, record store, provider store,
// network adapter and query engine into the peer/content/value routing
// operations of spec §4.H/4.I/4.J, plus the maintenance loops of §4.K.
//
// Grounded on teacher's top-level DHT struct (hlandau-dht/dht.go) for
// shape — a long-lived struct owning every subsystem, constructed by New,
// torn down by Close — generalized from UDP/BEP-5 to the stream
// transport and iterative multi-path query this module's domain requires.
package dht

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hlandau/xlog"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/kbucket"
	"github.com/kadcore/dht/net"
	"github.com/kadcore/dht/pb"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/provider"
	"github.com/kadcore/dht/query"
	"github.com/kadcore/dht/record"
)

var log, Log = xlog.New("dht")

// DHT is one running Kademlia node, spec §9's "explicitly constructed,
// no hidden singletons" instance.
type DHT struct {
	cfg Config

	rt        *kbucket.Table
	records   *record.Store
	providers *provider.Store
	transport *net.Adapter

	mu              sync.Mutex
	originated      map[string][]byte // keys this node itself authored, for republish
	provided        map[string]bool   // cids this node itself provides, for republish

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and starts a DHT node. Maintenance loops run for the
// lifetime of the returned node until Close is called.
func New(cfg Config) (*DHT, error) {
	cfg.setDefaults()
	if cfg.Self == "" {
		return nil, fmt.Errorf("dht: Config.Self is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("dht: Config.Transport is required")
	}

	rt := kbucket.New(cfg.Self, kbucket.WithBucketSize(cfg.K), kbucket.WithClock(cfg.Clock))

	records := record.NewStore(cfg.Registry,
		record.WithTTL(cfg.RecordTTL),
		record.WithClock(cfg.Clock),
	)
	if cfg.RecordDatastore != nil {
		records = record.NewStore(cfg.Registry,
			record.WithTTL(cfg.RecordTTL),
			record.WithClock(cfg.Clock),
			record.WithDatastore(cfg.RecordDatastore),
		)
	}

	providers := provider.NewStore(
		provider.WithTTL(cfg.ProviderTTL),
		provider.WithClock(cfg.Clock),
	)

	transport := net.NewAdapter(cfg.Transport, rt, net.WithRequestTimeout(cfg.RequestTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		cfg:        cfg,
		rt:         rt,
		records:    records,
		providers:  providers,
		transport:  transport,
		originated: make(map[string][]byte),
		provided:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Identity != nil {
		cfg.AddressBook.SetPublicKey(cfg.Self, []byte(cfg.Identity.Public))
	}

	d.wg.Add(4)
	go d.bucketRefreshLoop()
	go d.recordRepublishLoop()
	go d.providerRepublishLoop()
	go d.cleanupLoop()

	log.Debugf("(%v) started", cfg.Self)
	return d, nil
}

// Close stops every maintenance loop and releases resources. Spec §9:
// "all maintenance loops bind to its lifetime and stop on shutdown."
func (d *DHT) Close() error {
	d.cancel()
	d.wg.Wait()
	log.Debugf("(%v) stopped", d.cfg.Self)
	return nil
}

// RoutingTable exposes the node's routing table, e.g. so a caller can feed
// it bootstrap contacts via Table.Add.
func (d *DHT) RoutingTable() *kbucket.Table { return d.rt }

// runQuery is the shared plumbing under findPeer / getClosestPeers /
// findProviders / getMany: fail with ErrLookupFailed if the caller supplied
// no seeds, bound the whole run to cfg.QueryTimeout, and delegate to the
// query engine.
func (d *DHT) runQuery(ctx context.Context, target kad.ID, seeds []peer.ID, mk query.MakePathQuery) (query.Result, error) {
	if len(seeds) == 0 {
		return query.Result{}, ErrLookupFailed
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()
	return query.Run(ctx, target, seeds, mk, query.WithAlpha(d.cfg.Alpha), query.WithK(d.cfg.K), query.WithBeta(d.cfg.Beta))
}

// findNodeStep sends one FIND_NODE(target) RPC and translates the
// response into a PathStep, shared by findPeer, getClosestPeers and
// bucket refresh.
func (d *DHT) findNodeStep(ctx context.Context, target kad.ID, p peer.ID) query.PathStep {
	resp, err := d.transport.SendRequest(ctx, p, &pb.Message{Type: pb.FindNode, Key: target.Bytes()})
	if err != nil {
		return query.PathStep{Err: err}
	}
	return query.PathStep{CloserPeers: peerIDsOf(resp.CloserPeers)}
}

func peerIDsOf(infos []pb.PeerInfo) []peer.ID {
	out := make([]peer.ID, 0, len(infos))
	for _, pi := range infos {
		out = append(out, peer.ID(pi.ID))
	}
	return out
}

// FindPeer locates a specific peer by ID, spec §4.H.
func (d *DHT) FindPeer(ctx context.Context, target peer.ID) (peer.ID, error) {
	if _, ok := d.rt.Find(target); ok {
		if _, hasAddr := d.addressOf(target); hasAddr {
			return target, nil
		}
	}

	targetID := kad.FromPeerID([]byte(target))
	seeds := d.rt.ClosestPeers(targetID, d.cfg.K)
	if len(seeds) == 0 {
		return "", ErrLookupFailed
	}

	mk := func() query.QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) query.PathStep {
			step := d.findNodeStep(ctx, targetID, p)
			if step.Err != nil {
				return step
			}
			for _, cp := range step.CloserPeers {
				if kad.Equal(kad.FromPeerID([]byte(cp)), targetID) {
					return query.PathStep{Peer: target, QueryComplete: true}
				}
			}
			return step
		}
	}

	result, err := d.runQuery(ctx, targetID, seeds, mk)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", ErrNotFound
	}
	return result.Peer, nil
}

func (d *DHT) addressOf(p peer.ID) ([]peer.Addr, bool) {
	addrs := d.cfg.AddressBook.Addrs(p)
	return addrs, len(addrs) > 0
}

// GetClosestPeers runs a FIND_NODE lookup toward key with no winning
// condition and returns the k closest peers discovered, spec §4.H.
func (d *DHT) GetClosestPeers(ctx context.Context, key []byte) ([]peer.ID, error) {
	target := kad.FromKey(key)
	seeds := d.rt.ClosestPeers(target, d.cfg.K)
	if len(seeds) == 0 {
		return nil, ErrLookupFailed
	}

	mk := func() query.QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) query.PathStep {
			return d.findNodeStep(ctx, target, p)
		}
	}

	result, err := d.runQuery(ctx, target, seeds, mk)
	if err != nil {
		return nil, err
	}
	return closestByDistance(result.FinalSet, target, d.cfg.K), nil
}

func closestByDistance(peers []peer.ID, target kad.ID, k int) []peer.ID {
	type entry struct {
		id   peer.ID
		dist kad.ID
	}
	entries := make([]entry, len(peers))
	for i, p := range peers {
		entries[i] = entry{id: p, dist: kad.Xor(kad.FromPeerID([]byte(p)), target)}
	}
	sort.Slice(entries, func(i, j int) bool {
		return kad.Compare(entries[i].dist, entries[j].dist) < 0
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	out := make([]peer.ID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// selfPeerInfo describes this node for ADD_PROVIDER announcements.
func (d *DHT) selfPeerInfo() pb.PeerInfo {
	var addrs [][]byte
	for _, a := range d.cfg.AddressBook.Addrs(d.cfg.Self) {
		addrs = append(addrs, a)
	}
	return pb.PeerInfo{ID: []byte(d.cfg.Self), Addrs: addrs, Connection: pb.ConnectionConnected}
}

// Provide announces this node as a holder of cid to the k closest peers
// and records it locally, spec §4.I.
func (d *DHT) Provide(ctx context.Context, cid []byte) error {
	d.providers.AddProvider(cid, d.cfg.Self)

	d.mu.Lock()
	d.provided[string(cid)] = true
	d.mu.Unlock()

	peers, err := d.GetClosestPeers(ctx, cid)
	if err != nil {
		return err
	}

	self := d.selfPeerInfo()
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &pb.Message{Type: pb.AddProvider, Key: cid, ProviderPeers: []pb.PeerInfo{self}}
			if err := d.transport.SendMessage(ctx, p, msg); err != nil {
				log.Debugf("provide: announcing to %v: %v", p, err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// FindProviders collects up to count providers of cid, spec §4.I.
func (d *DHT) FindProviders(ctx context.Context, cid []byte, count int, timeout time.Duration) ([]peer.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acc := newDedupAcc(count)
	for _, e := range d.providers.GetProviders(cid) {
		acc.add(e.Provider)
	}
	if acc.full() {
		return acc.list(), nil
	}

	target := kad.FromKey(cid)
	seeds := d.rt.ClosestPeers(target, d.cfg.K)
	if len(seeds) == 0 {
		if acc.len() > 0 {
			return acc.list(), nil
		}
		return nil, ErrLookupFailed
	}

	mk := func() query.QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) query.PathStep {
			resp, err := d.transport.SendRequest(ctx, p, &pb.Message{Type: pb.GetProviders, Key: cid})
			if err != nil {
				return query.PathStep{Err: err}
			}
			for _, pi := range resp.ProviderPeers {
				acc.add(peer.ID(pi.ID))
			}
			if acc.full() {
				return query.PathStep{QueryComplete: true}
			}
			return query.PathStep{CloserPeers: peerIDsOf(resp.CloserPeers)}
		}
	}

	if _, err := d.runQuery(ctx, target, seeds, mk); err != nil && acc.len() == 0 {
		return nil, err
	}
	if acc.len() == 0 {
		return nil, ErrNotFound
	}
	return acc.list(), nil
}

// dedupAcc accumulates up to a limit of distinct peers, guarded by a
// mutex since multiple query-path goroutines write to it concurrently.
type dedupAcc struct {
	mu    sync.Mutex
	seen  map[peer.ID]bool
	order []peer.ID
	limit int
}

func newDedupAcc(limit int) *dedupAcc {
	return &dedupAcc{seen: make(map[peer.ID]bool), limit: limit}
}

func (a *dedupAcc) add(p peer.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[p] || (a.limit > 0 && len(a.order) >= a.limit) {
		return
	}
	a.seen[p] = true
	a.order = append(a.order, p)
}

func (a *dedupAcc) full() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit > 0 && len(a.order) >= a.limit
}

func (a *dedupAcc) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *dedupAcc) list() []peer.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]peer.ID(nil), a.order...)
}
