// Package provider implements the local provider record store: spec
// §4.D, "who has announced they hold content identified by this key".
// Grounded on hlandau-dht/util-peerstore.go's peerStore/peerSet
// (LRU-capped map of per-infohash value sets), generalized from "set of
// net.UDPAddr, keyed by 20-byte infohash" to "set of (peer.ID, expiry),
// keyed by an arbitrary content ID byte string".
package provider

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/hlandau/goutils/clock"

	"github.com/kadcore/dht/peer"
)

// DefaultTTL is how long a provider announcement is retained before it
// must be refreshed, spec §4.D default.
const DefaultTTL = 24 * time.Hour

// DefaultMaxKeys bounds how many distinct content keys are tracked at
// once, evicting the least-recently-used key's entire provider set when
// exceeded, mirroring teacher's maxInfoHashes bound on peerStore.
const DefaultMaxKeys = 4096

// DefaultMaxProvidersPerKey bounds how many providers are kept for a
// single content key, mirroring teacher's maxInfoHashPeers.
const DefaultMaxProvidersPerKey = 256

// Entry is one provider announcement as retained locally.
type Entry struct {
	Provider peer.ID
	Expiry   time.Time
}

type providerSet struct {
	byPeer map[peer.ID]time.Time
}

func newProviderSet() *providerSet {
	return &providerSet{byPeer: make(map[peer.ID]time.Time)}
}

func (s *providerSet) put(p peer.ID, expiry time.Time) {
	// Idempotent add with latest-expiry-wins: a re-announcement should
	// never shorten a provider's remaining lifetime.
	if existing, ok := s.byPeer[p]; ok && existing.After(expiry) {
		return
	}
	s.byPeer[p] = expiry
}

func (s *providerSet) entries(now time.Time) []Entry {
	out := make([]Entry, 0, len(s.byPeer))
	for p, exp := range s.byPeer {
		if now.After(exp) {
			continue
		}
		out = append(out, Entry{Provider: p, Expiry: exp})
	}
	return out
}

func (s *providerSet) gc(now time.Time) int {
	removed := 0
	for p, exp := range s.byPeer {
		if now.After(exp) {
			delete(s.byPeer, p)
			removed++
		}
	}
	return removed
}

// Store holds provider announcements for content keys, spec §4.D.
//
// groupcache/lru.Cache has no key-iteration method, so GC needs its own
// index of live keys alongside it; the cache's OnEvicted hook keeps that
// index in sync whenever the LRU policy itself evicts a key.
type Store struct {
	mu        sync.Mutex
	sets      *lru.Cache
	allKeys   map[string]struct{}
	ttl       time.Duration
	maxPerKey int
	clk       clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMaxKeys overrides DefaultMaxKeys.
func WithMaxKeys(n int) Option {
	return func(s *Store) { s.resize(n) }
}

// WithMaxProvidersPerKey overrides DefaultMaxProvidersPerKey.
func WithMaxProvidersPerKey(n int) Option {
	return func(s *Store) { s.maxPerKey = n }
}

// WithClock injects a clock for deterministic TTL tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// NewStore returns an empty provider Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:       DefaultTTL,
		maxPerKey: DefaultMaxProvidersPerKey,
		clk:       clock.Real,
		allKeys:   make(map[string]struct{}),
	}
	s.resize(DefaultMaxKeys)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) resize(n int) {
	s.sets = lru.New(n)
	s.sets.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(s.allKeys, key.(string))
	}
}

// AddProvider records that p holds the content identified by key, spec
// §4.D. Idempotent: re-announcing refreshes the expiry but never
// shortens it, and never duplicates the entry.
func (s *Store) AddProvider(key []byte, p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	var set *providerSet
	if v, ok := s.sets.Get(k); ok {
		set = v.(*providerSet)
	} else {
		set = newProviderSet()
	}

	if len(set.byPeer) >= s.maxPerKey {
		if _, already := set.byPeer[p]; !already {
			return
		}
	}

	set.put(p, s.clk.Now().Add(s.ttl))
	s.sets.Add(k, set)
	s.allKeys[k] = struct{}{}
}

// GetProviders returns the current, unexpired providers for key.
func (s *Store) GetProviders(key []byte) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.sets.Get(string(key))
	if !ok {
		return nil
	}
	return v.(*providerSet).entries(s.clk.Now())
}

// GC evicts every provider entry whose TTL has elapsed across every
// tracked key, returning the count removed. Called by the maintenance
// loop (spec §4.K) so expired entries don't linger in memory merely
// because nobody happened to call GetProviders on their key.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	removed := 0
	for k := range s.allKeys {
		v, ok := s.sets.Get(k)
		if !ok {
			continue
		}
		set := v.(*providerSet)
		removed += set.gc(now)
		if len(set.byPeer) == 0 {
			s.sets.Remove(k)
			delete(s.allKeys, k)
		}
	}
	return removed
}
