package record

import (
	"fmt"
	"sync"
	"time"

	"github.com/hlandau/goutils/clock"
)

// DefaultTTL is how long a record is retained after last being stored or
// refreshed before it is considered expired, spec §4.C default.
const DefaultTTL = 36 * time.Hour

// Datastore is the minimal backing-store port the record Store needs,
// grounded on teacher's dhtstorage.Storage interface
// (hlandau-dht/dhtstorage/storage.go) generalized from "peer/value by
// infohash" to "arbitrary byte value by string key".
type Datastore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// MapDatastore is an in-memory Datastore, the default for tests and for
// nodes that do not need persistence across restarts.
type MapDatastore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMapDatastore returns an empty in-memory datastore.
func NewMapDatastore() *MapDatastore {
	return &MapDatastore{m: make(map[string][]byte)}
}

func (d *MapDatastore) Get(key string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (d *MapDatastore) Put(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = append([]byte(nil), value...)
	return nil
}

func (d *MapDatastore) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, key)
	return nil
}

func (d *MapDatastore) Keys() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.m))
	for k := range d.m {
		out = append(out, k)
	}
	return out, nil
}

type entry struct {
	record Record
	expiry time.Time
}

// Store is the local record store, spec §4.C: validates incoming records
// through the Registry, keeps only the Selector-chosen best value per key,
// and expires entries TTL after they were last written.
type Store struct {
	mu   sync.Mutex
	ds   Datastore
	reg  *Registry
	ttl  time.Duration
	clk  clock.Clock
	live map[string]entry // key (string) -> cached entry, mirrors ds but with expiry
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithDatastore overrides the default MapDatastore.
func WithDatastore(ds Datastore) Option {
	return func(s *Store) { s.ds = ds }
}

// WithClock overrides the default real clock, for deterministic TTL tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// NewStore returns a Store backed by the given Registry.
func NewStore(reg *Registry, opts ...Option) *Store {
	s := &Store{
		reg:  reg,
		ttl:  DefaultTTL,
		clk:  clock.Real,
		live: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ds == nil {
		s.ds = NewMapDatastore()
	}
	return s
}

// Put validates value against the registered Validator for key's prefix,
// then merges it with any existing value via the registered Selector,
// keeping only the winner. Spec §4.C / §8 invariant 5.
func (s *Store) Put(key, value []byte) error {
	v, err := s.reg.validatorFor(key)
	if err != nil {
		return err
	}
	if err := v.Validate(key, value); err != nil {
		return fmt.Errorf("record: validation failed for key %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	k := string(key)

	existing, have, err := s.getLocked(k, now)
	if err != nil {
		return err
	}

	final := value
	if have {
		sel, err := s.reg.selectorFor(key)
		if err != nil {
			return err
		}
		idx, err := sel.Select(key, [][]byte{existing.Value, value})
		if err != nil {
			return fmt.Errorf("record: selection failed for key %q: %w", key, err)
		}
		if idx == 0 {
			final = existing.Value
		}
	}

	rec := Record{
		Key:          append([]byte(nil), key...),
		Value:        append([]byte(nil), final...),
		TimeReceived: now,
	}
	expiry := now.Add(s.ttl)
	if err := s.ds.Put(k, encodeRecord(rec.Value, expiry)); err != nil {
		return err
	}
	s.live[k] = entry{record: rec, expiry: expiry}
	return nil
}

// Get returns the current record for key, if present and unexpired.
func (s *Store) Get(key []byte) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(string(key), s.clk.Now())
}

func (s *Store) getLocked(k string, now time.Time) (Record, bool, error) {
	if e, ok := s.live[k]; ok {
		if now.After(e.expiry) {
			delete(s.live, k)
			_ = s.ds.Delete(k)
			return Record{}, false, nil
		}
		return e.record, true, nil
	}

	raw, ok, err := s.ds.Get(k)
	if err != nil || !ok {
		return Record{}, false, err
	}
	value, expiry, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	if now.After(expiry) {
		_ = s.ds.Delete(k)
		return Record{}, false, nil
	}
	rec := Record{Key: []byte(k), Value: value}
	s.live[k] = entry{record: rec, expiry: expiry}
	return rec, true, nil
}

// GetMany returns every unexpired record currently stored. The record
// republish loop does not use it: it re-PUTs the keys the DHT facade
// itself authored, which the facade tracks on its own.
//
// This is not spec §4.C's getMany(key, n) -> records: Put already
// selects on write (via the Registry's Selector) and keeps only the
// winning value per key, so there is never more than one validated
// record per key to return. Multi-record, select-on-read semantics for
// a single key live at the DHT facade instead (dht.GetMany in
// value.go), which gathers one observation per *responding peer* across
// the network rather than per local Store entry.
func (s *Store) GetMany() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.ds.Keys()
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := s.getLocked(k, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GC evicts every record whose TTL has elapsed, returning how many were
// removed. Called periodically by the maintenance loop rather than
// relying solely on read-time eviction, so storage does not grow
// unboundedly under keys nobody reads back.
func (s *Store) GC() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.ds.Keys()
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	evicted := 0
	for _, k := range keys {
		_, ok, err := s.getLocked(k, now)
		if err != nil {
			return evicted, err
		}
		if !ok {
			evicted++
		}
	}
	return evicted, nil
}
