// Package record implements the local signed key/value record store: spec
// §4.C. Validation and selection are delegated to registered, key-prefix
// scoped policies, grounded on the example pack's go-libp2p-record
// namespaced-validator pattern; the record store itself has no teacher
// analogue (BEP-5 has no generic records), so its shape follows teacher's
// Datum (hlandau-dht/util-datum.go) for "what a stored value looks like"
// generalized from BEP-44's mutable-item fields to spec's Record.
package record

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/kadcore/dht/peer"
)

// PublicKeyPrefix is the reserved key prefix storing a peer's public key,
// per spec §3/§6: "/pk/<peerid-bytes>".
const PublicKeyPrefix = "/pk/"

// Record is a signed key/value entry as stored locally, spec §3.
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived time.Time
	Author       peer.ID
	Signature    []byte
}

// Clone returns a deep copy, since Records are handed across goroutine
// boundaries (query workers, maintenance loop) and must not alias mutable
// backing arrays.
func (r Record) Clone() Record {
	c := r
	c.Key = append([]byte(nil), r.Key...)
	c.Value = append([]byte(nil), r.Value...)
	c.Signature = append([]byte(nil), r.Signature...)
	return c
}

// Validator decides whether a candidate value is acceptable for key.
// Implementations are registered per key prefix (spec §3/§9).
type Validator interface {
	Validate(key, value []byte) error
}

// Selector picks the index of the best record among several already-valid
// candidates for the same key (spec §3: "selector chooses ... the best
// one"). It must be a pure function of its input so that selection is
// deterministic regardless of input order (spec §8 invariant 5).
type Selector interface {
	Select(key []byte, values [][]byte) (int, error)
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(key, value []byte) error

func (f ValidatorFunc) Validate(key, value []byte) error { return f(key, value) }

// SelectorFunc adapts a function to a Selector.
type SelectorFunc func(key []byte, values [][]byte) (int, error)

func (f SelectorFunc) Select(key []byte, values [][]byte) (int, error) { return f(key, values) }

// Registry maps a key prefix to the Validator/Selector pair responsible
// for it, spec §9's "dynamic validator/selector registry" design note.
type Registry struct {
	validators map[string]Validator
	selectors  map[string]Selector
}

// NewRegistry returns an empty registry pre-populated with the reserved
// "/pk/" public-key namespace, since spec §6 treats it as always present.
func NewRegistry() *Registry {
	r := &Registry{
		validators: make(map[string]Validator),
		selectors:  make(map[string]Selector),
	}
	r.Register("pk", PublicKeyValidator{}, PublicKeySelector{})
	return r
}

// Register installs a validator/selector pair for the given key prefix
// (the path segment after the leading slash, e.g. "pk" for "/pk/...").
func (r *Registry) Register(prefix string, v Validator, s Selector) {
	r.validators[prefix] = v
	r.selectors[prefix] = s
}

func prefixOf(key []byte) (string, error) {
	s := string(key)
	if !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("record: key %q missing leading '/'", s)
	}
	parts := strings.SplitN(s[1:], "/", 2)
	if parts[0] == "" {
		return "", fmt.Errorf("record: key %q has empty prefix", s)
	}
	return parts[0], nil
}

func (r *Registry) validatorFor(key []byte) (Validator, error) {
	prefix, err := prefixOf(key)
	if err != nil {
		return nil, err
	}
	v, ok := r.validators[prefix]
	if !ok {
		return nil, fmt.Errorf("record: no validator registered for prefix %q", prefix)
	}
	return v, nil
}

func (r *Registry) selectorFor(key []byte) (Selector, error) {
	prefix, err := prefixOf(key)
	if err != nil {
		return nil, err
	}
	s, ok := r.selectors[prefix]
	if !ok {
		return nil, fmt.Errorf("record: no selector registered for prefix %q", prefix)
	}
	return s, nil
}

// Validate runs the registered Validator for key's prefix against value,
// exported so callers outside this package (e.g. the DHT facade
// validating a record received over the wire) can reuse the same
// registry Store uses internally.
func (r *Registry) Validate(key, value []byte) error {
	v, err := r.validatorFor(key)
	if err != nil {
		return err
	}
	return v.Validate(key, value)
}

// SelectBest runs the registered Selector for key's prefix over values
// and returns the winning index.
func (r *Registry) SelectBest(key []byte, values [][]byte) (int, error) {
	s, err := r.selectorFor(key)
	if err != nil {
		return 0, err
	}
	return s.Select(key, values)
}

// PublicKeyValidator enforces spec §8 invariant 6: a record at
// "/pk/<id>" is only valid if sha256(value) == id.
type PublicKeyValidator struct{}

func (PublicKeyValidator) Validate(key, value []byte) error {
	s := string(key)
	if !strings.HasPrefix(s, PublicKeyPrefix) {
		return fmt.Errorf("record: %q is not a public-key key", s)
	}
	id := s[len(PublicKeyPrefix):]
	sum := sha256.Sum256(value)
	if id != fmt.Sprintf("%x", sum) {
		return ErrInvalidPublicKey
	}
	return nil
}

// ErrInvalidPublicKey is returned when a claimed public key does not hash
// to the peer ID it is filed under.
var ErrInvalidPublicKey = fmt.Errorf("record: public key does not hash to claimed peer id")

// PublicKeySelector always selects the first (and, once validated, only)
// candidate: spec §3 "for public keys: only one is valid".
type PublicKeySelector struct{}

func (PublicKeySelector) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("record: no candidates to select from")
	}
	return 0, nil
}

// BestByTimestamp is a default Selector for ordinary (non-public-key)
// records: selects deterministically by latest embedded RFC3339
// timestamp, falling back to lexicographic value comparison to break ties,
// so selection never depends on input order (spec §8 invariant 5).
//
// Generic records carry no canonical "sequence number" at this layer
// (that is a higher-level record-type concern); callers who need
// sequence-number selection should register their own Selector for that
// key's prefix.
type BestByTimestamp struct {
	// Timestamp extracts a sortable timestamp from a raw value. If nil,
	// values are compared lexicographically only.
	Timestamp func(value []byte) (time.Time, bool)
}

func (s BestByTimestamp) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("record: no candidates to select from")
	}

	best := 0
	for i := 1; i < len(values); i++ {
		if s.better(values[i], values[best]) {
			best = i
		}
	}
	return best, nil
}

func (s BestByTimestamp) better(a, b []byte) bool {
	if s.Timestamp != nil {
		ta, aok := s.Timestamp(a)
		tb, bok := s.Timestamp(b)
		if aok && bok && !ta.Equal(tb) {
			return ta.After(tb)
		}
	}
	return string(a) > string(b)
}
