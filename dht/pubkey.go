package dht

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/record"
)

// publicKeyKey builds the "/pk/<hex(id)>" local key format, spec §6.
func publicKeyKey(id peer.ID) []byte {
	return []byte(record.PublicKeyPrefix + id.String())
}

// idFromPublicKeyKey is publicKeyKey's inverse: given a "/pk/<hex(id)>"
// key, it recovers id. Used by the GET_VALUE handler to synthesize a
// record from the address book for a key that was never locally stored,
// spec §4.E's "the peer is ourselves or in our peer store" case.
func idFromPublicKeyKey(key []byte) (peer.ID, bool) {
	s := string(key)
	if !strings.HasPrefix(s, record.PublicKeyPrefix) {
		return "", false
	}
	raw, err := hex.DecodeString(s[len(record.PublicKeyPrefix):])
	if err != nil {
		return "", false
	}
	return peer.ID(raw), true
}

// verifiesAgainst reports whether pubKey hashes to id, per record.go's
// PublicKeyValidator convention: a self-certifying peer ID is the hex
// string of sha256(pubKey).
func verifiesAgainst(id peer.ID, pubKey []byte) bool {
	sum := sha256.Sum256(pubKey)
	return id.String() == fmt.Sprintf("%x", sum)
}

// GetPublicKey returns id's public key, fetching it over the network via
// the "/pk/<id>" record if it is not already cached, spec §8 invariant 6
// / §9 Open Question (a).
//
// A cached key is always re-verified against hash(pubkey) == id before
// being returned: the address book does not re-verify on write (see
// peer.AddressBook.SetPublicKey), so skipping verification here on a
// cache hit would let a corrupted or maliciously seeded cache entry
// persist forever, undetectably.
func (d *DHT) GetPublicKey(ctx context.Context, id peer.ID, timeout time.Duration) ([]byte, error) {
	if cached, ok := d.cfg.AddressBook.PublicKey(id); ok && verifiesAgainst(id, cached) {
		return cached, nil
	}

	rec, err := d.Get(ctx, publicKeyKey(id), timeout)
	if err != nil {
		return nil, err
	}
	if !verifiesAgainst(id, rec.Value) {
		return nil, newError(KindInvalidPublicKey, "dht: fetched public key does not hash to id", nil)
	}

	d.cfg.AddressBook.SetPublicKey(id, rec.Value)
	return rec.Value, nil
}
