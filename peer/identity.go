package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// publicKeyPrefix mirrors record.PublicKeyPrefix; duplicated here (rather
// than imported) because record.Record.Author is a peer.ID, so record
// already depends on peer and importing back would cycle.
const publicKeyPrefix = "/pk/"

// Identity is a local node's ed25519 keypair together with the self-
// certifying peer ID derived from it: ID is the raw sha256(pubkey), so
// ID.String() == hex(sha256(pubkey)), the same equation
// record.PublicKeyValidator enforces for "/pk/<id>" records. Grounded on
// the corpus's NodeIDFromPublicKey pattern (sha256 over an ed25519 public
// key) generalized from a raw NodeID to this module's peer.ID.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      ID
}

// NewIdentity generates a fresh ed25519 keypair and derives its peer ID.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("peer: generating identity: %w", err)
	}
	return identityFromKeys(pub, priv), nil
}

// IdentityFromSeed deterministically derives a keypair from a 32-byte seed,
// for reproducible test/demo identities.
func IdentityFromSeed(seed []byte) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return identityFromKeys(pub, priv)
}

func identityFromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	sum := sha256.Sum256(pub)
	// ID holds the raw hash bytes, not its hex text: ID.String() hex-encodes
	// on demand, and GetPublicKey's verifiesAgainst compares that hex string
	// against fmt.Sprintf("%x", sha256(pubkey)) directly.
	id := ID(sum[:])
	return &Identity{Private: priv, Public: pub, ID: id}
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.Private, msg)
}

// PublicKeyRecordKey returns the "/pk/<id>" key this identity's public key
// should be published under, so other nodes can verify it via GetPublicKey.
func (i *Identity) PublicKeyRecordKey() []byte {
	return []byte(publicKeyPrefix + i.ID.String())
}
