// Package kad defines the 256-bit Kademlia ID space and the XOR distance
// metric that every other package in this module agrees on.
package kad

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/probe-lab/go-libdht/kad/key/bit256"
)

// IDBytes is the length of a KadID in bytes.
const IDBytes = 32

// ID is a point in the 256-bit Kademlia key space. It is always the SHA-256
// digest of either a peer ID's bytes or an arbitrary key's bytes; nothing
// in this package or its callers is allowed to construct one any other way,
// since every routing structure and query in the system relies on that
// contract to agree on distances.
type ID struct {
	k bit256.Key
}

// FromPeerID hashes a peer identifier into the Kademlia key space.
func FromPeerID(peerID []byte) ID {
	h := sha256.Sum256(peerID)
	return ID{k: bit256.NewKey(h[:])}
}

// FromKey hashes an arbitrary record/content key into the Kademlia key space.
func FromKey(key []byte) ID {
	h := sha256.Sum256(key)
	return ID{k: bit256.NewKey(h[:])}
}

// FromDigest wraps an already-computed 32-byte SHA-256 digest as an ID.
// Used when a digest arrives pre-hashed over the wire.
func FromDigest(digest []byte) (ID, error) {
	if len(digest) != IDBytes {
		return ID{}, fmt.Errorf("kad: digest must be %d bytes, got %d", IDBytes, len(digest))
	}
	return ID{k: bit256.NewKey(digest)}, nil
}

// Bytes returns the 32-byte big-endian representation of the ID.
func (id ID) Bytes() []byte {
	b, _ := id.k.MarshalBinary()
	return b
}

// String returns the hex representation of the ID.
func (id ID) String() string {
	return id.k.HexString()
}

// Xor returns the XOR distance between two IDs, itself a valid ID (distance
// space and key space coincide in Kademlia).
func Xor(a, b ID) ID {
	return ID{k: a.k.Xor(b.k)}
}

// Compare returns -1, 0 or +1 comparing the unsigned big-endian value of a
// and b. It never returns a value with a different sign than
// bytes.Compare(a.Bytes(), b.Bytes()) would.
func Compare(a, b ID) int {
	return a.k.Compare(b.k)
}

// Equal reports whether a and b are the same point in key space.
func Equal(a, b ID) bool {
	return Compare(a, b) == 0
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b ID) int {
	return a.k.CommonPrefixLength(b.k)
}

// Less reports whether a is strictly closer to nothing (i.e. numerically
// smaller) than b. Distance(a) < Distance(b) should be spelled
// kad.Compare(a, b) < 0; Less exists for use as a sort.Interface Less func
// when the ID is itself already a distance (see kbucket.Table.ClosestPeers).
func Less(a, b ID) bool {
	return Compare(a, b) < 0
}

// Bit returns the value (0 or 1) of the i'th most-significant bit, 0-indexed.
func (id ID) Bit(i int) uint {
	return id.k.Bit(i)
}

// HexString returns the same value as String; kept as an explicit alias
// because several call sites read more clearly with it (log lines, error
// messages) than with the Stringer method.
func (id ID) HexString() string {
	return hex.EncodeToString(id.Bytes())
}
