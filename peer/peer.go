// Package peer defines the opaque peer identifier and the minimal address
// book port the DHT core expects an external collaborator to satisfy.
//
// The DHT core never interprets an Addr beyond treating it as an opaque
// byte string handed to the stream transport; address resolution, NAT
// traversal and multiaddr parsing all live outside this module.
package peer

import "encoding/hex"

// ID is the opaque multihash-shaped byte identifier of a peer. Distance
// arithmetic never operates on ID directly; callers hash it into kad.ID
// first via kad.FromPeerID.
type ID string

// String renders the peer ID as hex for logs and error messages.
func (id ID) String() string {
	return hex.EncodeToString([]byte(id))
}

// Addr is an opaque network address for a peer, as handed to the stream
// transport. The core does not parse it.
type Addr []byte

// AddressBook is the external port through which the core looks up and
// records how to reach a peer. The core's routing table owns liveness;
// the address book owns addresses and, optionally, a cached public key.
type AddressBook interface {
	AddAddrs(id ID, addrs []Addr)
	Addrs(id ID) []Addr

	// PublicKey returns a cached public key for id, if any is known.
	PublicKey(id ID) ([]byte, bool)
	// SetPublicKey caches a public key for id. Callers must verify
	// hash(pubkey) == id before calling this; the address book does not
	// re-verify on write, and must not be assumed to on read either (see
	// DESIGN.md Open Question (a) for where the verification actually
	// happens).
	SetPublicKey(id ID, pubKey []byte)
}

// MapAddressBook is an in-memory AddressBook, the default used by tests
// and by the facade when no external implementation is supplied.
type MapAddressBook struct {
	addrs map[ID][]Addr
	pub   map[ID][]byte
}

// NewMapAddressBook returns an empty in-memory address book.
func NewMapAddressBook() *MapAddressBook {
	return &MapAddressBook{
		addrs: make(map[ID][]Addr),
		pub:   make(map[ID][]byte),
	}
}

func (b *MapAddressBook) AddAddrs(id ID, addrs []Addr) {
	existing := b.addrs[id]
outer:
	for _, a := range addrs {
		for _, e := range existing {
			if string(e) == string(a) {
				continue outer
			}
		}
		existing = append(existing, a)
	}
	b.addrs[id] = existing
}

func (b *MapAddressBook) Addrs(id ID) []Addr {
	return b.addrs[id]
}

func (b *MapAddressBook) PublicKey(id ID) ([]byte, bool) {
	k, ok := b.pub[id]
	return k, ok
}

func (b *MapAddressBook) SetPublicKey(id ID, pubKey []byte) {
	b.pub[id] = pubKey
}
