package dht

import (
	"time"

	"github.com/hlandau/goutils/clock"

	"github.com/kadcore/dht/net"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/provider"
	"github.com/kadcore/dht/record"
)

// Config configures a DHT node, spec §6.
type Config struct {
	// Self is this node's peer ID. Required.
	Self peer.ID

	// K is the bucket size / result width. Default 20.
	K int
	// Alpha is the number of disjoint query paths. Default 3.
	Alpha int
	// Beta is the per-path worker concurrency. Default equals Alpha.
	Beta int

	// RecordTTL is how long a local record is retained, default 36h.
	RecordTTL time.Duration
	// ProviderTTL is how long a provider announcement is retained,
	// default 24h.
	ProviderTTL time.Duration

	// QueryTimeout bounds a whole query engine run, default 60s.
	QueryTimeout time.Duration
	// RequestTimeout bounds a single RPC round trip, default 10s.
	RequestTimeout time.Duration

	// BucketRefreshInterval is how often idle buckets are refreshed,
	// default 10 minutes.
	BucketRefreshInterval time.Duration
	// RecordRepublishInterval is how often locally authored records are
	// re-PUT, default equal to RecordTTL / 2.
	RecordRepublishInterval time.Duration
	// ProviderRepublishInterval is how often locally provided keys are
	// re-announced, default equal to ProviderTTL / 2.
	ProviderRepublishInterval time.Duration
	// CleanupInterval is how often expired records/providers/contacts are
	// swept, default 5 minutes.
	CleanupInterval time.Duration

	// ClientMode, if true, means this node never answers incoming queries
	// (it only originates them). Spec §6.
	ClientMode bool

	// MinAcks is the minimum number of remote acknowledgements required
	// for Put to report success. Spec §9 Open Question (b): the source
	// treats any single success as success; this exposes a configurable
	// lower bound instead. Default 1 (any success).
	MinAcks int

	// Transport is the underlying stream transport. Required.
	Transport net.Transport

	// AddressBook caches peer addresses and public keys. Defaults to an
	// in-memory MapAddressBook.
	AddressBook peer.AddressBook

	// Registry holds per-prefix record validators/selectors. Defaults to
	// record.NewRegistry().
	Registry *record.Registry

	// RecordDatastore backs the record store. Defaults to an in-memory
	// MapDatastore.
	RecordDatastore record.Datastore

	// Clock is injected for deterministic tests. Defaults to clock.Real.
	Clock clock.Clock

	// Identity is this node's own keypair, if it has one. When set, New
	// seeds AddressBook with Self's own public key so GET_VALUE requests
	// for "/pk/<Self>" can be answered directly, spec §4.E's "the peer is
	// ourselves" case. Optional: a node with no identity of its own can
	// still relay/answer "/pk/" lookups for peers already in its
	// AddressBook.
	Identity *peer.Identity
}

func (cfg *Config) setDefaults() {
	if cfg.K == 0 {
		cfg.K = 20
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 3
	}
	if cfg.Beta == 0 {
		cfg.Beta = cfg.Alpha
	}
	if cfg.RecordTTL == 0 {
		cfg.RecordTTL = record.DefaultTTL
	}
	if cfg.ProviderTTL == 0 {
		cfg.ProviderTTL = provider.DefaultTTL
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = net.DefaultRequestTimeout
	}
	if cfg.BucketRefreshInterval == 0 {
		cfg.BucketRefreshInterval = 10 * time.Minute
	}
	if cfg.RecordRepublishInterval == 0 {
		cfg.RecordRepublishInterval = cfg.RecordTTL / 2
	}
	if cfg.ProviderRepublishInterval == 0 {
		cfg.ProviderRepublishInterval = cfg.ProviderTTL / 2
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MinAcks == 0 {
		cfg.MinAcks = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.AddressBook == nil {
		cfg.AddressBook = peer.NewMapAddressBook()
	}
	if cfg.Registry == nil {
		cfg.Registry = record.NewRegistry()
	}
}

// MinPutAcks returns the configured acknowledgement floor for Put,
// defaulting to 1 (any success) per spec §9 Open Question (b).
func (cfg Config) MinPutAcks() int {
	if cfg.MinAcks <= 0 {
		return 1
	}
	return cfg.MinAcks
}
