package dht

import (
	"context"
	"time"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/query"
)

// wait blocks until either d's interval elapses or the node is closing,
// reporting which happened. Self-rescheduling via clock.After rather than
// a ticker, since hlandau/goutils/clock.Clock exposes only Now/After (no
// NewTicker — verified against teacher's timerAt helper in dht-util.go).
func (d *DHT) wait(interval time.Duration) bool {
	select {
	case <-d.cfg.Clock.After(interval):
		return true
	case <-d.ctx.Done():
		return false
	}
}

// bucketRefreshLoop implements spec §4.K bucket refresh: every interval,
// for every bucket that holds at least one contact, pick a random ID in its
// prefix and look it up. Bucket activity is not tracked, so buckets are
// refreshed whether or not they were touched during the interval.
func (d *DHT) bucketRefreshLoop() {
	defer d.wg.Done()
	for d.wait(d.cfg.BucketRefreshInterval) {
		for _, cpl := range d.rt.NonEmptyBucketCPLs() {
			target, err := d.rt.RandomIDForCPL(cpl)
			if err != nil {
				log.Debugf("bucket refresh: cpl %d: %v", cpl, err)
				continue
			}
			if err := d.refreshTarget(target); err != nil {
				log.Debugf("bucket refresh: cpl %d: %v", cpl, err)
			}
		}
	}
}

func (d *DHT) refreshTarget(target kad.ID) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.QueryTimeout)
	defer cancel()

	seeds := d.rt.ClosestPeers(target, d.cfg.K)
	if len(seeds) == 0 {
		return ErrLookupFailed
	}
	mk := func() query.QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) query.PathStep {
			return d.findNodeStep(ctx, target, p)
		}
	}
	_, err := d.runQueryWithContext(ctx, target, seeds, mk)
	return err
}

// runQueryWithContext is runQuery without imposing a second timeout layer,
// used by maintenance loops that already derive their own bounded context.
func (d *DHT) runQueryWithContext(ctx context.Context, target kad.ID, seeds []peer.ID, mk query.MakePathQuery) (query.Result, error) {
	return query.Run(ctx, target, seeds, mk, query.WithAlpha(d.cfg.Alpha), query.WithK(d.cfg.K), query.WithBeta(d.cfg.Beta))
}

// recordRepublishLoop implements spec §4.K record republish: locally
// authored records are periodically re-PUT to the current k closest peers.
func (d *DHT) recordRepublishLoop() {
	defer d.wg.Done()
	for d.wait(d.cfg.RecordRepublishInterval) {
		d.mu.Lock()
		snapshot := make(map[string][]byte, len(d.originated))
		for k, v := range d.originated {
			snapshot[k] = v
		}
		d.mu.Unlock()

		for k, v := range snapshot {
			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.QueryTimeout)
			peers, err := d.GetClosestPeers(ctx, []byte(k))
			if err != nil {
				log.Debugf("record republish: %q: %v", k, err)
				cancel()
				continue
			}
			if err := d.pushValue(ctx, peers, []byte(k), v); err != nil {
				log.Debugf("record republish: %q: %v", k, err)
			}
			cancel()
		}
	}
}

// providerRepublishLoop implements spec §4.K provider republish.
func (d *DHT) providerRepublishLoop() {
	defer d.wg.Done()
	for d.wait(d.cfg.ProviderRepublishInterval) {
		d.mu.Lock()
		keys := make([]string, 0, len(d.provided))
		for k := range d.provided {
			keys = append(keys, k)
		}
		d.mu.Unlock()

		for _, k := range keys {
			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.QueryTimeout)
			if err := d.Provide(ctx, []byte(k)); err != nil {
				log.Debugf("provider republish: %q: %v", k, err)
			}
			cancel()
		}
	}
}

// staleContactAge bounds how long an unreachable routing-table contact is
// kept before cleanup evicts it; three refresh intervals, so a contact
// survives at least a couple of refresh passes before being dropped.
func (d *DHT) staleContactAge() time.Duration {
	return 3 * d.cfg.BucketRefreshInterval
}

// cleanupLoop implements spec §4.K cleanup: expire records, providers and
// stale routing-table contacts by TTL.
func (d *DHT) cleanupLoop() {
	defer d.wg.Done()
	for d.wait(d.cfg.CleanupInterval) {
		if n, err := d.records.GC(); err != nil {
			log.Debugf("cleanup: record GC: %v", err)
		} else if n > 0 {
			log.Debugf("cleanup: evicted %d expired records", n)
		}

		if n := d.providers.GC(); n > 0 {
			log.Debugf("cleanup: evicted %d expired provider entries", n)
		}

		if evicted := d.rt.PruneExpired(d.staleContactAge()); len(evicted) > 0 {
			log.Debugf("cleanup: evicted %d stale routing-table contacts", len(evicted))
		}
	}
}
