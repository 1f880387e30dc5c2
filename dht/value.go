package dht

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/pb"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/query"
	"github.com/kadcore/dht/record"
)

// DefaultGetWidth is how many records Get gathers before selecting, and
// how many GetMany gathers when the caller passes N <= 0.
const DefaultGetWidth = 16

// Put validates and stores value locally, then pushes it to the k peers
// closest to key, spec §4.J. A put succeeds once at least MinPutAcks
// remote peers have acknowledged (default 1, spec §9 Open Question b).
func (d *DHT) Put(ctx context.Context, key, value []byte) error {
	if err := d.records.Put(key, value); err != nil {
		return newError(KindInvalidRecord, "dht: put rejected locally", err)
	}

	d.mu.Lock()
	d.originated[string(key)] = append([]byte(nil), value...)
	d.mu.Unlock()

	peers, err := d.GetClosestPeers(ctx, key)
	if err != nil {
		return err
	}
	return d.pushValue(ctx, peers, key, value)
}

func (d *DHT) pushValue(ctx context.Context, peers []peer.ID, key, value []byte) error {
	minAcks := d.cfg.MinPutAcks()

	var mu sync.Mutex
	acks := 0
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &pb.Message{Type: pb.PutValue, Key: key, Record: &pb.Record{Key: key, Value: value, TimeReceived: d.cfg.Clock.Now()}}
			if _, err := d.transport.SendRequest(ctx, p, msg); err != nil {
				log.Debugf("put: sending to %v: %v", p, err)
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if acks < minAcks {
		return newError(KindNotFound, "dht: put failed, insufficient acknowledgements", nil)
	}
	return nil
}

// valueObservation is one responder's returned record, retained so Get
// can send a correcting PUT_VALUE back to stale holders.
type valueObservation struct {
	peer peer.ID
	rec  record.Record
}

// GetMany gathers up to N validated records for key without selecting
// among them, spec §4.J.
func (d *DHT) GetMany(ctx context.Context, key []byte, n int, timeout time.Duration) ([]record.Record, error) {
	obs, err := d.gatherValues(ctx, key, n, timeout)
	if err != nil && len(obs) == 0 {
		return nil, err
	}
	out := make([]record.Record, len(obs))
	for i, o := range obs {
		out[i] = o.rec
	}
	return out, nil
}

func (d *DHT) gatherValues(ctx context.Context, key []byte, n int, timeout time.Duration) ([]valueObservation, error) {
	if n <= 0 {
		n = DefaultGetWidth
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var obs []valueObservation
	add := func(p peer.ID, rec record.Record) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(obs) >= n {
			return true
		}
		obs = append(obs, valueObservation{peer: p, rec: rec})
		return len(obs) >= n
	}

	if local, ok, err := d.records.Get(key); err == nil && ok {
		add(d.cfg.Self, local)
	}

	target := kad.FromKey(key)
	seeds := d.rt.ClosestPeers(target, d.cfg.K)
	if len(seeds) == 0 {
		if len(obs) > 0 {
			return obs, nil
		}
		return nil, ErrLookupFailed
	}

	mk := func() query.QueryPeerFunc {
		return func(ctx context.Context, p peer.ID) query.PathStep {
			resp, err := d.transport.SendRequest(ctx, p, &pb.Message{Type: pb.GetValue, Key: key})
			if err != nil {
				return query.PathStep{Err: err}
			}
			if resp.Record != nil {
				rec := recordFromWire(resp.Record)
				if err := d.cfg.Registry.Validate(key, rec.Value); err == nil {
					if full := add(p, rec); full {
						return query.PathStep{QueryComplete: true}
					}
				}
			}
			return query.PathStep{CloserPeers: peerIDsOf(resp.CloserPeers)}
		}
	}

	if _, err := d.runQuery(ctx, target, seeds, mk); err != nil && len(obs) == 0 {
		return nil, err
	}
	return obs, nil
}

// Get returns the selected record for key, validating and, when the
// network's best answer differs from a stale responder's, opportunistically
// sending that responder a correcting PUT_VALUE. Spec §4.J.
func (d *DHT) Get(ctx context.Context, key []byte, timeout time.Duration) (record.Record, error) {
	if strings.HasPrefix(string(key), record.PublicKeyPrefix) {
		if local, ok, err := d.records.Get(key); err == nil && ok {
			return local, nil
		}
	}

	obs, err := d.gatherValues(ctx, key, DefaultGetWidth, timeout)
	if err != nil || len(obs) == 0 {
		return record.Record{}, ErrNotFound
	}

	values := make([][]byte, len(obs))
	for i, o := range obs {
		values[i] = o.rec.Value
	}
	idx, err := d.cfg.Registry.SelectBest(key, values)
	if err != nil {
		return record.Record{}, newError(KindInvalidRecord, "dht: selecting best record", err)
	}
	best := obs[idx].rec

	d.correctStaleHolders(key, best, obs)
	return best, nil
}

// correctStaleHolders opportunistically re-sends the selected record to
// any responder whose returned value differed from it ("correcting put",
// spec §4.J). It runs against the node's own lifetime context, not the
// caller's, since Get may already have returned by the time these
// fire-and-forget sends land.
func (d *DHT) correctStaleHolders(key []byte, best record.Record, obs []valueObservation) {
	for _, o := range obs {
		if o.peer == d.cfg.Self || string(o.rec.Value) == string(best.Value) {
			continue
		}
		p := o.peer
		go func() {
			msg := &pb.Message{Type: pb.PutValue, Key: key, Record: &pb.Record{Key: key, Value: best.Value, TimeReceived: best.TimeReceived}}
			if err := d.transport.SendMessage(d.ctx, p, msg); err != nil {
				log.Debugf("get: correcting put to %v: %v", p, err)
			}
		}()
	}
}
