package dht

import (
	"github.com/kadcore/dht/kad"
	"github.com/kadcore/dht/net"
	"github.com/kadcore/dht/pb"
	"github.com/kadcore/dht/peer"
	"github.com/kadcore/dht/record"
)

// HandleStream services one incoming request/response stream: spec §4.F's
// server side. Callers wire their transport's accept loop to this method
// directly, the same shape as teacher's readLoop handing packets to
// lRxPacket. A client-mode node (cfg.ClientMode) closes the stream without
// reading or answering the request.
func (d *DHT) HandleStream(s net.Stream) {
	defer s.Close()

	if d.cfg.ClientMode {
		return
	}

	req, err := pb.ReadMessage(s)
	if err != nil {
		log.Debugf("handler: reading request: %v", err)
		return
	}

	resp := d.dispatch(req)
	if resp == nil {
		return
	}
	if err := pb.WriteMessage(s, resp); err != nil {
		log.Debugf("handler: writing response: %v", err)
	}
}

func (d *DHT) dispatch(req *pb.Message) *pb.Message {
	switch req.Type {
	case pb.Ping:
		return &pb.Message{Type: pb.Ping}

	case pb.FindNode:
		target, err := kad.FromDigest(req.Key)
		if err != nil {
			log.Debugf("handler: find_node: bad target digest: %v", err)
			return nil
		}
		closer := d.closerPeerInfos(target)
		return &pb.Message{Type: pb.FindNode, Key: req.Key, CloserPeers: closer}

	case pb.GetValue:
		resp := &pb.Message{Type: pb.GetValue, Key: req.Key}
		if rec, ok, err := d.records.Get(req.Key); err == nil && ok {
			resp.Record = recordToWire(rec)
		} else if id, ok := idFromPublicKeyKey(req.Key); ok {
			// Spec §4.E: a "/pk/<id>" lookup for a key we never stored a
			// record for is still answerable if id is ourselves or a peer
			// we otherwise know the public key of (GetPublicKey caches
			// verified keys here, and New seeds our own).
			if pub, ok := d.cfg.AddressBook.PublicKey(id); ok {
				resp.Record = &pb.Record{Key: req.Key, Value: pub, TimeReceived: d.cfg.Clock.Now()}
			}
		}
		resp.CloserPeers = d.closerPeerInfos(kad.FromKey(req.Key))
		return resp

	case pb.PutValue:
		if req.Record == nil {
			return nil
		}
		if err := d.records.Put(req.Key, req.Record.Value); err != nil {
			log.Debugf("handler: put_value rejected: %v", err)
		}
		return &pb.Message{Type: pb.PutValue, Key: req.Key}

	case pb.AddProvider:
		// Spec §4.E: add only when the provider id matches the
		// authenticated sender, silently dropping otherwise. HandleStream
		// has no authenticated sender id to check against — the stream
		// transport's peer authentication is an external collaborator
		// this module doesn't implement — so that check is not enforced
		// here: any peer can currently add a provider record for any id.
		for _, pi := range req.ProviderPeers {
			d.providers.AddProvider(req.Key, peer.ID(pi.ID))
		}
		return &pb.Message{Type: pb.AddProvider, Key: req.Key}

	case pb.GetProviders:
		resp := &pb.Message{Type: pb.GetProviders, Key: req.Key}
		for _, e := range d.providers.GetProviders(req.Key) {
			resp.ProviderPeers = append(resp.ProviderPeers, pb.PeerInfo{ID: []byte(e.Provider)})
		}
		resp.CloserPeers = d.closerPeerInfos(kad.FromKey(req.Key))
		return resp

	default:
		log.Debugf("handler: unrecognized message type %v", req.Type)
		return nil
	}
}

func (d *DHT) closerPeerInfos(target kad.ID) []pb.PeerInfo {
	peers := d.rt.ClosestPeers(target, d.cfg.K)
	out := make([]pb.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, pb.PeerInfo{ID: []byte(p)})
	}
	return out
}

func recordToWire(r record.Record) *pb.Record {
	return &pb.Record{
		Key:          r.Key,
		Value:        r.Value,
		Author:       []byte(r.Author),
		Signature:    r.Signature,
		TimeReceived: r.TimeReceived,
	}
}

func recordFromWire(w *pb.Record) record.Record {
	if w == nil {
		return record.Record{}
	}
	return record.Record{
		Key:          w.Key,
		Value:        w.Value,
		Author:       peer.ID(w.Author),
		Signature:    w.Signature,
		TimeReceived: w.TimeReceived,
	}
}
