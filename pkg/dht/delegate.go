package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

// roundTrip opens one stream to peer, writes req under the per-peer
// timeout, reads exactly one response message, and closes the stream on
// every exit path. A failure here is recorded against the latency tracker
// and always returned as an error; success records the observed RTT.
func (s *Service) roundTrip(ctx context.Context, peer peerid.ID, req *wire.Message) (*wire.Message, error) {
	start := time.Now()

	timeout := s.cfg.PeerTimeout
	if s.tracker != nil {
		timeout = s.tracker.SuggestedTimeout(peer, s.cfg.PeerTimeout)
	}

	st, err := s.opener.NewStream(ctx, peer, ProtocolID)
	if err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure(peer)
		}
		return nil, fmt.Errorf("dht: open stream to %s: %w", peer, err)
	}
	defer st.Close()

	if err := st.SetDeadline(time.Now().Add(timeout)); err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure(peer)
		}
		return nil, fmt.Errorf("dht: set deadline: %w", err)
	}

	if err := wire.WriteMessage(st, req); err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure(peer)
		}
		return nil, fmt.Errorf("dht: write request to %s: %w", peer, err)
	}

	resp, err := wire.ReadMessage(st, s.cfg.MaxMessageSize)
	if err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure(peer)
		}
		return nil, fmt.Errorf("dht: read response from %s: %w", peer, err)
	}

	if s.tracker != nil {
		s.tracker.RecordSuccess(peer, time.Since(start))
	}
	s.routingTable.AddPeer(peer, nil)
	return resp, nil
}

func peersFromWire(peers []wire.Peer) []kbucket.PeerEntry {
	out := make([]kbucket.PeerEntry, 0, len(peers))
	for _, p := range peers {
		id := peerid.ID(p.ID)
		addrs := make([]string, 0, len(p.Addrs))
		for _, a := range p.Addrs {
			addrs = append(addrs, string(a))
		}
		out = append(out, kbucket.PeerEntry{
			Peer:      id,
			Key:       kadkey.FromPeerBytes(id.Bytes()),
			Addresses: addrs,
		})
	}
	return out
}

func peersToWire(entries []kbucket.PeerEntry) []wire.Peer {
	out := make([]wire.Peer, 0, len(entries))
	for _, e := range entries {
		addrs := make([][]byte, 0, len(e.Addresses))
		for _, a := range e.Addresses {
			addrs = append(addrs, []byte(a))
		}
		out = append(out, wire.Peer{
			ID:         e.Peer.Bytes(),
			Addrs:      addrs,
			Connection: wire.CanConnect,
		})
	}
	return out
}

// queryDelegate adapts Service into query.Delegate, the thin per-peer RPC
// capability the iterative lookup engine borrows.
type queryDelegate struct {
	s *Service
}

func (d *queryDelegate) FindNode(ctx context.Context, peer peerid.ID, target kadkey.Key) ([]kbucket.PeerEntry, error) {
	resp, err := d.s.roundTrip(ctx, peer, &wire.Message{Type: wire.FindNode, Key: target.Bytes()})
	if err != nil {
		return nil, err
	}
	return peersFromWire(resp.CloserPeers), nil
}

func (d *queryDelegate) GetValue(ctx context.Context, peer peerid.ID, key []byte) (*store.Record, []kbucket.PeerEntry, error) {
	resp, err := d.s.roundTrip(ctx, peer, &wire.Message{Type: wire.GetValue, Key: key})
	if err != nil {
		return nil, nil, err
	}
	var rec *store.Record
	if resp.Record != nil {
		rec = &store.Record{Key: resp.Record.Key, Value: resp.Record.Value}
	}
	return rec, peersFromWire(resp.CloserPeers), nil
}

func (d *queryDelegate) GetProviders(ctx context.Context, peer peerid.ID, key []byte) ([]store.ProviderRecord, []kbucket.PeerEntry, error) {
	resp, err := d.s.roundTrip(ctx, peer, &wire.Message{Type: wire.GetProviders, Key: key})
	if err != nil {
		return nil, nil, err
	}
	provs := make([]store.ProviderRecord, 0, len(resp.ProviderPeers))
	for _, p := range resp.ProviderPeers {
		addrs := make([]string, 0, len(p.Addrs))
		for _, a := range p.Addrs {
			addrs = append(addrs, string(a))
		}
		provs = append(provs, store.ProviderRecord{Provider: peerid.ID(p.ID), Addresses: addrs})
	}
	return provs, peersFromWire(resp.CloserPeers), nil
}
