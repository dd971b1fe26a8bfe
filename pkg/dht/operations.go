package dht

import (
	"context"
	"errors"
	"sync"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/query"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

func (s *Service) queryConfig(kind query.Kind) query.Config {
	return query.Config{
		Alpha:         s.currentAlpha(),
		K:             s.cfg.K,
		Timeout:       s.cfg.QueryTimeout,
		MaxIterations: 20,
		SiblingCount:  s.cfg.SiblingCount,
		Disjoint:      s.cfg.Disjoint,
		DisjointPaths: s.cfg.DisjointPaths,
	}
}

func (s *Service) seedPeers(target kadkey.Key) []kbucket.PeerEntry {
	return s.routingTable.ClosestPeers(target, s.cfg.K, nil)
}

// FindNode runs an iterative lookup for target, returning the closest
// peers the routing table and network together reveal.
func (s *Service) FindNode(ctx context.Context, target kadkey.Key) ([]kbucket.PeerEntry, error) {
	s.emit(Event{Kind: EventQueryStarted})
	seeds := s.seedPeers(target)
	if len(seeds) == 0 {
		s.emit(Event{Kind: EventQueryFailed, Reason: "no peers available"})
		return nil, &NoPeersAvailable{}
	}

	res, err := query.Run(ctx, query.KindFindNode, target, nil, seeds, s.queryConfig(query.KindFindNode), &queryDelegate{s}, nil)
	if err != nil {
		if errors.Is(err, query.ErrMaxIterationsExceeded) && res != nil {
			s.emit(Event{Kind: EventQueryFailed, Reason: "max iterations exceeded"})
			return res.Closest, &MaxDepthExceeded{}
		}
		s.emit(Event{Kind: EventQueryFailed, Reason: err.Error()})
		return nil, mapQueryErr(err)
	}
	if len(res.Closest) == 0 {
		s.emit(Event{Kind: EventQueryFailed, Reason: "no peer responded"})
		return nil, &NoPeersAvailable{}
	}
	s.emit(Event{Kind: EventQuerySucceeded})
	return res.Closest, nil
}

// GetValue retrieves the record for key, preferring the local store and
// falling back to an iterative lookup. The located record is cached
// locally afterward.
func (s *Service) GetValue(ctx context.Context, key []byte) (*store.Record, error) {
	if rec, found, err := s.recordStore.Get(ctx, key); err == nil && found {
		s.emit(Event{Kind: EventRecordRetrieved, Key: key})
		return &rec, nil
	}

	s.emit(Event{Kind: EventQueryStarted})
	target := kadkey.FromHash(key)
	seeds := s.seedPeers(target)
	if len(seeds) == 0 {
		s.emit(Event{Kind: EventQueryFailed, Reason: "no peers available"})
		return nil, &NoPeersAvailable{}
	}

	res, err := query.Run(ctx, query.KindGetValue, target, key, seeds, s.queryConfig(query.KindGetValue), &queryDelegate{s}, s.validator)
	exhausted := errors.Is(err, query.ErrMaxIterationsExceeded)
	if err != nil && !exhausted {
		s.emit(Event{Kind: EventQueryFailed, Reason: err.Error()})
		return nil, mapQueryErr(err)
	}
	if exhausted {
		s.emit(Event{Kind: EventQueryFailed, Reason: "max iterations exceeded"})
	}
	if !res.Found {
		s.emit(Event{Kind: EventRecordNotFound, Key: key})
		if exhausted {
			return nil, &MaxDepthExceeded{}
		}
		return nil, &RecordNotFound{}
	}

	if _, err := s.recordStore.Put(ctx, *res.Record, s.cfg.RecordTTL); err != nil {
		s.logf("record store put after lookup: %v", err)
	}
	s.emit(Event{Kind: EventRecordRetrieved, Key: key, Peer: res.RecordFrom})
	s.emit(Event{Kind: EventQuerySucceeded})
	return res.Record, nil
}

// PutValue stores (key, value) locally and fans it out to the K closest
// peers discovered by an iterative lookup, returning the number of remote
// peers that acknowledged. The local store always receives the put
// regardless of how many (if any) remote peers acknowledge.
func (s *Service) PutValue(ctx context.Context, key, value []byte) (int, error) {
	if err := s.validator.Validate(key, value); err != nil {
		return 0, &InvalidRecord{Reason: err.Error()}
	}
	if _, err := s.recordStore.Put(ctx, store.Record{Key: key, Value: value}, s.cfg.RecordTTL); err != nil {
		s.logf("local record store put: %v", err)
	}

	target := kadkey.FromHash(key)
	seeds := s.seedPeers(target)
	if len(seeds) == 0 {
		s.emit(Event{Kind: EventQuerySucceeded, StoredTo: 0})
		return 0, nil
	}

	closestRes, err := query.Run(ctx, query.KindFindNode, target, nil, seeds, s.queryConfig(query.KindFindNode), &queryDelegate{s}, nil)
	if err != nil {
		if !errors.Is(err, query.ErrMaxIterationsExceeded) || closestRes == nil {
			return 0, mapQueryErr(err)
		}
		s.emit(Event{Kind: EventQueryFailed, Reason: "max iterations exceeded"})
	}

	var mu sync.Mutex
	stored := 0
	var wg sync.WaitGroup
	for _, peer := range closestRes.Closest {
		wg.Add(1)
		go func(p peerid.ID) {
			defer wg.Done()
			_, err := s.roundTrip(ctx, p, &wire.Message{
				Type:   wire.PutValue,
				Record: &wire.Record{Key: key, Value: value},
			})
			if err == nil {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}(peer.Peer)
	}
	wg.Wait()

	s.emit(Event{Kind: EventQuerySucceeded, StoredTo: stored, Key: key})
	return stored, nil
}

// GetProviders retrieves the providers for key, preferring the local store
// and falling back to an iterative lookup that also gathers any providers
// discovered along the way.
func (s *Service) GetProviders(ctx context.Context, key []byte) ([]store.ProviderRecord, error) {
	local, err := s.providerStore.Get(ctx, key)
	if err == nil && len(local) > 0 {
		s.emit(Event{Kind: EventProvidersFound, Key: key, Providers: len(local)})
		return local, nil
	}

	target := kadkey.FromHash(key)
	seeds := s.seedPeers(target)
	if len(seeds) == 0 {
		return nil, &NoPeersAvailable{}
	}

	res, err := query.Run(ctx, query.KindGetProviders, target, key, seeds, s.queryConfig(query.KindGetProviders), &queryDelegate{s}, nil)
	exhausted := errors.Is(err, query.ErrMaxIterationsExceeded)
	if err != nil && !exhausted {
		return nil, mapQueryErr(err)
	}
	if len(res.Providers) == 0 {
		if exhausted {
			s.emit(Event{Kind: EventQueryFailed, Reason: "max iterations exceeded"})
			return nil, &MaxDepthExceeded{}
		}
		return nil, &ProviderNotFound{}
	}
	s.emit(Event{Kind: EventProvidersFound, Key: key, Providers: len(res.Providers)})
	return res.Providers, nil
}

// Provide announces the local peer as a provider of key to the K closest
// peers discovered by an iterative lookup, recording it locally as well.
func (s *Service) Provide(ctx context.Context, key []byte, addresses []string) (int, error) {
	if _, err := s.providerStore.Put(ctx, key, s.localPeer, addresses, s.cfg.ProviderTTL); err != nil {
		s.logf("local provider store put: %v", err)
	}

	target := kadkey.FromHash(key)
	seeds := s.seedPeers(target)
	if len(seeds) == 0 {
		return 0, nil
	}

	closestRes, err := query.Run(ctx, query.KindFindNode, target, nil, seeds, s.queryConfig(query.KindFindNode), &queryDelegate{s}, nil)
	if err != nil {
		if !errors.Is(err, query.ErrMaxIterationsExceeded) || closestRes == nil {
			return 0, mapQueryErr(err)
		}
		s.emit(Event{Kind: EventQueryFailed, Reason: "max iterations exceeded"})
	}

	provider := wire.Peer{ID: s.localPeer.Bytes(), Addrs: stringsToBytes(addresses), Connection: wire.CanConnect}

	var mu sync.Mutex
	announced := 0
	var wg sync.WaitGroup
	for _, peer := range closestRes.Closest {
		wg.Add(1)
		go func(p peerid.ID) {
			defer wg.Done()
			_, err := s.roundTrip(ctx, p, &wire.Message{
				Type:          wire.AddProvider,
				Key:           key,
				ProviderPeers: []wire.Peer{provider},
			})
			if err == nil {
				mu.Lock()
				announced++
				mu.Unlock()
			}
		}(peer.Peer)
	}
	wg.Wait()

	s.emit(Event{Kind: EventProviderAnnounced, Key: key, StoredTo: announced})
	return announced, nil
}

func stringsToBytes(addrs []string) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = []byte(a)
	}
	return out
}

func mapQueryErr(err error) error {
	switch err {
	case query.ErrTimeout:
		return &Timeout{Reason: "query exceeded query_timeout"}
	case query.ErrNoPeersAvailable:
		return &NoPeersAvailable{}
	case query.ErrMaxIterationsExceeded:
		return &MaxDepthExceeded{}
	default:
		return err
	}
}
