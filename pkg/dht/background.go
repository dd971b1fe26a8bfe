package dht

import (
	"context"
	"math/rand"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// StartCleanup launches the cleanup loop: every CleanupInterval, both
// stores are swept for expired entries and MaintenanceCompleted is emitted
// if anything was removed. The loop exits when the service shuts down.
func (s *Service) StartCleanup() {
	ctx := s.maintenanceCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCleanup(ctx)
			}
		}
	}()
}

func (s *Service) runCleanup(ctx context.Context) {
	recordsRemoved, err := s.recordStore.Cleanup(ctx)
	if err != nil {
		s.logf("record store cleanup: %v", err)
	}
	providersRemoved, err := s.providerStore.Cleanup(ctx)
	if err != nil {
		s.logf("provider store cleanup: %v", err)
	}
	if recordsRemoved > 0 || providersRemoved > 0 {
		s.emit(Event{Kind: EventMaintenanceCompleted})
	}
}

// StartRefresh launches the refresh loop: every RefreshInterval, stale
// buckets are identified, shuffled, and RandomWalkCount of them are probed
// with a find_node landing in that bucket.
func (s *Service) StartRefresh() {
	ctx := s.maintenanceCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRefresh(ctx)
			}
		}
	}()
}

func (s *Service) runRefresh(ctx context.Context) {
	s.emit(Event{Kind: EventRefreshStarted})
	cutoff := time.Now().Add(-s.cfg.RefreshInterval)
	stale := s.routingTable.BucketsNeedingRefresh(cutoff)
	if len(stale) == 0 {
		s.emit(Event{Kind: EventRefreshCompleted})
		return
	}

	rand.Shuffle(len(stale), func(i, j int) { stale[i], stale[j] = stale[j], stale[i] })
	n := s.cfg.RandomWalkCount
	if n > len(stale) {
		n = len(stale)
	}

	for _, idx := range stale[:n] {
		target, err := s.routingTable.RandomKeyForBucket(idx)
		if err != nil {
			s.logf("random key for bucket %d: %v", idx, err)
			continue
		}
		if _, err := s.FindNode(ctx, target); err != nil {
			s.logf("refresh find_node for bucket %d: %v", idx, err)
			continue
		}
		s.routingTable.MarkBucketRefreshed(idx, time.Now())
	}
	s.emit(Event{Kind: EventRoutingTableRefreshed})
	s.emit(Event{Kind: EventRefreshCompleted})
}

// StartRepublish launches the republish loop: every RecordRepublishInterval,
// records and provider announcements due for republish are rediscovered
// and re-announced to their K closest peers, then re-put locally to refresh
// their expiry.
func (s *Service) StartRepublish() {
	ctx := s.maintenanceCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.RecordRepublishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRepublish(ctx)
			}
		}
	}()
}

func (s *Service) runRepublish(ctx context.Context) {
	due, err := s.recordStore.RecordsNeedingRepublish(ctx, s.cfg.RecordRepublishInterval)
	if err != nil {
		s.logf("records needing republish: %v", err)
	}
	for _, rec := range due {
		if _, err := s.PutValue(ctx, rec.Record.Key, rec.Record.Value); err != nil {
			s.logf("republish record: %v", err)
			continue
		}
		s.emit(Event{Kind: EventRecordRepublished, Key: rec.Record.Key})
	}

	keys, err := s.providerStore.KeysNeedingRepublish(ctx, s.localPeer, s.cfg.ProviderRepublishInterval)
	if err != nil {
		s.logf("provider keys needing republish: %v", err)
	}
	for _, key := range keys {
		provs, err := s.providerStore.Get(ctx, key)
		if err != nil {
			continue
		}
		var addrs []string
		for _, p := range provs {
			if p.Provider == s.localPeer {
				addrs = p.Addresses
				break
			}
		}
		if _, err := s.Provide(ctx, key, addrs); err != nil {
			s.logf("republish provider: %v", err)
			continue
		}
		s.emit(Event{Kind: EventProviderAnnounced, Key: key})
	}
}

// Bootstrap seeds the routing table from a list of already-known bootstrap
// peers, issuing find_node(local_key) against each to discover and add
// their neighbors, then runs one refresh pass immediately. It is the
// supplemental operational on-ramp every standalone binary needs to join
// an existing swarm.
func (s *Service) Bootstrap(ctx context.Context, bootstrapPeers []peerid.ID) error {
	for _, p := range bootstrapPeers {
		s.routingTable.AddPeer(p, nil)
	}

	if _, err := s.FindNode(ctx, s.routingTable.LocalKey()); err != nil {
		return err
	}
	s.runRefresh(ctx)
	return nil
}
