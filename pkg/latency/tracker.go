// Package latency tracks per-peer round-trip-time and success/failure
// statistics, feeding the query engine's dynamic parallelism decisions.
package latency

import (
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// DefaultMaxPeers is the default eviction ceiling on tracked peers.
const DefaultMaxPeers = 1000

const (
	minSuggestedTimeout = time.Second
	timeoutMultiplier   = 3
)

// Stats is the accumulated RTT and outcome history for one peer.
type Stats struct {
	Sum         time.Duration
	Count       int
	Successes   int
	Failures    int
	LastUpdated time.Time
}

// AverageLatency returns Sum/Successes, or 0 if there are no successes.
func (s Stats) AverageLatency() time.Duration {
	if s.Successes == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Successes)
}

// Tracker holds per-peer Stats up to MaxPeers, evicting the peer with the
// oldest LastUpdated when a new peer would exceed capacity.
type Tracker struct {
	mu       sync.Mutex
	maxPeers int
	peers    map[peerid.ID]*Stats
}

// New constructs a Tracker with the given peer-count ceiling. A non-positive
// maxPeers selects DefaultMaxPeers.
func New(maxPeers int) *Tracker {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Tracker{
		maxPeers: maxPeers,
		peers:    make(map[peerid.ID]*Stats),
	}
}

func (t *Tracker) evictOldestLocked() {
	var oldestPeer peerid.ID
	var oldest time.Time
	first := true
	for p, s := range t.peers {
		if first || s.LastUpdated.Before(oldest) {
			oldest = s.LastUpdated
			oldestPeer = p
			first = false
		}
	}
	if !first {
		delete(t.peers, oldestPeer)
	}
}

func (t *Tracker) getOrCreateLocked(peer peerid.ID, now time.Time) *Stats {
	s, ok := t.peers[peer]
	if ok {
		return s
	}
	if len(t.peers) >= t.maxPeers {
		t.evictOldestLocked()
	}
	s = &Stats{LastUpdated: now}
	t.peers[peer] = s
	return s
}

// RecordSuccess folds rtt into peer's running sum/count and bumps successes.
func (t *Tracker) RecordSuccess(peer peerid.ID, rtt time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(peer, now)
	s.Sum += rtt
	s.Count++
	s.Successes++
	s.LastUpdated = now
}

// RecordFailure bumps peer's failure count.
func (t *Tracker) RecordFailure(peer peerid.ID) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(peer, now)
	s.Failures++
	s.LastUpdated = now
}

// Stats returns a copy of peer's tracked statistics, if any.
func (t *Tracker) Stats(peer peerid.ID) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.peers[peer]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// SuggestedTimeout returns clamp(3*avg_latency, 1s, def) for peer, or def if
// there are no recorded samples.
func (t *Tracker) SuggestedTimeout(peer peerid.ID, def time.Duration) time.Duration {
	s, ok := t.Stats(peer)
	if !ok || s.Successes == 0 {
		return def
	}
	suggested := s.AverageLatency() * timeoutMultiplier
	if suggested < minSuggestedTimeout {
		return minSuggestedTimeout
	}
	if suggested > def {
		return def
	}
	return suggested
}

// OverallSuccessRate aggregates successes/(successes+failures) across every
// tracked peer. Returns 1.0 if nothing has been recorded yet, matching the
// optimistic default the dynamic-alpha calculation expects on a cold start.
func (t *Tracker) OverallSuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var successes, failures int
	for _, s := range t.peers {
		successes += s.Successes
		failures += s.Failures
	}
	total := successes + failures
	if total == 0 {
		return 1.0
	}
	return float64(successes) / float64(total)
}

// Cleanup drops entries whose LastUpdated predates cutoff, returning the
// number removed.
func (t *Tracker) Cleanup(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for p, s := range t.peers {
		if s.LastUpdated.Before(cutoff) {
			delete(t.peers, p)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked peers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
