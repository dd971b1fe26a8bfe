package kbucket

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// Buckets is the fixed bucket count: one per possible leading-zero count of
// a 256-bit distance.
const Buckets = 256

// ErrSelfEntry is returned when add_peer is asked to add the local peer, or
// a peer that hashes to the same key as the local peer.
var ErrSelfEntry = errors.New("kbucket: refusing to add local peer to its own routing table")

// Event classifies a routing-table membership change for the PeerAdded /
// PeerRemoved / PeerUpdated event stream.
type Event int

const (
	PeerAdded Event = iota
	PeerRemoved
	PeerUpdated
)

func (e Event) String() string {
	switch e {
	case PeerAdded:
		return "peer_added"
	case PeerRemoved:
		return "peer_removed"
	case PeerUpdated:
		return "peer_updated"
	default:
		return "unknown"
	}
}

// EventCallback is notified of routing-table membership changes. It must
// not block or re-enter the routing table.
type EventCallback func(bucketIndex int, entry PeerEntry, event Event)

// RoutingTable holds 256 k-buckets behind a single mutex, indexed by
// distance from the local key.
type RoutingTable struct {
	mu        sync.Mutex
	localPeer peerid.ID
	localKey  kadkey.Key
	buckets   [Buckets]*Bucket
	k, p      int
	onEvent   EventCallback
	logger    *logging.Logger
}

// Option configures a RoutingTable at construction time.
type Option func(*RoutingTable)

// WithBucketSize overrides the default bucket capacity K.
func WithBucketSize(k int) Option {
	return func(rt *RoutingTable) { rt.k = k }
}

// WithPendingSize overrides the default pending-cache capacity P.
func WithPendingSize(p int) Option {
	return func(rt *RoutingTable) { rt.p = p }
}

// WithEventCallback registers a callback invoked on every membership
// change, mirroring the routing table's PeerAdded/Removed/Updated events.
func WithEventCallback(cb EventCallback) Option {
	return func(rt *RoutingTable) { rt.onEvent = cb }
}

// WithLogger attaches a component logger.
func WithLogger(l *logging.Logger) Option {
	return func(rt *RoutingTable) { rt.logger = l }
}

// New constructs an empty routing table for localPeer.
func New(localPeer peerid.ID, opts ...Option) *RoutingTable {
	rt := &RoutingTable{
		localPeer: localPeer,
		localKey:  kadkey.FromPeerBytes(localPeer.Bytes()),
		k:         DefaultK,
		p:         DefaultP,
	}
	for _, opt := range opts {
		opt(rt)
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(rt.k, rt.p)
	}
	return rt
}

// LocalKey returns the KadKey derived from the local peer identity.
func (rt *RoutingTable) LocalKey() kadkey.Key { return rt.localKey }

// SetEventCallback installs or replaces the membership-change callback
// after construction. Useful when the callback needs to close over a
// collaborator (e.g. a dht.Service) that itself takes the routing table as
// a constructor argument, making WithEventCallback's construction-time
// wiring circular.
func (rt *RoutingTable) SetEventCallback(cb EventCallback) {
	rt.onEvent = cb
}

func (rt *RoutingTable) bucketIndexFor(peerKey kadkey.Key) (int, bool) {
	return rt.localKey.Distance(peerKey).BucketIndex()
}

func (rt *RoutingTable) emit(idx int, entry PeerEntry, ev Event) {
	if rt.onEvent != nil {
		rt.onEvent(idx, entry, ev)
	}
	if rt.logger != nil {
		rt.logger.Debug("routing table event", logging.Fields{
			"event":  ev.String(),
			"bucket": idx,
			"peer":   entry.Peer.String(),
		})
	}
}

// AddPeer adds peer to the bucket its distance from the local key selects,
// rejecting the local peer itself (ErrSelfEntry).
func (rt *RoutingTable) AddPeer(peer peerid.ID, addresses []string) error {
	if peer == rt.localPeer {
		return ErrSelfEntry
	}
	peerKey := kadkey.FromPeerBytes(peer.Bytes())
	idx, ok := rt.bucketIndexFor(peerKey)
	if !ok {
		return ErrSelfEntry
	}

	rt.mu.Lock()
	entry, result := rt.buckets[idx].Insert(peer, peerKey, addresses, time.Now())
	rt.mu.Unlock()

	switch result {
	case Inserted:
		rt.emit(idx, entry, PeerAdded)
	case Updated:
		rt.emit(idx, entry, PeerUpdated)
	}
	return nil
}

// RemovePeer removes peer from the routing table, reporting whether it was
// present.
func (rt *RoutingTable) RemovePeer(peer peerid.ID) bool {
	peerKey := kadkey.FromPeerBytes(peer.Bytes())
	idx, ok := rt.bucketIndexFor(peerKey)
	if !ok {
		return false
	}

	rt.mu.Lock()
	entry, found := rt.buckets[idx].Entry(peer)
	removed := rt.buckets[idx].Remove(peer)
	rt.mu.Unlock()

	if removed && found {
		rt.emit(idx, entry, PeerRemoved)
	}
	return removed
}

// Entry returns the entry for peer, if it is currently in the table.
func (rt *RoutingTable) Entry(peer peerid.ID) (PeerEntry, bool) {
	peerKey := kadkey.FromPeerBytes(peer.Bytes())
	idx, ok := rt.bucketIndexFor(peerKey)
	if !ok {
		return PeerEntry{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].Entry(peer)
}

// Contains reports whether peer is currently in the table.
func (rt *RoutingTable) Contains(peer peerid.ID) bool {
	_, ok := rt.Entry(peer)
	return ok
}

// ClosestPeers gathers candidates starting from the bucket closest to
// target and expanding outward, then sorts the collected set by distance to
// target and truncates to count. excluding lists peers to omit.
func (rt *RoutingTable) ClosestPeers(target kadkey.Key, count int, excluding map[peerid.ID]bool) []PeerEntry {
	center, ok := rt.localKey.Distance(target).BucketIndex()
	if !ok {
		// target == local key: every bucket is equally "centered"; scan from 0.
		center = 0
	}

	// Bidirectional sweep from the bucket closest to target outward. This
	// visits every occupied bucket, so it is equivalent to a full scan for
	// correctness purposes (property 3) while touching buckets nearest the
	// target first.
	rt.mu.Lock()
	candidates := make([]PeerEntry, 0, count*2)
	lo, hi := center, center+1
	for lo >= 0 || hi < Buckets {
		if lo >= 0 {
			candidates = append(candidates, rt.buckets[lo].Entries()...)
			lo--
		}
		if hi < Buckets {
			candidates = append(candidates, rt.buckets[hi].Entries()...)
			hi++
		}
	}
	rt.mu.Unlock()

	filtered := candidates[:0]
	for _, e := range candidates {
		if excluding != nil && excluding[e.Peer] {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.Slice(filtered, func(i, j int) bool {
		di := filtered[i].Key.Distance(target)
		dj := filtered[j].Key.Distance(target)
		return di.Less(dj)
	})

	if len(filtered) > count {
		filtered = filtered[:count]
	}
	out := make([]PeerEntry, len(filtered))
	copy(out, filtered)
	return out
}

// BucketsNeedingRefresh returns the indices of non-empty buckets whose
// last_refreshed predates cutoff.
func (rt *RoutingTable) BucketsNeedingRefresh(cutoff time.Time) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var stale []int
	for i, b := range rt.buckets {
		if b.Len() == 0 {
			continue
		}
		if b.LastRefreshed().Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomKeyForBucket generates a key whose XOR distance from the local key
// has exactly 255-i leading zeros, guaranteeing it lands in bucket i: set
// the (255-i)-th most-significant bit of the distance, randomize every bit
// below it, zero every bit above it, then XOR with the local key.
func (rt *RoutingTable) RandomKeyForBucket(i int) (kadkey.Key, error) {
	if i < 0 || i >= Buckets {
		return kadkey.Key{}, errors.New("kbucket: bucket index out of range")
	}

	buf := make([]byte, kadkey.Size)
	if _, err := rand.Read(buf); err != nil {
		return kadkey.Key{}, err
	}
	random := kadkey.FromBytes(buf)

	bitFromMSB := 255 - i
	lane := bitFromMSB / 64
	bitInLane := 63 - (bitFromMSB % 64)

	var distance kadkey.Key
	distance[lane] = random[lane]
	// Keep only the bits below the target bit in this lane, then set it.
	if bitInLane < 63 {
		distance[lane] &= uint64(1)<<uint(bitInLane+1) - 1
	}
	distance[lane] |= uint64(1) << uint(bitInLane)
	for l := lane + 1; l < 4; l++ {
		distance[l] = random[l]
	}

	return rt.localKey.Distance(distance), nil
}

// MarkBucketRefreshed bumps bucket i's last_refreshed to now.
func (rt *RoutingTable) MarkBucketRefreshed(i int, now time.Time) {
	if i < 0 || i >= Buckets {
		return
	}
	rt.mu.Lock()
	rt.buckets[i].MarkRefreshed(now)
	rt.mu.Unlock()
}

// Size returns the total number of occupied entry slots across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}
