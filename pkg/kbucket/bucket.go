// Package kbucket implements the Kademlia k-bucket and the 256-bucket
// routing table built from them.
package kbucket

import (
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// DefaultK is the default bucket capacity and replication factor.
const DefaultK = 20

// DefaultP is the default size of a bucket's pending/replacement cache.
const DefaultP = 3

// PeerEntry is a single routing-table occupant.
type PeerEntry struct {
	Peer      peerid.ID
	Key       kadkey.Key
	Addresses []string
	LastSeen  time.Time
}

// cloneAddresses returns a deduplicated copy of addrs, preserving first
// occurrence order.
func cloneAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// mergeAddresses unions src into dst, preserving dst's existing order and
// appending any new addresses from src.
func mergeAddresses(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, a := range dst {
		seen[a] = true
	}
	out := append([]string{}, dst...)
	for _, a := range src {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// InsertResult classifies the outcome of Bucket.Insert.
type InsertResult int

const (
	// Updated means the peer already lived in entries and was touched.
	Updated InsertResult = iota
	// Inserted means the peer was newly appended to entries.
	Inserted
	// Pending means the peer landed in (or stayed in) the pending cache
	// because entries was full.
	Pending
)

func (r InsertResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case Inserted:
		return "inserted"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Bucket is a bounded bag of peer entries, oldest-first, with a small
// pending/replacement cache of capacity P used when entries is full.
type Bucket struct {
	k             int
	p             int
	entries       []PeerEntry
	pending       []PeerEntry
	lastRefreshed time.Time
}

// NewBucket constructs an empty bucket with capacity k and pending-cache
// capacity p.
func NewBucket(k, p int) *Bucket {
	if k <= 0 {
		k = DefaultK
	}
	if p <= 0 {
		p = DefaultP
	}
	return &Bucket{k: k, p: p}
}

// Len returns the number of occupied entry slots.
func (b *Bucket) Len() int { return len(b.entries) }

// Full reports whether entries has reached capacity K.
func (b *Bucket) Full() bool { return len(b.entries) >= b.k }

// Entries returns a copy of the occupied entries, oldest first.
func (b *Bucket) Entries() []PeerEntry {
	out := make([]PeerEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// LastRefreshed returns the last time the bucket was touched by an insert,
// update, or explicit MarkRefreshed.
func (b *Bucket) LastRefreshed() time.Time { return b.lastRefreshed }

func indexOf(list []PeerEntry, peer peerid.ID) int {
	for i, e := range list {
		if e.Peer == peer {
			return i
		}
	}
	return -1
}

func removeAt(list []PeerEntry, i int) []PeerEntry {
	out := make([]PeerEntry, 0, len(list)-1)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out
}

// Insert applies the KBucket insertion semantics from the component design:
// touch-and-reappend if already present (in entries or pending), append if
// entries has room, else append to pending (dropping the oldest pending
// entry first if pending is also full).
func (b *Bucket) Insert(peer peerid.ID, key kadkey.Key, addrs []string, now time.Time) (PeerEntry, InsertResult) {
	addrs = cloneAddresses(addrs)

	if i := indexOf(b.entries, peer); i >= 0 {
		existing := b.entries[i]
		b.entries = removeAt(b.entries, i)
		merged := PeerEntry{
			Peer:      peer,
			Key:       key,
			Addresses: mergeAddresses(existing.Addresses, addrs),
			LastSeen:  now,
		}
		b.entries = append(b.entries, merged)
		b.lastRefreshed = now
		return merged, Updated
	}

	if i := indexOf(b.pending, peer); i >= 0 {
		existing := b.pending[i]
		b.pending = removeAt(b.pending, i)
		merged := PeerEntry{
			Peer:      peer,
			Key:       key,
			Addresses: mergeAddresses(existing.Addresses, addrs),
			LastSeen:  now,
		}
		b.pending = append(b.pending, merged)
		b.lastRefreshed = now
		return merged, Pending
	}

	entry := PeerEntry{Peer: peer, Key: key, Addresses: addrs, LastSeen: now}

	if len(b.entries) < b.k {
		b.entries = append(b.entries, entry)
		b.lastRefreshed = now
		return entry, Inserted
	}

	if len(b.pending) >= b.p {
		b.pending = removeAt(b.pending, 0)
	}
	b.pending = append(b.pending, entry)
	b.lastRefreshed = now
	return entry, Pending
}

// Remove removes peer from entries, promoting the oldest pending entry into
// its place if one exists. If peer is not in entries, it falls back to
// removing it from pending. Reports whether anything was removed.
func (b *Bucket) Remove(peer peerid.ID) bool {
	if i := indexOf(b.entries, peer); i >= 0 {
		b.entries = removeAt(b.entries, i)
		if len(b.pending) > 0 {
			promoted := b.pending[0]
			b.pending = removeAt(b.pending, 0)
			b.entries = append(b.entries, promoted)
		}
		return true
	}
	if i := indexOf(b.pending, peer); i >= 0 {
		b.pending = removeAt(b.pending, i)
		return true
	}
	return false
}

// EvictOldest drops entries[0] and promotes the head of pending into it,
// returning the evicted entry. Only valid when the bucket is full and
// pending is non-empty; returns false otherwise.
func (b *Bucket) EvictOldest() (PeerEntry, bool) {
	if !b.Full() || len(b.pending) == 0 {
		return PeerEntry{}, false
	}
	evicted := b.entries[0]
	b.entries = removeAt(b.entries, 0)
	promoted := b.pending[0]
	b.pending = removeAt(b.pending, 0)
	b.entries = append(b.entries, promoted)
	return evicted, true
}

// Contains reports whether peer occupies an entries slot.
func (b *Bucket) Contains(peer peerid.ID) bool {
	return indexOf(b.entries, peer) >= 0
}

// Entry returns the occupied entry for peer, if any.
func (b *Bucket) Entry(peer peerid.ID) (PeerEntry, bool) {
	if i := indexOf(b.entries, peer); i >= 0 {
		return b.entries[i], true
	}
	return PeerEntry{}, false
}

// MarkRefreshed bumps last_refreshed without mutating membership.
func (b *Bucket) MarkRefreshed(now time.Time) {
	b.lastRefreshed = now
}
