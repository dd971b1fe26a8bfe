package kbucket

import (
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/peerid"
)

func TestAddPeerRejectsSelf(t *testing.T) {
	local := peerid.ID("local")
	rt := New(local)
	if err := rt.AddPeer(local, nil); err != ErrSelfEntry {
		t.Fatalf("expected ErrSelfEntry, got %v", err)
	}
}

func TestAddPeerLandsInExpectedBucket(t *testing.T) {
	local := peerid.ID("local-peer")
	rt := New(local, WithBucketSize(50))

	for n := 0; n < 50; n++ {
		p := peerid.ID([]byte{byte(n), byte(n >> 8)})
		if p == local {
			continue
		}
		if err := rt.AddPeer(p, []string{"/ip4/127.0.0.1"}); err != nil {
			t.Fatalf("AddPeer(%v): %v", p, err)
		}
		peerKey := kadkey.FromPeerBytes(p.Bytes())
		wantIdx, ok := rt.LocalKey().Distance(peerKey).BucketIndex()
		if !ok {
			t.Fatalf("peer hashed to local key unexpectedly")
		}
		entry, found := rt.Entry(p)
		if !found {
			t.Fatalf("peer %v not found after insert", p)
		}
		gotIdx, _ := rt.LocalKey().Distance(entry.Key).BucketIndex()
		if gotIdx != wantIdx {
			t.Fatalf("peer in bucket %d, want %d", gotIdx, wantIdx)
		}
	}
}

func TestClosestPeersSortedAndBounded(t *testing.T) {
	local := peerid.ID("local")
	rt := New(local)

	var all []peerid.ID
	for n := 0; n < 40; n++ {
		p := peerid.ID([]byte{byte(n), byte(n * 7)})
		if p == local {
			continue
		}
		rt.AddPeer(p, nil)
		all = append(all, p)
	}

	target := kadkey.FromHash([]byte("target"))
	excluding := map[peerid.ID]bool{all[0]: true}

	results := rt.ClosestPeers(target, 10, excluding)
	if len(results) > 10 {
		t.Fatalf("expected at most 10 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		prev := results[i-1].Key.Distance(target)
		cur := results[i].Key.Distance(target)
		if cur.Less(prev) {
			t.Fatalf("results not sorted by distance at index %d", i)
		}
	}
	for _, r := range results {
		if excluding[r.Peer] {
			t.Fatalf("excluded peer %v present in results", r.Peer)
		}
	}
}

func TestRandomKeyForBucketLandsInBucket(t *testing.T) {
	local := peerid.ID("local-for-random")
	rt := New(local)

	for _, i := range []int{0, 1, 63, 64, 127, 128, 200, 255} {
		k, err := rt.RandomKeyForBucket(i)
		if err != nil {
			t.Fatalf("RandomKeyForBucket(%d): %v", i, err)
		}
		idx, ok := k.Distance(rt.LocalKey()).BucketIndex()
		if !ok || idx != i {
			t.Fatalf("RandomKeyForBucket(%d) landed in bucket %d (ok=%v)", i, idx, ok)
		}
	}
}

func TestBucketsNeedingRefresh(t *testing.T) {
	local := peerid.ID("local-refresh")
	rt := New(local)
	p := peerid.ID("stale-peer")
	rt.AddPeer(p, nil)

	cutoff := time.Now().Add(time.Hour)
	stale := rt.BucketsNeedingRefresh(cutoff)
	if len(stale) != 1 {
		t.Fatalf("expected exactly one stale bucket, got %d", len(stale))
	}

	rt.MarkBucketRefreshed(stale[0], time.Now().Add(2*time.Hour))
	stale = rt.BucketsNeedingRefresh(cutoff)
	if len(stale) != 0 {
		t.Fatalf("expected no stale buckets after refresh, got %d", len(stale))
	}
}
