package latency

import (
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

func TestRecordSuccessAndFailure(t *testing.T) {
	tr := New(10)
	p := peerid.ID("peer-1")

	tr.RecordSuccess(p, 100*time.Millisecond)
	tr.RecordSuccess(p, 200*time.Millisecond)
	tr.RecordFailure(p)

	s, ok := tr.Stats(p)
	if !ok {
		t.Fatalf("expected stats for %v", p)
	}
	if s.Successes != 2 || s.Failures != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.AverageLatency() != 150*time.Millisecond {
		t.Fatalf("expected average 150ms, got %v", s.AverageLatency())
	}
}

func TestSuggestedTimeoutClamps(t *testing.T) {
	tr := New(10)
	p := peerid.ID("peer-clamp")

	if got := tr.SuggestedTimeout(p, 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected default timeout with no samples, got %v", got)
	}

	tr.RecordSuccess(p, 10*time.Millisecond)
	if got := tr.SuggestedTimeout(p, 10*time.Second); got != time.Second {
		t.Fatalf("expected floor of 1s, got %v", got)
	}

	tr.RecordSuccess(p, 10*time.Second)
	if got := tr.SuggestedTimeout(p, 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected ceiling of default, got %v", got)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	tr := New(2)
	tr.RecordSuccess(peerid.ID("a"), time.Millisecond)
	time.Sleep(time.Millisecond)
	tr.RecordSuccess(peerid.ID("b"), time.Millisecond)
	time.Sleep(time.Millisecond)
	tr.RecordSuccess(peerid.ID("c"), time.Millisecond)

	if tr.Len() != 2 {
		t.Fatalf("expected 2 tracked peers after eviction, got %d", tr.Len())
	}
	if _, ok := tr.Stats(peerid.ID("a")); ok {
		t.Fatalf("expected oldest peer a to be evicted")
	}
}

func TestOverallSuccessRate(t *testing.T) {
	tr := New(10)
	if got := tr.OverallSuccessRate(); got != 1.0 {
		t.Fatalf("expected 1.0 with no samples, got %v", got)
	}

	tr.RecordSuccess(peerid.ID("a"), time.Millisecond)
	tr.RecordSuccess(peerid.ID("a"), time.Millisecond)
	tr.RecordFailure(peerid.ID("b"))

	if got := tr.OverallSuccessRate(); got != 2.0/3.0 {
		t.Fatalf("expected 2/3, got %v", got)
	}
}

func TestCleanupDropsStaleEntries(t *testing.T) {
	tr := New(10)
	tr.RecordSuccess(peerid.ID("a"), time.Millisecond)
	cutoff := time.Now().Add(time.Hour)

	removed := tr.Cleanup(cutoff)
	if removed != 1 || tr.Len() != 0 {
		t.Fatalf("expected cleanup to remove the stale entry, removed=%d len=%d", removed, tr.Len())
	}
}
