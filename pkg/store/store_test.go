package store

import (
	"context"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

func TestRecordStoreGetExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryRecordBackend()
	rs := NewRecordStore(backend, 0, time.Hour)

	ok, err := rs.Put(ctx, Record{Key: []byte("k"), Value: []byte("v")}, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Put failed: ok=%v err=%v", ok, err)
	}

	if _, found, _ := rs.Get(ctx, []byte("k")); !found {
		t.Fatalf("expected record to be retrievable before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, found, _ := rs.Get(ctx, []byte("k")); found {
		t.Fatalf("expected record to be gone after ttl elapsed")
	}
}

func TestRecordStorePutOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryRecordBackend()
	rs := NewRecordStore(backend, 1, time.Hour)

	rs.Put(ctx, Record{Key: []byte("k"), Value: []byte("v1")}, time.Hour)
	ok, err := rs.Put(ctx, Record{Key: []byte("k"), Value: []byte("v2")}, time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected overwrite to succeed, ok=%v err=%v", ok, err)
	}

	rec, found, _ := rs.Get(ctx, []byte("k"))
	if !found || string(rec.Value) != "v2" {
		t.Fatalf("expected overwritten value v2, got %+v found=%v", rec, found)
	}
}

func TestRecordStoreRejectsWhenFullAndNoExpired(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryRecordBackend()
	rs := NewRecordStore(backend, 1, time.Hour)

	rs.Put(ctx, Record{Key: []byte("a"), Value: []byte("1")}, time.Hour)
	ok, err := rs.Put(ctx, Record{Key: []byte("b"), Value: []byte("2")}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected put to fail when store is full with no reclaimable slots")
	}
}

func TestRecordStoreReclaimsExpiredWhenFull(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryRecordBackend()
	rs := NewRecordStore(backend, 1, time.Hour)

	rs.Put(ctx, Record{Key: []byte("a"), Value: []byte("1")}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	ok, err := rs.Put(ctx, Record{Key: []byte("b"), Value: []byte("2")}, time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected reclaim-then-insert to succeed, ok=%v err=%v", ok, err)
	}
}

func TestRecordsNeedingRepublish(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryRecordBackend()
	defaultTTL := time.Hour
	rs := NewRecordStore(backend, 0, defaultTTL)

	rs.Put(ctx, Record{Key: []byte("old"), Value: []byte("v")}, defaultTTL)

	// Manually backdate the stored record's expiry to simulate an old put.
	stored, _, _ := backend.Get(ctx, []byte("old"))
	stored.Expiry = time.Now().Add(-2 * time.Hour).Add(defaultTTL)
	backend.Put(ctx, []byte("old"), stored)

	due, err := rs.RecordsNeedingRepublish(ctx, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one record due for republish, got %d", len(due))
	}
}

func TestProviderStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryProviderBackend()
	ps := NewProviderStore(backend, 10, 0, 24*time.Hour)

	provider := peerid.ID("provider-1")
	ok, err := ps.Put(ctx, []byte("content"), provider, []string{"/ip4/1.2.3.4"}, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Put failed: ok=%v err=%v", ok, err)
	}

	providers, err := ps.Get(ctx, []byte("content"))
	if err != nil || len(providers) != 1 || providers[0].Provider != provider {
		t.Fatalf("unexpected providers: %+v err=%v", providers, err)
	}
}

func TestProviderStoreKeysNeedingRepublish(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryProviderBackend()
	ps := NewProviderStore(backend, 10, 0, 24*time.Hour)
	local := peerid.ID("local")

	ps.Put(ctx, []byte("content"), local, nil, 24*time.Hour)
	providers, _ := backend.Get(ctx, []byte("content"))
	providers[0].AddedAt = time.Now().Add(-23 * time.Hour)
	backend.Put(ctx, []byte("content"), providers[0])

	due, err := ps.KeysNeedingRepublish(ctx, local, 22*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one key due for republish, got %d", len(due))
	}
}
