// Package store implements the RecordStore and ProviderStore facades: TTL-
// bounded mappings over a pluggable backend contract.
package store

import (
	"context"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// Record is a key/value pair as presented to put/get, with an optional
// received-time stamp carried through from the wire.
type Record struct {
	Key        []byte
	Value      []byte
	ReceivedAt *time.Time
}

// StoredRecord pairs a Record with its absolute wall-clock expiry.
type StoredRecord struct {
	Record Record
	Expiry time.Time
}

// Live reports whether the record has not yet expired as of now.
func (s StoredRecord) Live(now time.Time) bool {
	return s.Expiry.After(now)
}

// ProviderRecord is a single (content-key, provider) advertisement.
type ProviderRecord struct {
	Provider  peerid.ID
	Addresses []string
	AddedAt   time.Time
	Expiry    time.Time
}

// Live reports whether the provider record has not yet expired as of now.
func (p ProviderRecord) Live(now time.Time) bool {
	return p.Expiry.After(now)
}

// RecordBackend is the pluggable persistence contract for RecordStore.
// Implementations MUST serialize wall-clock expiry, never a monotonic
// instant, so persisted state survives process restarts.
type RecordBackend interface {
	// Put stores rec under key, overwriting any existing entry.
	Put(ctx context.Context, key []byte, rec StoredRecord) error
	// Get returns the stored record for key, if present (expired or not;
	// the facade is responsible for expiry filtering and opportunistic
	// removal).
	Get(ctx context.Context, key []byte) (StoredRecord, bool, error)
	Remove(ctx context.Context, key []byte) error
	All(ctx context.Context) ([]StoredRecord, error)
	Count(ctx context.Context) (int, error)
	// DeleteExpired removes every entry whose expiry is before now,
	// returning the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ProviderBackend is the pluggable persistence contract for ProviderStore.
type ProviderBackend interface {
	Put(ctx context.Context, key []byte, rec ProviderRecord) error
	Get(ctx context.Context, key []byte) ([]ProviderRecord, error)
	RemoveKey(ctx context.Context, key []byte) error
	Keys(ctx context.Context) ([][]byte, error)
	CountKeys(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// RecordStore is the record-store facade: a facade over a RecordBackend
// enforcing the put/get/cleanup/republish contract from the component
// design, independent of which backend realizes storage.
type RecordStore struct {
	backend    RecordBackend
	maxRecords int
	defaultTTL time.Duration
}

// NewRecordStore constructs a RecordStore. maxRecords <= 0 means unbounded.
func NewRecordStore(backend RecordBackend, maxRecords int, defaultTTL time.Duration) *RecordStore {
	return &RecordStore{backend: backend, maxRecords: maxRecords, defaultTTL: defaultTTL}
}

// Put stores record with the given ttl, computing expiry = now + ttl. If
// the key already exists it is overwritten unconditionally. Otherwise, if
// the store is at capacity, expired entries are reclaimed first; if that
// does not free a slot, Put returns false without storing.
func (s *RecordStore) Put(ctx context.Context, record Record, ttl time.Duration) (bool, error) {
	now := nowFunc()
	existing, found, err := s.backend.Get(ctx, record.Key)
	if err != nil {
		return false, err
	}

	if !found && s.maxRecords > 0 {
		count, err := s.backend.Count(ctx)
		if err != nil {
			return false, err
		}
		if count >= s.maxRecords {
			if _, err := s.backend.DeleteExpired(ctx, now); err != nil {
				return false, err
			}
			count, err = s.backend.Count(ctx)
			if err != nil {
				return false, err
			}
			if count >= s.maxRecords {
				return false, nil
			}
		}
	}
	_ = existing

	stored := StoredRecord{Record: record, Expiry: now.Add(ttl)}
	if err := s.backend.Put(ctx, record.Key, stored); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the record for key if present and unexpired, opportunistically
// removing it if it has expired.
func (s *RecordStore) Get(ctx context.Context, key []byte) (Record, bool, error) {
	stored, found, err := s.backend.Get(ctx, key)
	if err != nil || !found {
		return Record{}, false, err
	}
	now := nowFunc()
	if !stored.Live(now) {
		_ = s.backend.Remove(ctx, key)
		return Record{}, false, nil
	}
	return stored.Record, true, nil
}

// Remove deletes the record for key, if any.
func (s *RecordStore) Remove(ctx context.Context, key []byte) error {
	return s.backend.Remove(ctx, key)
}

// AllRecords returns every stored record, expired or not.
func (s *RecordStore) AllRecords(ctx context.Context) ([]StoredRecord, error) {
	return s.backend.All(ctx)
}

// Cleanup removes every expired record, returning the count removed.
func (s *RecordStore) Cleanup(ctx context.Context) (int, error) {
	return s.backend.DeleteExpired(ctx, nowFunc())
}

// RecordsNeedingRepublish returns records whose original put time
// (expiry - defaultTTL) predates now-threshold.
func (s *RecordStore) RecordsNeedingRepublish(ctx context.Context, threshold time.Duration) ([]StoredRecord, error) {
	all, err := s.backend.All(ctx)
	if err != nil {
		return nil, err
	}
	now := nowFunc()
	cutoff := now.Add(-threshold)
	var out []StoredRecord
	for _, rec := range all {
		putTime := rec.Expiry.Add(-s.defaultTTL)
		if putTime.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ProviderStore is the provider-store facade, analogous to RecordStore but
// keyed by content-key with multiple providers per key.
type ProviderStore struct {
	backend            ProviderBackend
	maxProvidersPerKey int
	maxKeys            int
	defaultTTL         time.Duration
}

// NewProviderStore constructs a ProviderStore.
func NewProviderStore(backend ProviderBackend, maxProvidersPerKey, maxKeys int, defaultTTL time.Duration) *ProviderStore {
	return &ProviderStore{
		backend:            backend,
		maxProvidersPerKey: maxProvidersPerKey,
		maxKeys:            maxKeys,
		defaultTTL:         defaultTTL,
	}
}

// Put records provider as a provider of key with the given ttl.
func (s *ProviderStore) Put(ctx context.Context, key []byte, provider peerid.ID, addresses []string, ttl time.Duration) (bool, error) {
	now := nowFunc()

	existing, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(existing) == 0 && s.maxKeys > 0 {
		keyCount, err := s.backend.CountKeys(ctx)
		if err != nil {
			return false, err
		}
		if keyCount >= s.maxKeys {
			if _, err := s.backend.DeleteExpired(ctx, now); err != nil {
				return false, err
			}
			keyCount, err = s.backend.CountKeys(ctx)
			if err != nil {
				return false, err
			}
			if keyCount >= s.maxKeys {
				return false, nil
			}
		}
	}
	if s.maxProvidersPerKey > 0 && len(existing) >= s.maxProvidersPerKey {
		found := false
		for _, p := range existing {
			if p.Provider == provider {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	rec := ProviderRecord{Provider: provider, Addresses: addresses, AddedAt: now, Expiry: now.Add(ttl)}
	if err := s.backend.Put(ctx, key, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the live providers for key.
func (s *ProviderStore) Get(ctx context.Context, key []byte) ([]ProviderRecord, error) {
	all, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	now := nowFunc()
	out := all[:0]
	for _, p := range all {
		if p.Live(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RemoveKey clears all providers for key.
func (s *ProviderStore) RemoveKey(ctx context.Context, key []byte) error {
	return s.backend.RemoveKey(ctx, key)
}

// Cleanup removes every expired provider record, returning the count
// removed.
func (s *ProviderStore) Cleanup(ctx context.Context) (int, error) {
	return s.backend.DeleteExpired(ctx, nowFunc())
}

// KeysNeedingRepublish returns content-keys for which localPeer is still a
// live provider added before now-threshold.
func (s *ProviderStore) KeysNeedingRepublish(ctx context.Context, localPeer peerid.ID, threshold time.Duration) ([][]byte, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	now := nowFunc()
	cutoff := now.Add(-threshold)

	var out [][]byte
	for _, key := range keys {
		providers, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, p := range providers {
			if p.Provider == localPeer && p.Live(now) && p.AddedAt.Before(cutoff) {
				out = append(out, key)
				break
			}
		}
	}
	return out, nil
}
