// Package redisbackend realizes store.RecordBackend over Redis, for
// deployments that want record persistence shared across node restarts
// without standing up a full SQL database.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shadowmesh/kaddht/pkg/store"
)

const keyPrefix = "kaddht:record:"

// Config holds Redis connection parameters.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Backend is a store.RecordBackend backed by a Redis client. Expiry is
// enforced by Redis's native key TTL, set on every Put, and by the stored
// payload's own Expiry field: DeleteExpired re-checks it, and the store
// facade filters expired records on Get. This backend's Get does not check
// Expiry itself.
type Backend struct {
	client *redis.Client
}

// New connects to Redis and returns a Backend, failing if the connection
// cannot be established.
func New(cfg Config) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisbackend: connect: %w", err)
	}
	return &Backend{client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Backend) Close() error {
	return b.client.Close()
}

func recordKey(key []byte) string {
	return keyPrefix + hexEncode(key)
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

type wireRecord struct {
	Key        []byte     `json:"key"`
	Value      []byte     `json:"value"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	Expiry     time.Time  `json:"expiry"`
}

func toWire(rec store.StoredRecord) wireRecord {
	return wireRecord{
		Key:        rec.Record.Key,
		Value:      rec.Record.Value,
		ReceivedAt: rec.Record.ReceivedAt,
		Expiry:     rec.Expiry,
	}
}

func fromWire(w wireRecord) store.StoredRecord {
	return store.StoredRecord{
		Record: store.Record{Key: w.Key, Value: w.Value, ReceivedAt: w.ReceivedAt},
		Expiry: w.Expiry,
	}
}

// Put stores rec in Redis under a TTL matching rec.Expiry, so stale keys
// self-evict from Redis's own keyspace even if the cleanup loop stalls.
func (b *Backend) Put(ctx context.Context, key []byte, rec store.StoredRecord) error {
	data, err := json.Marshal(toWire(rec))
	if err != nil {
		return fmt.Errorf("redisbackend: marshal record: %w", err)
	}
	ttl := time.Until(rec.Expiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	return b.client.Set(ctx, recordKey(key), data, ttl).Err()
}

// Get returns the stored record for key, if present in Redis.
func (b *Backend) Get(ctx context.Context, key []byte) (store.StoredRecord, bool, error) {
	data, err := b.client.Get(ctx, recordKey(key)).Bytes()
	if err == redis.Nil {
		return store.StoredRecord{}, false, nil
	}
	if err != nil {
		return store.StoredRecord{}, false, err
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return store.StoredRecord{}, false, fmt.Errorf("redisbackend: unmarshal record: %w", err)
	}
	return fromWire(w), true, nil
}

// Remove deletes the Redis key for key.
func (b *Backend) Remove(ctx context.Context, key []byte) error {
	return b.client.Del(ctx, recordKey(key)).Err()
}

func (b *Backend) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// All returns every record currently held in Redis under the record prefix.
func (b *Backend) All(ctx context.Context) ([]store.StoredRecord, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.StoredRecord, 0, len(keys))
	for _, k := range keys {
		data, err := b.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var w wireRecord
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		out = append(out, fromWire(w))
	}
	return out, nil
}

// Count returns the number of record keys currently stored.
func (b *Backend) Count(ctx context.Context) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeleteExpired removes records whose payload Expiry predates now. Redis's
// own TTL already reclaims most of these; this walks the keyspace to catch
// any record whose payload Expiry was extended to the past by re-Put
// without a corresponding Redis EXPIRE (should not normally happen, but
// keeps the facade's contract backend-agnostic).
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		data, err := b.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, err
		}
		var w wireRecord
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		if w.Expiry.Before(now) {
			if err := b.client.Del(ctx, k).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
