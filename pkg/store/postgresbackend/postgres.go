// Package postgresbackend realizes store.ProviderBackend over PostgreSQL,
// for deployments that want provider advertisements to survive node
// restarts with full SQL queryability.
package postgresbackend

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Backend is a store.ProviderBackend backed by PostgreSQL.
type Backend struct {
	db *sql.DB
}

// New opens a PostgreSQL connection, initializes the provider schema, and
// returns a Backend.
func New(cfg Config) (*Backend, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgresbackend: connect: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgresbackend: ping: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	b := &Backend{db: db}
	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("postgresbackend: init schema: %w", err)
	}
	return b, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kad_providers (
		content_key VARCHAR(64) NOT NULL,
		provider_id TEXT NOT NULL,
		addresses TEXT NOT NULL,
		added_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (content_key, provider_id)
	);

	CREATE INDEX IF NOT EXISTS idx_kad_providers_expires_at ON kad_providers(expires_at);
	CREATE INDEX IF NOT EXISTS idx_kad_providers_content_key ON kad_providers(content_key);
	`
	_, err := b.db.Exec(schema)
	return err
}

func contentKeyHex(key []byte) string {
	return hex.EncodeToString(key)
}

// Put upserts rec as a provider of key, refreshing addresses and expiry on
// conflict.
func (b *Backend) Put(ctx context.Context, key []byte, rec store.ProviderRecord) error {
	addrJSON, err := json.Marshal(rec.Addresses)
	if err != nil {
		return fmt.Errorf("postgresbackend: marshal addresses: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO kad_providers (content_key, provider_id, addresses, added_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_key, provider_id) DO UPDATE
		SET addresses = EXCLUDED.addresses,
		    added_at = EXCLUDED.added_at,
		    expires_at = EXCLUDED.expires_at
	`, contentKeyHex(key), string(rec.Provider.Bytes()), string(addrJSON), rec.AddedAt, rec.Expiry)
	return err
}

// Get returns every provider record stored for key, expired or not.
func (b *Backend) Get(ctx context.Context, key []byte) ([]store.ProviderRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT provider_id, addresses, added_at, expires_at
		FROM kad_providers WHERE content_key = $1
	`, contentKeyHex(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ProviderRecord
	for rows.Next() {
		var providerID, addrJSON string
		var addedAt, expiresAt time.Time
		if err := rows.Scan(&providerID, &addrJSON, &addedAt, &expiresAt); err != nil {
			return nil, err
		}
		var addrs []string
		if err := json.Unmarshal([]byte(addrJSON), &addrs); err != nil {
			return nil, fmt.Errorf("postgresbackend: unmarshal addresses: %w", err)
		}
		out = append(out, store.ProviderRecord{
			Provider:  peerid.ID(providerID),
			Addresses: addrs,
			AddedAt:   addedAt,
			Expiry:    expiresAt,
		})
	}
	return out, rows.Err()
}

// RemoveKey deletes every provider for key.
func (b *Backend) RemoveKey(ctx context.Context, key []byte) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kad_providers WHERE content_key = $1`, contentKeyHex(key))
	return err
}

// Keys returns every distinct content key with at least one provider.
func (b *Backend) Keys(ctx context.Context) ([][]byte, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT content_key FROM kad_providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var hexKey string
		if err := rows.Scan(&hexKey); err != nil {
			return nil, err
		}
		decoded, err := hex.DecodeString(hexKey)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out, rows.Err()
}

// CountKeys returns the number of distinct content keys with providers.
func (b *Backend) CountKeys(ctx context.Context) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT content_key) FROM kad_providers`).Scan(&count)
	return count, err
}

// DeleteExpired removes every provider record whose expires_at predates now.
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM kad_providers WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
