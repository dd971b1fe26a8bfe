package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kad-node configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Kademlia  KadConfig       `yaml:"kademlia"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds transport listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // UDP address the QUIC transport listens on
	KeyFile    string `yaml:"key_file"`    // Ed25519 identity keypair; generated on first run if absent
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	Region     string `yaml:"region"` // operator-facing label, e.g. "north_america"
}

// StoreConfig selects and configures the record/provider storage backend.
type StoreConfig struct {
	Kind string `yaml:"kind"` // "memory", "redis", or "postgres"

	// Redis fields, used when Kind == "redis".
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Postgres fields, used when Kind == "postgres".
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDBName   string `yaml:"postgres_dbname"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`
}

// KadConfig holds the Kademlia protocol constants and maintenance cadence
// exposed by dht.Config (spec.md §6).
type KadConfig struct {
	PeerID string `yaml:"peer_id"` // not read by kad-node; identity comes from the key file

	K        int `yaml:"k"`         // bucket size, default 20
	Alpha    int `yaml:"alpha"`     // query concurrency, default 3
	MinAlpha int `yaml:"min_alpha"` // 0 disables dynamic alpha
	MaxAlpha int `yaml:"max_alpha"`

	PeerTimeout    time.Duration `yaml:"peer_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`

	CleanupInterval           time.Duration `yaml:"cleanup_interval"`
	RefreshInterval           time.Duration `yaml:"refresh_interval"`
	RecordRepublishInterval   time.Duration `yaml:"record_republish_interval"`
	ProviderRepublishInterval time.Duration `yaml:"provider_republish_interval"`
	RandomWalkCount           int           `yaml:"random_walk_count"`

	RecordTTL   time.Duration `yaml:"record_ttl"`
	ProviderTTL time.Duration `yaml:"provider_ttl"`

	OnValidationFailure string `yaml:"on_validation_failure"` // "reject", "ignore_and_log", "accept_with_warning"

	Disjoint      bool `yaml:"disjoint"`
	DisjointPaths int  `yaml:"disjoint_paths"`
	SiblingCount  int  `yaml:"sibling_count"`

	Mode string `yaml:"mode"` // "server", "client", "automatic"
}

// BootstrapConfig lists the peers a fresh node dials to join the swarm.
type BootstrapConfig struct {
	Peers []BootstrapPeer `yaml:"peers"`
}

// BootstrapPeer is one entry of BootstrapConfig.Peers.
type BootstrapPeer struct {
	PeerID  string `yaml:"peer_id"`
	Address string `yaml:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // empty = stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for optional config fields. Values mirror
// dht.Config.setDefaults and spec.md §6's protocol constants so a node run
// from a minimal config file still matches the protocol defaults.
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:4001"
	}
	if c.Server.KeyFile == "" {
		c.Server.KeyFile = "identity.key"
	}
	if c.Server.Region == "" {
		c.Server.Region = "unknown"
	}

	if c.Store.Kind == "" {
		c.Store.Kind = "memory"
	}
	if c.Store.RedisPort == 0 {
		c.Store.RedisPort = 6379
	}
	if c.Store.PostgresPort == 0 {
		c.Store.PostgresPort = 5432
	}
	if c.Store.PostgresSSLMode == "" {
		c.Store.PostgresSSLMode = "disable"
	}

	if c.Kademlia.K == 0 {
		c.Kademlia.K = 20
	}
	if c.Kademlia.Alpha == 0 {
		c.Kademlia.Alpha = 3
	}
	if c.Kademlia.PeerTimeout == 0 {
		c.Kademlia.PeerTimeout = 10 * time.Second
	}
	if c.Kademlia.QueryTimeout == 0 {
		c.Kademlia.QueryTimeout = 60 * time.Second
	}
	if c.Kademlia.MaxMessageSize == 0 {
		c.Kademlia.MaxMessageSize = 1 << 20
	}
	if c.Kademlia.CleanupInterval == 0 {
		c.Kademlia.CleanupInterval = time.Hour
	}
	if c.Kademlia.RefreshInterval == 0 {
		c.Kademlia.RefreshInterval = time.Hour
	}
	if c.Kademlia.RecordRepublishInterval == 0 {
		c.Kademlia.RecordRepublishInterval = time.Hour
	}
	if c.Kademlia.ProviderRepublishInterval == 0 {
		c.Kademlia.ProviderRepublishInterval = 22 * time.Hour
	}
	if c.Kademlia.RandomWalkCount == 0 {
		c.Kademlia.RandomWalkCount = 1
	}
	if c.Kademlia.RecordTTL == 0 {
		c.Kademlia.RecordTTL = 36 * time.Hour
	}
	if c.Kademlia.ProviderTTL == 0 {
		c.Kademlia.ProviderTTL = 24 * time.Hour
	}
	if c.Kademlia.OnValidationFailure == "" {
		c.Kademlia.OnValidationFailure = "reject"
	}
	if c.Kademlia.Mode == "" {
		c.Kademlia.Mode = "automatic"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	switch c.Store.Kind {
	case "memory":
	case "redis":
		if c.Store.RedisHost == "" {
			return fmt.Errorf("redis host is required when store.kind is redis")
		}
	case "postgres":
		if c.Store.PostgresHost == "" {
			return fmt.Errorf("postgres host is required when store.kind is postgres")
		}
		if c.Store.PostgresUser == "" {
			return fmt.Errorf("postgres user is required when store.kind is postgres")
		}
		if c.Store.PostgresDBName == "" {
			return fmt.Errorf("postgres dbname is required when store.kind is postgres")
		}
	default:
		return fmt.Errorf("invalid store kind: %s", c.Store.Kind)
	}

	if c.Kademlia.K < 1 {
		return fmt.Errorf("invalid k bucket size: %d", c.Kademlia.K)
	}
	if c.Kademlia.Alpha < 1 {
		return fmt.Errorf("invalid alpha: %d", c.Kademlia.Alpha)
	}

	switch c.Kademlia.OnValidationFailure {
	case "reject", "ignore_and_log", "accept_with_warning":
	default:
		return fmt.Errorf("invalid on_validation_failure: %s", c.Kademlia.OnValidationFailure)
	}

	switch c.Kademlia.Mode {
	case "server", "client", "automatic":
	default:
		return fmt.Errorf("invalid kademlia mode: %s", c.Kademlia.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// GenerateDefaultConfig creates a default config populated for a fresh node
// in the given region, with an empty peer ID (generated on first run) and
// no bootstrap peers.
func GenerateDefaultConfig(region string) *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:4001",
			TLSCert:    "/etc/kad-node/tls/cert.pem",
			TLSKey:     "/etc/kad-node/tls/key.pem",
			Region:     region,
		},
		Store: StoreConfig{
			Kind: "memory",
		},
		Kademlia: KadConfig{
			Mode: "automatic",
		},
		Logging: LoggingConfig{
			Level:      "info",
			OutputFile: "/var/log/kad-node/kad-node.log",
		},
	}
	cfg.setDefaults()
	return cfg
}

// WriteConfigFile writes a config struct to a YAML file.
func WriteConfigFile(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
