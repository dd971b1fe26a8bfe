package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateDefaultConfigValidates(t *testing.T) {
	cfg := GenerateDefaultConfig("north_america")
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Kademlia.K != 20 || cfg.Kademlia.Alpha != 3 {
		t.Fatalf("expected protocol defaults K=20 Alpha=3, got K=%d Alpha=%d", cfg.Kademlia.K, cfg.Kademlia.Alpha)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kad-node.yaml")

	cfg := GenerateDefaultConfig("europe")
	cfg.Store.Kind = "redis"
	cfg.Store.RedisHost = "localhost"

	if err := WriteConfigFile(cfg, path); err != nil {
		t.Fatalf("WriteConfigFile: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Store.Kind != "redis" || loaded.Store.RedisHost != "localhost" {
		t.Fatalf("redis store config did not round-trip: %+v", loaded.Store)
	}
	if loaded.Server.Region != "europe" {
		t.Fatalf("expected region europe, got %q", loaded.Server.Region)
	}
}

func TestValidateRejectsUnknownStoreKind(t *testing.T) {
	cfg := GenerateDefaultConfig("unknown")
	cfg.Store.Kind = "sqlite"
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validate to reject unknown store kind")
	}
}

func TestValidateRequiresRedisHost(t *testing.T) {
	cfg := GenerateDefaultConfig("unknown")
	cfg.Store.Kind = "redis"
	cfg.Store.RedisHost = ""
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validate to require redis host")
	}
}

func TestValidateRequiresPostgresFields(t *testing.T) {
	cfg := GenerateDefaultConfig("unknown")
	cfg.Store.Kind = "postgres"
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validate to require postgres host/user/dbname")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(os.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected error loading a missing config file")
	}
}
