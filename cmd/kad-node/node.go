package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shadowmesh/kaddht/pkg/config"
	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/latency"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/store/postgresbackend"
	"github.com/shadowmesh/kaddht/pkg/store/redisbackend"
	"github.com/shadowmesh/kaddht/pkg/transport/quictransport"
	"github.com/shadowmesh/kaddht/pkg/validator"
)

func runStart(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger("kad-node", parseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetMaxFileSize(int64(cfg.Logging.MaxSizeMB) * 1 << 20)
	logger.SetMaxBackups(cfg.Logging.MaxBackups)
	defer logger.Close()

	kp, err := loadOrGenerateKeypair(cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("starting kad-node", logging.Fields{"peer_id": kp.ID().String(), "region": cfg.Server.Region})

	recordBackend, providerBackend, err := buildStoreBackends(cfg.Store)
	if err != nil {
		return fmt.Errorf("build store backends: %w", err)
	}
	recordStore := store.NewRecordStore(recordBackend, 0, cfg.Kademlia.RecordTTL)
	providerStore := store.NewProviderStore(providerBackend, 0, 0, cfg.Kademlia.ProviderTTL)

	rt := kbucket.New(kp.ID(), kbucket.WithBucketSize(cfg.Kademlia.K), kbucket.WithLogger(logger))
	tracker := latency.New(latency.DefaultMaxPeers)

	transport, err := quictransport.New(cfg.Server.ListenAddr, kp, quictransport.Config{}, logger)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	logger.Info("listening", logging.Fields{"addr": transport.Addr().String()})

	svc := dht.New(kp.ID(), parseMode(cfg.Kademlia.Mode), rt, recordStore, providerStore, tracker,
		defaultValidator(), transport, transport, logger, kadConfigFrom(cfg.Kademlia))

	rt.SetEventCallback(func(bucketIndex int, entry kbucket.PeerEntry, ev kbucket.Event) {
		svc.EmitPeerEvent(bucketIndex, entry, ev)
		if ev == kbucket.PeerAdded || ev == kbucket.PeerUpdated {
			for _, addr := range entry.Addresses {
				transport.AddAddress(entry.Peer, addr)
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	svc.StartCleanup()
	svc.StartRefresh()
	svc.StartRepublish()

	bootstrapNode(ctx, cfg, svc, rt, transport, logger)

	waitForShutdown(cancel, svc, transport, logger)
	return nil
}

func bootstrapNode(ctx context.Context, cfg *config.Config, svc *dht.Service, rt *kbucket.RoutingTable, transport *quictransport.Transport, logger *logging.Logger) {
	if len(cfg.Bootstrap.Peers) == 0 {
		return
	}

	peers := make([]peerid.ID, 0, len(cfg.Bootstrap.Peers))
	for _, bp := range cfg.Bootstrap.Peers {
		raw, err := hex.DecodeString(bp.PeerID)
		if err != nil {
			logger.Warnf("skipping malformed bootstrap peer_id %q: %v", bp.PeerID, err)
			continue
		}
		peer := peerid.ID(raw)
		transport.AddAddress(peer, bp.Address)
		peers = append(peers, peer)
	}

	if err := svc.Bootstrap(ctx, peers); err != nil {
		logger.Warnf("bootstrap: %v", err)
	}
}

func waitForShutdown(cancel context.CancelFunc, svc *dht.Service, transport *quictransport.Transport, logger *logging.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Infof("received signal %v, shutting down", sig)

	cancel()
	svc.Shutdown()

	if err := transport.Close(); err != nil {
		logger.Warnf("error closing transport: %v", err)
	}

	logger.Info("shutdown complete")
}

func buildStoreBackends(cfg config.StoreConfig) (store.RecordBackend, store.ProviderBackend, error) {
	switch cfg.Kind {
	case "memory", "":
		return store.NewMemoryRecordBackend(), store.NewMemoryProviderBackend(), nil
	case "redis":
		recordBackend, err := redisbackend.New(redisbackend.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis record backend: %w", err)
		}
		// Redis backs only the record store; provider advertisements are
		// comparatively cheap to rebuild from peers, so with this backend
		// they are always kept in the memory backend.
		return recordBackend, store.NewMemoryProviderBackend(), nil
	case "postgres":
		providerBackend, err := postgresbackend.New(postgresbackend.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			DBName:   cfg.PostgresDBName,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres provider backend: %w", err)
		}
		return store.NewMemoryRecordBackend(), providerBackend, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind: %s", cfg.Kind)
	}
}

func kadConfigFrom(k config.KadConfig) dht.Config {
	return dht.Config{
		K:                         k.K,
		Alpha:                     k.Alpha,
		MinAlpha:                  k.MinAlpha,
		MaxAlpha:                  k.MaxAlpha,
		PeerTimeout:               k.PeerTimeout,
		QueryTimeout:              k.QueryTimeout,
		MaxMessageSize:            k.MaxMessageSize,
		CleanupInterval:           k.CleanupInterval,
		RefreshInterval:           k.RefreshInterval,
		RecordRepublishInterval:   k.RecordRepublishInterval,
		ProviderRepublishInterval: k.ProviderRepublishInterval,
		RandomWalkCount:           k.RandomWalkCount,
		RecordTTL:                 k.RecordTTL,
		ProviderTTL:               k.ProviderTTL,
		OnValidationFailure:       parseValidationPolicy(k.OnValidationFailure),
		Disjoint:                  k.Disjoint,
		DisjointPaths:             k.DisjointPaths,
		SiblingCount:              k.SiblingCount,
	}
}

func defaultValidator() validator.Validator {
	return validator.Namespaced{
		Namespaces: map[string]validator.Validator{
			"/ipns/": validator.IPNS{},
		},
		Default: validator.ValueSize{Max: validator.DefaultMaxValueSize},
	}
}

func parseMode(mode string) dht.Mode {
	switch mode {
	case "server":
		return dht.Server
	case "client":
		return dht.Client
	default:
		return dht.Automatic
	}
}

func parseValidationPolicy(policy string) dht.ValidationFailurePolicy {
	switch policy {
	case "ignore_and_log":
		return dht.IgnoreAndLog
	case "accept_with_warning":
		return dht.AcceptWithWarning
	default:
		return dht.Reject
	}
}

func parseLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// loadOrGenerateKeypair reads an Ed25519 keypair from path (hex-encoded
// private key bytes), generating and persisting a fresh one if the file
// does not yet exist, so a node's PeerID survives restarts.
func loadOrGenerateKeypair(path string) (*peerid.Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(string(data))
		if decErr != nil {
			return nil, fmt.Errorf("decode identity file %s: %w", path, decErr)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity file %s has wrong key size %d", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity file %s: unexpected public key type", path)
		}
		return &peerid.Keypair{PublicKey: pub, PrivateKey: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	kp, err := peerid.Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.PrivateKey)), 0600); err != nil {
		return nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return kp, nil
}
