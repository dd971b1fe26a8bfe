// Package dht implements KadService: the orchestrator that owns a routing
// table, a record store, a provider store, and a latency tracker, and
// drives them with an inbound stream handler, outbound queries, and
// cooperatively cancelable background maintenance loops.
package dht

import (
	"context"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/latency"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/validator"
)

// Mode selects how the service treats inbound requests.
type Mode int

const (
	// Server actively serves inbound requests.
	Server Mode = iota
	// Client rejects every inbound request by closing the stream silently,
	// without writing a response or touching the routing table's entry for
	// the request body (the connecting peer is still recorded by the
	// connection-accept path, per spec.md §8 S6).
	Client
	// Automatic serves like Server; external code may promote an
	// Automatic node to Server, but the core never self-promotes.
	Automatic
)

func (m Mode) String() string {
	switch m {
	case Server:
		return "Server"
	case Client:
		return "Client"
	case Automatic:
		return "Automatic"
	default:
		return "Unknown"
	}
}

// ValidationFailurePolicy governs how the PutValue inbound handler reacts
// to a validator rejection.
type ValidationFailurePolicy int

const (
	// Reject closes the stream without acknowledging; the remote sees the
	// round trip fail.
	Reject ValidationFailurePolicy = iota
	// IgnoreAndLog logs the rejection, does not store, but still
	// acknowledges as if the put succeeded.
	IgnoreAndLog
	// AcceptWithWarning logs the rejection but stores the record anyway,
	// then acknowledges.
	AcceptWithWarning
)

// Config bounds a Service's protocol constants, timeouts, and maintenance
// cadence. Zero-valued fields are defaulted by New per spec.md §6/§9.
type Config struct {
	K     int
	Alpha int
	// MinAlpha/MaxAlpha bound dynamic-alpha adjustment; either one <= 0
	// disables dynamic alpha and Alpha is used unconditionally.
	MinAlpha int
	MaxAlpha int

	PeerTimeout    time.Duration
	QueryTimeout   time.Duration
	MaxMessageSize int

	CleanupInterval           time.Duration
	RefreshInterval           time.Duration
	RecordRepublishInterval   time.Duration
	ProviderRepublishInterval time.Duration
	RandomWalkCount           int

	RecordTTL   time.Duration
	ProviderTTL time.Duration

	OnValidationFailure ValidationFailurePolicy

	Disjoint      bool
	DisjointPaths int
	SiblingCount  int
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = 20
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	if c.RecordRepublishInterval <= 0 {
		c.RecordRepublishInterval = time.Hour
	}
	if c.ProviderRepublishInterval <= 0 {
		c.ProviderRepublishInterval = 22 * time.Hour
	}
	if c.RandomWalkCount <= 0 {
		c.RandomWalkCount = 1
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 36 * time.Hour
	}
	if c.ProviderTTL <= 0 {
		c.ProviderTTL = 24 * time.Hour
	}
}

// Service is KadService: the node's Kademlia DHT core.
type Service struct {
	mu   sync.RWMutex
	mode Mode

	localPeer peerid.ID
	cfg       Config

	routingTable  *kbucket.RoutingTable
	recordStore   *store.RecordStore
	providerStore *store.ProviderStore
	tracker       *latency.Tracker
	validator     validator.Validator

	opener   StreamOpener
	registry HandlerRegistry
	logger   *logging.Logger

	events chan Event

	maintenanceCtx    context.Context
	cancelMaintenance context.CancelFunc
	wg                sync.WaitGroup
	started           bool
}

// New constructs a Service. None of its background loops or inbound
// handler run until Start is called.
func New(
	localPeer peerid.ID,
	mode Mode,
	routingTable *kbucket.RoutingTable,
	recordStore *store.RecordStore,
	providerStore *store.ProviderStore,
	tracker *latency.Tracker,
	val validator.Validator,
	opener StreamOpener,
	registry HandlerRegistry,
	logger *logging.Logger,
	cfg Config,
) *Service {
	cfg.setDefaults()
	if val == nil {
		val = validator.ValueSize{Max: validator.DefaultMaxValueSize}
	}
	return &Service{
		mode:          mode,
		localPeer:     localPeer,
		cfg:           cfg,
		routingTable:  routingTable,
		recordStore:   recordStore,
		providerStore: providerStore,
		tracker:       tracker,
		validator:     val,
		opener:        opener,
		registry:      registry,
		logger:        logger,
		events:        make(chan Event, eventBufferSize),
	}
}

// Mode returns the service's current mode.
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode transitions the service's mode, emitting ModeChanged. The core
// never calls this itself (Automatic does not self-promote); it exists for
// external callers.
func (s *Service) SetMode(m Mode) {
	s.mu.Lock()
	prev := s.mode
	s.mode = m
	s.mu.Unlock()
	if prev != m {
		s.emit(Event{Kind: EventModeChanged, Reason: prev.String() + "->" + m.String()})
	}
}

// Start registers the inbound handler and emits Started. Background loops
// share this call's lifecycle; start them independently via StartCleanup/
// StartRefresh/StartRepublish so callers can opt into exactly the loops
// they want, all cancelled together by Shutdown.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	maintenanceCtx, cancel := context.WithCancel(ctx)
	s.maintenanceCtx = maintenanceCtx
	s.cancelMaintenance = cancel
	s.mu.Unlock()

	s.registry.SetHandler(ProtocolID, s.handleStream)
	s.emit(Event{Kind: EventStarted})
}

// Shutdown cancels all running background loops, waits for them to exit,
// and emits Stopped. It does not forcibly abort in-flight stream handlers.
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancel := s.cancelMaintenance
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.emit(Event{Kind: EventStopped})
	close(s.events)
}

// LocalPeer returns the service's own peer identity.
func (s *Service) LocalPeer() peerid.ID { return s.localPeer }

// RoutingTable exposes the underlying routing table for diagnostics and
// transport wiring (e.g. seeding bootstrap peers before Start).
func (s *Service) RoutingTable() *kbucket.RoutingTable { return s.routingTable }

// currentAlpha reads the latency tracker's overall success rate and scales
// alpha within [MinAlpha, MaxAlpha] per spec.md §4.7's dynamic-alpha rule.
// Returns cfg.Alpha unchanged if dynamic alpha is not configured.
func (s *Service) currentAlpha() int {
	if s.cfg.MinAlpha <= 0 || s.cfg.MaxAlpha <= 0 || s.tracker == nil {
		return s.cfg.Alpha
	}
	rate := s.tracker.OverallSuccessRate()
	alpha := s.cfg.Alpha
	switch {
	case rate > 0.8:
		alpha = alpha + (alpha / 2)
	case rate < 0.5:
		alpha = alpha - (alpha / 2)
	}
	if alpha < s.cfg.MinAlpha {
		alpha = s.cfg.MinAlpha
	}
	if alpha > s.cfg.MaxAlpha {
		alpha = s.cfg.MaxAlpha
	}
	return alpha
}
