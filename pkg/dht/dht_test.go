package dht

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/latency"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/validator"
	"github.com/shadowmesh/kaddht/pkg/wire"
)

// pipeStream adapts a net.Conn (from net.Pipe) to the Stream interface.
type pipeStream struct {
	net.Conn
	remoteAddr string
}

func (p *pipeStream) RemoteAddr() string { return p.remoteAddr }

// fakeNetwork is an in-process transport connecting multiple Services via
// net.Pipe, letting dht-level tests exercise real wire round trips without
// any real network.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[peerid.ID]func(remote peerid.ID, s Stream)
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{handlers: make(map[peerid.ID]func(remote peerid.ID, s Stream))}
}

type fakeTransport struct {
	network *fakeNetwork
	self    peerid.ID
}

func (t *fakeTransport) SetHandler(_ string, handler func(remote peerid.ID, s Stream)) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	t.network.handlers[t.self] = handler
}

func (t *fakeTransport) NewStream(_ context.Context, peer peerid.ID, _ string) (Stream, error) {
	t.network.mu.Lock()
	handler := t.network.handlers[peer]
	t.network.mu.Unlock()
	if handler == nil {
		return nil, errUnreachable
	}
	client, server := net.Pipe()
	go handler(t.self, &pipeStream{Conn: server, remoteAddr: "pipe:" + string(t.self)})
	return &pipeStream{Conn: client, remoteAddr: "pipe:" + string(peer)}, nil
}

var errUnreachable = &NoPeersAvailable{}

func newTestService(t *testing.T, network *fakeNetwork, mode Mode, cfg Config) (*Service, peerid.ID) {
	t.Helper()
	kp, err := peerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id := kp.ID()

	rt := kbucket.New(id)
	recStore := store.NewRecordStore(store.NewMemoryRecordBackend(), 0, 36*time.Hour)
	provStore := store.NewProviderStore(store.NewMemoryProviderBackend(), 0, 0, 24*time.Hour)
	tracker := latency.New(latency.DefaultMaxPeers)
	transport := &fakeTransport{network: network, self: id}

	svc := New(id, mode, rt, recStore, provStore, tracker, validator.AcceptAll{}, transport, transport, nil, cfg)
	svc.Start(context.Background())
	return svc, id
}

func link(a, b *Service) {
	a.routingTable.AddPeer(b.localPeer, nil)
	b.routingTable.AddPeer(a.localPeer, nil)
}

func fastCfg() Config {
	return Config{
		K: 20, Alpha: 3,
		PeerTimeout: 2 * time.Second, QueryTimeout: 2 * time.Second,
	}
}

func TestFindNodeSingleSeedS1(t *testing.T) {
	network := newFakeNetwork()
	local, _ := newTestService(t, network, Server, fastCfg())
	remote, remoteID := newTestService(t, network, Server, fastCfg())
	link(local, remote)

	target := remote.routingTable.LocalKey()
	closest, err := local.FindNode(context.Background(), target)
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if len(closest) != 1 || closest[0].Peer != remoteID {
		t.Fatalf("expected lone peer R, got %+v", closest)
	}
}

func TestGetValueHopThroughS2(t *testing.T) {
	network := newFakeNetwork()
	local, _ := newTestService(t, network, Server, fastCfg())
	a, _ := newTestService(t, network, Server, fastCfg())
	c, _ := newTestService(t, network, Server, fastCfg())

	link(local, a)
	link(a, c)
	// local does not know c directly; a must hand it back as closer.

	if _, err := c.recordStore.Put(context.Background(), store.Record{Key: []byte("doc"), Value: []byte("hello")}, 36*time.Hour); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	rec, err := local.GetValue(context.Background(), []byte("doc"))
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if string(rec.Value) != "hello" {
		t.Fatalf("expected hello, got %q", rec.Value)
	}

	cached, found, err := local.recordStore.Get(context.Background(), []byte("doc"))
	if err != nil || !found {
		t.Fatalf("expected record cached locally after GetValue, found=%v err=%v", found, err)
	}
	if string(cached.Value) != "hello" {
		t.Fatalf("cached record mismatch: %q", cached.Value)
	}
}

func TestPutValueCountsAcksS3(t *testing.T) {
	network := newFakeNetwork()
	local, _ := newTestService(t, network, Server, fastCfg())
	good1, _ := newTestService(t, network, Server, fastCfg())
	good2, _ := newTestService(t, network, Server, fastCfg())
	_, badID := newTestService(t, network, Server, fastCfg())

	link(local, good1)
	link(local, good2)
	local.routingTable.AddPeer(badID, nil)

	// Simulate the third peer being unreachable: it is in local's routing
	// table (so it is selected into the fan-out) but has no handler.
	network.mu.Lock()
	delete(network.handlers, badID)
	network.mu.Unlock()

	stored, err := local.PutValue(context.Background(), []byte("doc"), []byte("hello"))
	if err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected 2 acknowledging peers, got %d", stored)
	}

	rec, found, err := local.recordStore.Get(context.Background(), []byte("doc"))
	if err != nil || !found {
		t.Fatalf("expected local record present after put")
	}
	if string(rec.Value) != "hello" {
		t.Fatalf("local record mismatch: %q", rec.Value)
	}
}

func TestClientModeSilentlyCloses(t *testing.T) {
	network := newFakeNetwork()
	local, _ := newTestService(t, network, Server, fastCfg())
	clientMode, _ := newTestService(t, network, Client, fastCfg())
	link(local, clientMode)

	_, err := local.FindNode(context.Background(), local.routingTable.LocalKey())
	if err == nil {
		t.Fatalf("expected FindNode against a Client-mode peer to fail (silent close)")
	}
}

func TestInboundPeerTimeoutS5(t *testing.T) {
	network := newFakeNetwork()
	cfg := fastCfg()
	cfg.PeerTimeout = 30 * time.Millisecond
	local, _ := newTestService(t, network, Server, cfg)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		local.handleStream(peerid.ID("stalling-peer"), &pipeStream{Conn: server, remoteAddr: "pipe:stalling"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handleStream did not return after peer_timeout elapsed")
	}
	client.Close()
}

func TestInvalidFindNodeKeyLengthS6(t *testing.T) {
	network := newFakeNetwork()
	local, _ := newTestService(t, network, Server, fastCfg())

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		local.handleStream(peerid.ID("bad-peer"), &pipeStream{Conn: server, remoteAddr: "pipe:bad"})
		close(done)
	}()

	if err := wire.WriteMessage(client, &wire.Message{Type: wire.FindNode, Key: make([]byte, 16)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handleStream did not tear down the stream on invalid key length")
	}

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected no response to be written for an invalid FIND_NODE key length")
	}

	if !local.routingTable.Contains(peerid.ID("bad-peer")) {
		t.Fatalf("expected the connecting peer to still be added by the connection-accept path")
	}
	client.Close()
}

func TestRefreshProbesStaleBucketsS4(t *testing.T) {
	network := newFakeNetwork()
	cfg := fastCfg()
	cfg.RefreshInterval = time.Hour
	cfg.RandomWalkCount = 2
	local, _ := newTestService(t, network, Server, cfg)
	remote, _ := newTestService(t, network, Server, fastCfg())
	link(local, remote)

	// Age every bucket past refresh_interval, as if that much wall time had
	// passed since the table was populated.
	for _, idx := range local.routingTable.BucketsNeedingRefresh(time.Now()) {
		local.routingTable.MarkBucketRefreshed(idx, time.Now().Add(-2*time.Hour))
	}
	cutoff := time.Now().Add(-cfg.RefreshInterval)

	stale := local.routingTable.BucketsNeedingRefresh(cutoff)
	if len(stale) == 0 {
		t.Fatalf("expected a bucket older than refresh_interval to be stale before refresh")
	}

	local.runRefresh(context.Background())

	stillStale := local.routingTable.BucketsNeedingRefresh(cutoff)
	if len(stillStale) >= len(stale) {
		t.Fatalf("expected runRefresh to mark at least one bucket refreshed, before=%d after=%d", len(stale), len(stillStale))
	}
}
