package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// fakeDelegate is a scripted Delegate: each peer has a canned response.
type fakeDelegate struct {
	mu        sync.Mutex
	findNode  map[peerid.ID][]kbucket.PeerEntry
	getValue  map[peerid.ID]struct {
		rec    *store.Record
		closer []kbucket.PeerEntry
	}
	getProv map[peerid.ID]struct {
		provs  []store.ProviderRecord
		closer []kbucket.PeerEntry
	}
	unreachable map[peerid.ID]bool
	contacted   map[peerid.ID]int
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{
		findNode: make(map[peerid.ID][]kbucket.PeerEntry),
		getValue: make(map[peerid.ID]struct {
			rec    *store.Record
			closer []kbucket.PeerEntry
		}),
		getProv: make(map[peerid.ID]struct {
			provs  []store.ProviderRecord
			closer []kbucket.PeerEntry
		}),
		unreachable: make(map[peerid.ID]bool),
		contacted:   make(map[peerid.ID]int),
	}
}

func (f *fakeDelegate) recordContact(p peerid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacted[p]++
	if f.unreachable[p] {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeDelegate) FindNode(_ context.Context, peer peerid.ID, _ kadkey.Key) ([]kbucket.PeerEntry, error) {
	if err := f.recordContact(peer); err != nil {
		return nil, err
	}
	return f.findNode[peer], nil
}

func (f *fakeDelegate) GetValue(_ context.Context, peer peerid.ID, _ []byte) (*store.Record, []kbucket.PeerEntry, error) {
	if err := f.recordContact(peer); err != nil {
		return nil, nil, err
	}
	v := f.getValue[peer]
	return v.rec, v.closer, nil
}

func (f *fakeDelegate) GetProviders(_ context.Context, peer peerid.ID, _ []byte) ([]store.ProviderRecord, []kbucket.PeerEntry, error) {
	if err := f.recordContact(peer); err != nil {
		return nil, nil, err
	}
	v := f.getProv[peer]
	return v.provs, v.closer, nil
}

func entry(name string) kbucket.PeerEntry {
	p := peerid.ID(name)
	return kbucket.PeerEntry{Peer: p, Key: kadkey.FromPeerBytes(p.Bytes())}
}

func TestFindNodeSingleSeedReturnsLoneOkPeer(t *testing.T) {
	delegate := newFakeDelegate()
	r := entry("R")
	delegate.findNode[r.Peer] = nil // empty closer-peers list

	target := kadkey.FromHash([]byte("t"))
	cfg := Config{Alpha: 3, K: 20, Timeout: time.Second, MaxIterations: 10}

	res, err := Run(context.Background(), KindFindNode, target, nil, []kbucket.PeerEntry{r}, cfg, delegate, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Closest) != 1 || res.Closest[0].Peer != r.Peer {
		t.Fatalf("expected lone Ok peer R, got %+v", res.Closest)
	}
	if res.Iterations > 2 {
		t.Fatalf("expected at most 2 iterations, got %d", res.Iterations)
	}
}

func TestGetValueHopsThroughIntermediary(t *testing.T) {
	delegate := newFakeDelegate()
	a := entry("A")
	b := entry("B")
	c := entry("C")

	delegate.getValue[a.Peer] = struct {
		rec    *store.Record
		closer []kbucket.PeerEntry
	}{nil, []kbucket.PeerEntry{c}}
	delegate.getValue[b.Peer] = struct {
		rec    *store.Record
		closer []kbucket.PeerEntry
	}{nil, nil}
	delegate.getValue[c.Peer] = struct {
		rec    *store.Record
		closer []kbucket.PeerEntry
	}{&store.Record{Key: []byte("doc"), Value: []byte("hello")}, nil}

	target := kadkey.FromHash([]byte("doc"))
	cfg := Config{Alpha: 3, K: 20, Timeout: time.Second, MaxIterations: 10}

	res, err := Run(context.Background(), KindGetValue, target, []byte("doc"), []kbucket.PeerEntry{a, b}, cfg, delegate, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Found || string(res.Record.Value) != "hello" {
		t.Fatalf("expected to retrieve hello, got %+v", res)
	}
	if res.RecordFrom != c.Peer {
		t.Fatalf("expected record to come from C, got %v", res.RecordFrom)
	}
}

func TestQueryNeverContactsSamePeerTwiceWithinOnePath(t *testing.T) {
	delegate := newFakeDelegate()
	a := entry("A")
	b := entry("B")
	// A and B each report each other as a closer peer, which would loop
	// forever if the engine re-contacted already-seen peers.
	delegate.findNode[a.Peer] = []kbucket.PeerEntry{b}
	delegate.findNode[b.Peer] = []kbucket.PeerEntry{a}

	target := kadkey.FromHash([]byte("t"))
	cfg := Config{Alpha: 3, K: 20, Timeout: time.Second, MaxIterations: 10}

	_, err := Run(context.Background(), KindFindNode, target, nil, []kbucket.PeerEntry{a, b}, cfg, delegate, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if delegate.contacted[a.Peer] != 1 || delegate.contacted[b.Peer] != 1 {
		t.Fatalf("expected each peer contacted exactly once, got %+v", delegate.contacted)
	}
}

func TestQueryTerminatesWithinMaxIterations(t *testing.T) {
	delegate := newFakeDelegate()
	// A chain of peers, each revealing the next, longer than MaxIterations
	// would naturally explore.
	var peers []kbucket.PeerEntry
	for i := 0; i < 10; i++ {
		peers = append(peers, entry(string(rune('A'+i))))
	}
	for i := 0; i < len(peers)-1; i++ {
		delegate.findNode[peers[i].Peer] = []kbucket.PeerEntry{peers[i+1]}
	}

	target := kadkey.FromHash([]byte("t"))
	cfg := Config{Alpha: 1, K: 20, Timeout: time.Second, MaxIterations: 3}

	res, err := Run(context.Background(), KindFindNode, target, nil, []kbucket.PeerEntry{peers[0]}, cfg, delegate, nil)
	if !errors.Is(err, ErrMaxIterationsExceeded) {
		t.Fatalf("Run: expected ErrMaxIterationsExceeded, got %v", err)
	}
	if res.Iterations != 3 {
		t.Fatalf("expected exactly 3 iterations, got %d", res.Iterations)
	}
	if len(res.Closest) == 0 {
		t.Fatalf("expected a best-effort Closest set alongside the error")
	}
}

func TestDisjointPathsDoNotShareInFlightPeers(t *testing.T) {
	delegate := newFakeDelegate()
	var peers []kbucket.PeerEntry
	for i := 0; i < 4; i++ {
		peers = append(peers, entry(string(rune('A'+i))))
		delegate.findNode[peers[i].Peer] = nil
	}

	target := kadkey.FromHash([]byte("t"))
	cfg := Config{Alpha: 1, K: 20, Timeout: time.Second, MaxIterations: 5, Disjoint: true, DisjointPaths: 2}

	res, err := Run(context.Background(), KindFindNode, target, nil, peers, cfg, delegate, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Closest) != 4 {
		t.Fatalf("expected all 4 peers to end Ok across disjoint paths, got %d", len(res.Closest))
	}
	for _, p := range peers {
		if delegate.contacted[p.Peer] != 1 {
			t.Fatalf("expected peer %v contacted exactly once across all paths, got %d", p.Peer, delegate.contacted[p.Peer])
		}
	}
}
