// Package query implements KadQuery: the iterative α-parallel lookup
// engine, including its disjoint-path and sibling-broadcast variants and
// validator-driven record selection.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/kadkey"
	"github.com/shadowmesh/kaddht/pkg/kbucket"
	"github.com/shadowmesh/kaddht/pkg/peerid"
	"github.com/shadowmesh/kaddht/pkg/store"
	"github.com/shadowmesh/kaddht/pkg/validator"
)

// Kind selects which RPC a query issues per contacted peer.
type Kind int

const (
	KindFindNode Kind = iota
	KindGetValue
	KindGetProviders
)

// Config bounds a single query's execution.
type Config struct {
	Alpha         int
	K             int
	Timeout       time.Duration
	MaxIterations int
	// SiblingCount enables S/Kademlia sibling broadcast: beyond the Alpha
	// closest Fresh peers, up to SiblingCount Fresh peers from other
	// bucket strata are queried each wave. Zero disables it.
	SiblingCount int
	// Disjoint enables S/Kademlia disjoint-path execution across
	// DisjointPaths independent lookups whose seed sets do not overlap.
	// Peers discovered during the lookups are not coordinated across paths,
	// so a peer revealed to more than one path can be contacted by each.
	// Disjoint==false or DisjointPaths<=1 runs a single path.
	Disjoint      bool
	DisjointPaths int
}

// Delegate is the thin per-peer RPC capability a query borrows from the
// service; it has no back-reference to the query or the service.
type Delegate interface {
	FindNode(ctx context.Context, peer peerid.ID, target kadkey.Key) ([]kbucket.PeerEntry, error)
	GetValue(ctx context.Context, peer peerid.ID, key []byte) (*store.Record, []kbucket.PeerEntry, error)
	GetProviders(ctx context.Context, peer peerid.ID, key []byte) ([]store.ProviderRecord, []kbucket.PeerEntry, error)
}

// ErrTimeout is returned when a query exceeds Config.Timeout.
var ErrTimeout = errors.New("query: timed out")

// ErrNoPeersAvailable is returned when a query has no seed peers.
var ErrNoPeersAvailable = errors.New("query: no peers available to seed lookup")

// ErrMaxIterationsExceeded is returned alongside a best-effort Result when
// a lookup exhausts Config.MaxIterations without running out of fresh
// candidates and without an early return (no natural termination).
var ErrMaxIterationsExceeded = errors.New("query: max iterations exceeded without natural termination")

// Result is the outcome of a single Run call.
type Result struct {
	Kind       Kind
	Closest    []kbucket.PeerEntry
	Record     *store.Record
	RecordFrom peerid.ID
	Found      bool
	Providers  []store.ProviderRecord
	Iterations int
}

type peerState int

const (
	statePending peerState = iota
	stateInFlight
	stateOk
	stateFailed
)

type candidate struct {
	entry    kbucket.PeerEntry
	distance kadkey.Key
	state    peerState
}

// DeriveTarget computes the KadKey a lookup orders candidates by: the key
// itself for FindNode, or the SHA-256 hash of the raw key bytes for
// GetValue/GetProviders.
func DeriveTarget(kind Kind, findNodeTarget kadkey.Key, rawKey []byte) kadkey.Key {
	if kind == KindFindNode {
		return findNodeTarget
	}
	return kadkey.FromHash(rawKey)
}

// Run executes a query to completion or until Config.Timeout elapses,
// racing the iterative body against a timer as two concurrent sub-tasks.
func Run(ctx context.Context, kind Kind, target kadkey.Key, rawKey []byte, initial []kbucket.PeerEntry, cfg Config, delegate Delegate, val validator.Validator) (*Result, error) {
	if len(initial) == 0 {
		return nil, ErrNoPeersAvailable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		var res *Result
		var err error
		if cfg.Disjoint && cfg.DisjointPaths > 1 {
			res, err = runDisjoint(ctx, kind, target, rawKey, initial, cfg, delegate, val)
		} else {
			res, err = runSinglePath(ctx, kind, target, rawKey, initial, cfg, delegate, val)
		}
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func freshSortedByDistance(candidates map[peerid.ID]*candidate) []peerid.ID {
	var fresh []peerid.ID
	for p, c := range candidates {
		if c.state == statePending {
			fresh = append(fresh, p)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		return candidates[fresh[i]].distance.Less(candidates[fresh[j]].distance)
	})
	return fresh
}

// selectWave picks up to alpha closest Fresh peers, plus (if siblingCount
// > 0) up to siblingCount further Fresh peers drawn round-robin from other
// bucket indices, for robustness against any single bucket being poisoned.
func selectWave(candidates map[peerid.ID]*candidate, localKey kadkey.Key, alpha, siblingCount int) []peerid.ID {
	fresh := freshSortedByDistance(candidates)
	if len(fresh) == 0 {
		return nil
	}

	n := alpha
	if n > len(fresh) {
		n = len(fresh)
	}
	selected := append([]peerid.ID{}, fresh[:n]...)

	if siblingCount <= 0 || n >= len(fresh) {
		return selected
	}

	selectedBuckets := make(map[int]bool, n)
	for _, p := range selected {
		if idx, ok := localKey.Distance(candidates[p].entry.Key).BucketIndex(); ok {
			selectedBuckets[idx] = true
		}
	}

	added := 0
	for _, p := range fresh[n:] {
		if added >= siblingCount {
			break
		}
		idx, ok := localKey.Distance(candidates[p].entry.Key).BucketIndex()
		if ok && selectedBuckets[idx] {
			continue
		}
		selected = append(selected, p)
		if ok {
			selectedBuckets[idx] = true
		}
		added++
	}
	return selected
}

type waveResponse struct {
	peer   peerid.ID
	closer []kbucket.PeerEntry
	record *store.Record
	provs  []store.ProviderRecord
	failed bool
}

func dispatchWave(ctx context.Context, kind Kind, rawKey []byte, delegate Delegate, peers []peerid.ID, target kadkey.Key) []waveResponse {
	responses := make([]waveResponse, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p peerid.ID) {
			defer wg.Done()
			var resp waveResponse
			resp.peer = p
			switch kind {
			case KindFindNode:
				closer, err := delegate.FindNode(ctx, p, target)
				if err != nil {
					resp.failed = true
				} else {
					resp.closer = closer
				}
			case KindGetValue:
				rec, closer, err := delegate.GetValue(ctx, p, rawKey)
				if err != nil {
					resp.failed = true
				} else {
					resp.record = rec
					resp.closer = closer
				}
			case KindGetProviders:
				provs, closer, err := delegate.GetProviders(ctx, p, rawKey)
				if err != nil {
					resp.failed = true
				} else {
					resp.provs = provs
					resp.closer = closer
				}
			}
			responses[i] = resp
		}(i, p)
	}
	wg.Wait()
	return responses
}

func closestOk(candidates map[peerid.ID]*candidate, k int) []kbucket.PeerEntry {
	var ok []*candidate
	for _, c := range candidates {
		if c.state == stateOk {
			ok = append(ok, c)
		}
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i].distance.Less(ok[j].distance) })
	if len(ok) > k {
		ok = ok[:k]
	}
	out := make([]kbucket.PeerEntry, len(ok))
	for i, c := range ok {
		out[i] = c.entry
	}
	return out
}

func runSinglePath(ctx context.Context, kind Kind, target kadkey.Key, rawKey []byte, initial []kbucket.PeerEntry, cfg Config, delegate Delegate, val validator.Validator) (*Result, error) {
	candidates := make(map[peerid.ID]*candidate, len(initial)*2)
	for _, e := range initial {
		candidates[e.Peer] = &candidate{entry: e, distance: e.Key.Distance(target), state: statePending}
	}

	var collectedValues [][]byte
	var collectedFrom []peerid.ID
	providersSeen := make(map[peerid.ID]store.ProviderRecord)

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	iterations := 0
	terminatedNaturally := false
	for ; iterations < maxIter; iterations++ {
		wave := selectWave(candidates, target, cfg.Alpha, cfg.SiblingCount)
		if len(wave) == 0 {
			terminatedNaturally = true
			break
		}
		for _, p := range wave {
			candidates[p].state = stateInFlight
		}

		responses := dispatchWave(ctx, kind, rawKey, delegate, wave, target)

		earlyReturn := false
		for _, resp := range responses {
			c := candidates[resp.peer]
			if resp.failed {
				c.state = stateFailed
				continue
			}
			c.state = stateOk

			for _, ce := range resp.closer {
				if _, seen := candidates[ce.Peer]; !seen {
					candidates[ce.Peer] = &candidate{entry: ce, distance: ce.Key.Distance(target), state: statePending}
				}
			}

			switch kind {
			case KindGetValue:
				if resp.record != nil {
					collectedValues = append(collectedValues, resp.record.Value)
					collectedFrom = append(collectedFrom, resp.peer)
					if val == nil {
						earlyReturn = true
					}
				}
			case KindGetProviders:
				for _, pr := range resp.provs {
					providersSeen[pr.Provider] = pr
				}
			}
		}
		if earlyReturn {
			iterations++
			terminatedNaturally = true
			break
		}
	}

	// Reaching the iteration cap without the loop breaking on its own (an
	// empty wave or an early return) means candidates were still fresh when
	// the lookup gave up; spec.md §7's MaxDepthExceeded taxonomy item.
	exhausted := !terminatedNaturally && iterations >= maxIter

	result := &Result{Kind: kind, Iterations: iterations, Closest: closestOk(candidates, k(cfg))}
	var exhaustedErr error
	if exhausted {
		exhaustedErr = ErrMaxIterationsExceeded
	}

	switch kind {
	case KindFindNode:
		return result, exhaustedErr
	case KindGetValue:
		if len(collectedValues) == 0 {
			return result, exhaustedErr
		}
		idx := 0
		if val != nil {
			var err error
			idx, err = val.Select(rawKey, collectedValues)
			if err != nil {
				return result, exhaustedErr
			}
		}
		if idx < 0 || idx >= len(collectedValues) {
			idx = 0
		}
		result.Record = &store.Record{Key: rawKey, Value: collectedValues[idx]}
		result.RecordFrom = collectedFrom[idx]
		result.Found = true
		return result, exhaustedErr
	case KindGetProviders:
		for _, pr := range providersSeen {
			result.Providers = append(result.Providers, pr)
		}
		return result, exhaustedErr
	}
	return result, fmt.Errorf("query: unknown kind %d", kind)
}

func k(cfg Config) int {
	if cfg.K <= 0 {
		return 20
	}
	return cfg.K
}

// runDisjoint partitions the initial candidate set round-robin into
// cfg.DisjointPaths disjoint subsets and executes that many independent
// iterative lookups concurrently, then merges their results. Only the seed
// subsets are disjoint: each path keeps its own candidate map, so a closer
// peer returned to several paths is contacted by each of them.
func runDisjoint(ctx context.Context, kind Kind, target kadkey.Key, rawKey []byte, initial []kbucket.PeerEntry, cfg Config, delegate Delegate, val validator.Validator) (*Result, error) {
	d := cfg.DisjointPaths
	partitions := make([][]kbucket.PeerEntry, d)
	for i, e := range initial {
		partitions[i%d] = append(partitions[i%d], e)
	}

	pathCfg := cfg
	pathCfg.Disjoint = false

	results := make([]*Result, d)
	var exhaustedMu sync.Mutex
	exhaustedAny := false
	var wg sync.WaitGroup
	for i, part := range partitions {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, part []kbucket.PeerEntry) {
			defer wg.Done()
			res, err := runSinglePath(ctx, kind, target, rawKey, part, pathCfg, delegate, val)
			results[i] = res
			if errors.Is(err, ErrMaxIterationsExceeded) {
				exhaustedMu.Lock()
				exhaustedAny = true
				exhaustedMu.Unlock()
			}
		}(i, part)
	}
	wg.Wait()

	merged := &Result{Kind: kind}
	seenOk := make(map[peerid.ID]kbucket.PeerEntry)
	var allValues [][]byte
	var allFrom []peerid.ID
	providersSeen := make(map[peerid.ID]store.ProviderRecord)

	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Iterations > merged.Iterations {
			merged.Iterations = res.Iterations
		}
		for _, e := range res.Closest {
			seenOk[e.Peer] = e
		}
		if kind == KindGetValue && res.Found {
			allValues = append(allValues, res.Record.Value)
			allFrom = append(allFrom, res.RecordFrom)
		}
		for _, pr := range res.Providers {
			providersSeen[pr.Provider] = pr
		}
	}

	closest := make([]kbucket.PeerEntry, 0, len(seenOk))
	for _, e := range seenOk {
		closest = append(closest, e)
	}
	sort.Slice(closest, func(i, j int) bool {
		return closest[i].Key.Distance(target).Less(closest[j].Key.Distance(target))
	})
	if kLimit := k(cfg); len(closest) > kLimit {
		closest = closest[:kLimit]
	}
	merged.Closest = closest

	switch kind {
	case KindGetValue:
		if len(allValues) > 0 {
			idx := 0
			if val != nil {
				if selected, err := val.Select(rawKey, allValues); err == nil && selected >= 0 && selected < len(allValues) {
					idx = selected
				}
			}
			merged.Record = &store.Record{Key: rawKey, Value: allValues[idx]}
			merged.RecordFrom = allFrom[idx]
			merged.Found = true
		}
	case KindGetProviders:
		for _, pr := range providersSeen {
			merged.Providers = append(merged.Providers, pr)
		}
	}

	if exhaustedAny {
		return merged, ErrMaxIterationsExceeded
	}
	return merged, nil
}
