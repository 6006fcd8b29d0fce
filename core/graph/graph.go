// Package graph implements the sharded, concurrent key->NodeEntry
// table (C4) the evaluator and invalidator both operate over. Lookup,
// creation, and iteration are safe for concurrent use; mutation of an
// individual entry's internal state is left to nodeentry's own lock.
package graph

import (
	"hash/maphash"
	"sync"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
)

// shardCount is fixed rather than derived from GOMAXPROCS: it bounds
// lock contention on createIfAbsent/get without needing to scale with
// machine size.
const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	entries map[keyvalue.Key]*nodeentry.NodeEntry
}

// Graph is the full in-memory node table. The zero value is not
// usable; construct with New.
type Graph struct {
	shards [shardCount]*shard
	seed   maphash.Seed
}

// New constructs an empty Graph.
func New() *Graph {
	g := &Graph{seed: maphash.MakeSeed()}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[keyvalue.Key]*nodeentry.NodeEntry)}
	}
	return g
}

func (g *Graph) shardFor(k keyvalue.Key) *shard {
	var h maphash.Hash
	h.SetSeed(g.seed)
	h.WriteString(string(k.Kind()))
	h.WriteString(k.String())
	return g.shards[h.Sum64()%shardCount]
}

// Get returns the entry for k if it already exists, without creating
// one.
func (g *Graph) Get(k keyvalue.Key) (*nodeentry.NodeEntry, bool) {
	s := g.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// CreateIfAbsent returns the entry for k, creating a fresh StateNew
// entry if none exists yet. It is the single entry point by which new
// keys enter the graph (§4.4 C4).
func (g *Graph) CreateIfAbsent(k keyvalue.Key) *nodeentry.NodeEntry {
	s := g.shardFor(k)

	s.mu.RLock()
	if e, ok := s.entries[k]; ok {
		s.mu.RUnlock()
		return e
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		return e
	}
	e := nodeentry.New(k)
	s.entries[k] = e
	return e
}

// GetBatch looks up several keys at once, returning only the ones
// already present.
func (g *Graph) GetBatch(keys []keyvalue.Key) map[keyvalue.Key]*nodeentry.NodeEntry {
	out := make(map[keyvalue.Key]*nodeentry.NodeEntry, len(keys))
	for _, k := range keys {
		if e, ok := g.Get(k); ok {
			out[k] = e
		}
	}
	return out
}

// CreateIfAbsentBatch is CreateIfAbsent over a batch of keys, returned
// in a map keyed by the same keys (order is not preserved; callers
// that need request order keep it themselves).
func (g *Graph) CreateIfAbsentBatch(keys []keyvalue.Key) map[keyvalue.Key]*nodeentry.NodeEntry {
	out := make(map[keyvalue.Key]*nodeentry.NodeEntry, len(keys))
	for _, k := range keys {
		out[k] = g.CreateIfAbsent(k)
	}
	return out
}

// Delete removes k from the graph outright, used by GC (§4.5 "deleted
// node" sweep) once it has no remaining reverse deps. It performs no
// checks of its own.
func (g *Graph) Delete(k keyvalue.Key) {
	s := g.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// Len returns the number of entries currently tracked, across every
// shard. Used by tests.
func (g *Graph) Len() int {
	total := 0
	for _, s := range g.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every (key, entry) pair currently in the graph.
// fn must not call back into Graph methods that take the same shard's
// lock (CreateIfAbsent, Delete) for the key it was handed; snapshot
// export and GC instead collect keys first and act afterward.
func (g *Graph) Range(fn func(keyvalue.Key, *nodeentry.NodeEntry) bool) {
	for _, s := range g.shards {
		s.mu.RLock()
		keep := true
		for k, e := range s.entries {
			if !fn(k, e) {
				keep = false
				break
			}
		}
		s.mu.RUnlock()
		if !keep {
			return
		}
	}
}
