// Package snapshot implements the walkable, read-only view over a
// completed evaluation (C9): getValue/getDirectDeps/getReverseDeps
// against a frozen version, plus a topological ordering helper used by
// downstream query consumers (reporters, the Neo4j exporter) that need
// to walk the graph from roots to leaves or vice versa. A Snapshot
// owns a private copy of the state it reports; the live Graph and
// NodeEntry objects may keep mutating underneath it without the
// Snapshot's answers changing out from under a caller mid-walk.
package snapshot

import (
	"fmt"

	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
)

// node is the frozen record a Snapshot keeps for one key.
type node struct {
	value       keyvalue.Value
	errorInfo   *keyvalue.ErrorInfo
	done        bool
	directDeps  []keyvalue.Key
	reverseDeps []keyvalue.Key
}

// Snapshot is a point-in-time, read-only copy of a Graph's DONE
// entries. It never mutates and holds no reference back to the live
// Graph, so every method is safe to call from any number of goroutines
// without synchronization.
type Snapshot struct {
	nodes map[keyvalue.Key]node
}

// Capture walks g once, copying every DONE entry's value/error and
// flattened direct/reverse deps into an immutable Snapshot. Entries
// still BUILDING, DIRTY, or NEW are omitted: per §4.6, "every edge it
// reports is between two nodes whose values it can also produce,"
// which an in-flight or stale entry cannot promise.
func Capture(g *graph.Graph) *Snapshot {
	snap := &Snapshot{nodes: make(map[keyvalue.Key]node)}
	g.Range(func(k keyvalue.Key, e *nodeentry.NodeEntry) bool {
		v, errInfo, done := e.Value()
		if !done {
			return true
		}
		snap.nodes[k] = node{
			value:       v,
			errorInfo:   errInfo,
			done:        true,
			directDeps:  flatten(e.DirectDeps()),
			reverseDeps: e.GetReverseDeps(),
		}
		return true
	})
	// Drop edges to entries that were not captured as DONE.
	keep := func(keys []keyvalue.Key) []keyvalue.Key {
		var out []keyvalue.Key
		for _, k := range keys {
			if _, ok := snap.nodes[k]; ok {
				out = append(out, k)
			}
		}
		return out
	}
	for k, n := range snap.nodes {
		n.directDeps = keep(n.directDeps)
		n.reverseDeps = keep(n.reverseDeps)
		snap.nodes[k] = n
	}
	return snap
}

func flatten(groups []nodeentry.DepGroup) []keyvalue.Key {
	var out []keyvalue.Key
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// GetValue returns k's frozen value (or error) and whether k was DONE
// at capture time.
func (s *Snapshot) GetValue(k keyvalue.Key) (v keyvalue.Value, errInfo *keyvalue.ErrorInfo, ok bool) {
	n, present := s.nodes[k]
	if !present {
		return keyvalue.Value{}, nil, false
	}
	return n.value, n.errorInfo, true
}

// GetDirectDeps returns the flattened direct deps k's compute function
// requested as of the captured build, or (nil, false) if k was not
// DONE at capture time.
func (s *Snapshot) GetDirectDeps(k keyvalue.Key) ([]keyvalue.Key, bool) {
	n, ok := s.nodes[k]
	if !ok {
		return nil, false
	}
	return n.directDeps, true
}

// GetReverseDeps returns the keys that depend on k, as of capture
// time, or (nil, false) if k was not DONE at capture time.
func (s *Snapshot) GetReverseDeps(k keyvalue.Key) ([]keyvalue.Key, bool) {
	n, ok := s.nodes[k]
	if !ok {
		return nil, false
	}
	return n.reverseDeps, true
}

// Keys returns every key present in the snapshot.
func (s *Snapshot) Keys() []keyvalue.Key {
	out := make([]keyvalue.Key, 0, len(s.nodes))
	for k := range s.nodes {
		out = append(out, k)
	}
	return out
}

// Len returns the number of DONE entries captured.
func (s *Snapshot) Len() int { return len(s.nodes) }

// TopologicalOrder returns every captured key ordered so that each
// key appears after all of its direct deps, using Kahn's algorithm —
// the same technique the pack's dag.go applies to action schedules,
// generalized here from a single action's Requires list to the
// snapshot's full dependency edge set. An error is returned if the
// snapshot's edges are not actually acyclic; a properly evaluated
// graph never has this happen; it is here only to protect a caller
// walking a Snapshot captured mid-bug.
func (s *Snapshot) TopologicalOrder() ([]keyvalue.Key, error) {
	inDegree := make(map[keyvalue.Key]int, len(s.nodes))
	dependents := make(map[keyvalue.Key][]keyvalue.Key, len(s.nodes))

	for k := range s.nodes {
		if _, ok := inDegree[k]; !ok {
			inDegree[k] = 0
		}
	}
	for k, n := range s.nodes {
		for _, dep := range n.directDeps {
			inDegree[k]++
			dependents[dep] = append(dependents[dep], k)
		}
	}

	queue := make([]keyvalue.Key, 0, len(inDegree))
	for k, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, k)
		}
	}

	result := make([]keyvalue.Key, 0, len(s.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(s.nodes) {
		return nil, fmt.Errorf("snapshot: cycle detected among %d unresolved keys", len(s.nodes)-len(result))
	}
	return result, nil
}
