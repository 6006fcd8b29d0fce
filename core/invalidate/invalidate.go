// Package invalidate implements the invalidator/differencer (C8): it
// installs externally-changed values into the graph, walks the
// reverse-dep closure marking entries DIRTY/CHANGED, and reclaims
// entries old enough to be outside the configured retention window.
// Nothing here runs a compute function; that is the evaluator's job on
// the next Evaluate call.
package invalidate

import (
	"reflect"

	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
	"buildgraph.evalgo.org/core/version"
)

// Change is one externally-observed value for a key: a new filesystem
// digest, a changed user preference, or any other input the embedding
// service tracks outside the graph.
type Change struct {
	Key   keyvalue.Key
	Value keyvalue.Value
}

// Invalidator owns the version counter it stamps injected changes
// with. One Invalidator is normally shared by every Inject call an
// embedding service makes against a given Graph.
type Invalidator struct {
	graph    *graph.Graph
	versions *version.Counter
	equal    func(a, b keyvalue.Value) bool
}

// New constructs an Invalidator over g, stamping injected values with
// versions drawn from versions. equal decides whether an injected
// value actually differs from what is already stored (nil defaults to
// reflect.DeepEqual over Value.Inner()).
func New(g *graph.Graph, versions *version.Counter, equal func(a, b keyvalue.Value) bool) *Invalidator {
	if equal == nil {
		equal = defaultEqual
	}
	return &Invalidator{graph: g, versions: versions, equal: equal}
}

func defaultEqual(a, b keyvalue.Value) bool {
	return reflect.DeepEqual(a.Inner(), b.Inner())
}

// Inject overwrites every key in changes with its new value at a
// freshly advanced version, then walks each changed key's reverse-dep
// closure marking entries DIRTY; the injected keys themselves stay
// DONE holding their new values. Keys whose new value equals what is
// already stored are skipped entirely — neither restamped nor
// propagated — matching the "if value equals newValue, do nothing"
// rule that lets a no-op filesystem poll avoid invalidating anything
// downstream of it.
//
// Inject must not be called concurrently with an Evaluate call that
// might touch the same keys: invalidation is a prerequisite to the
// next evaluation, not something that interleaves with one (§4.5
// "Ordering").
func (inv *Invalidator) Inject(changes []Change) version.IntVersion {
	v := inv.versions.Advance()

	frontier := make([]keyvalue.Key, 0, len(changes))
	for _, c := range changes {
		entry := inv.graph.CreateIfAbsent(c.Key)
		if entry.Overwrite(c.Value, v, inv.equal) {
			frontier = append(frontier, c.Key)
		}
	}

	inv.propagateDirty(frontier)
	return v
}

// propagateDirty runs the BFS described in §4.5 step 3: every key
// reachable via reverse-dep edges from the injection frontier is
// marked DIRTY. Frontier members themselves are not marked, even when
// one is a reverse dep of another: Overwrite has just installed their
// new values, and the next evaluation reads them as they are. MarkDirty's own
// already-dirty short-circuit (§4.3 "stop BFS at an already-dirty
// node") keeps this linear in the size of the affected subgraph rather
// than the whole graph.
func (inv *Invalidator) propagateDirty(frontier []keyvalue.Key) {
	frontierSet := make(map[keyvalue.Key]bool, len(frontier))
	for _, k := range frontier {
		frontierSet[k] = true
	}

	queue := make([]keyvalue.Key, 0, len(frontier))
	for _, k := range frontier {
		entry, ok := inv.graph.Get(k)
		if !ok {
			continue
		}
		queue = append(queue, entry.GetReverseDeps()...)
	}

	visited := make(map[keyvalue.Key]bool, len(queue))
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if visited[k] || frontierSet[k] {
			continue
		}
		visited[k] = true

		entry, ok := inv.graph.Get(k)
		if !ok {
			continue
		}
		_, wasDirtied := entry.MarkDirty(false)
		if !wasDirtied {
			continue
		}
		queue = append(queue, entry.GetReverseDeps()...)
	}
}

// DeleteOldNodes removes entries whose stamped version is older than
// current-windowSize and which have no reverse deps at all, per §4.5
// step 4's bounded-memory sweep. A node still referenced by a live
// reverse dep is kept regardless of age: deleting it would leave a
// dangling edge that the next evaluation reading that dependent's
// stale directDeps could follow into a freshly-absent entry.
//
// This is a full graph scan, the same bounded-eviction idiom as a
// retained-teacher statemanager's evictOldest, generalized from
// evicting a single oldest entry at capacity to a version-window
// sweep over the whole graph; callers typically run it on a timer or
// after every N Inject calls, not on every one.
func (inv *Invalidator) DeleteOldNodes(windowSize int64) int {
	current := int64(inv.versions.Current())
	threshold := current - windowSize
	if threshold < 0 {
		return 0
	}

	var toDelete []keyvalue.Key
	inv.graph.Range(func(k keyvalue.Key, e *nodeentry.NodeEntry) bool {
		if e.State() != nodeentry.StateDone {
			return true
		}
		iv, ok := e.Version().(version.IntVersion)
		if !ok || int64(iv) >= threshold {
			return true
		}
		if len(e.GetReverseDeps()) > 0 {
			return true
		}
		toDelete = append(toDelete, k)
		return true
	})

	for _, k := range toDelete {
		inv.graph.Delete(k)
	}
	return len(toDelete)
}
