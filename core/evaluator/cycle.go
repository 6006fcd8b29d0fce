package evaluator

import (
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
)

// detectCyclePath runs a depth-first search with an explicit
// recursion stack over the partial dependency edges recorded so far
// among the stuck keys, the same technique
// _examples/evalgo-org-eve/graph/dag.go uses to validate an
// action graph before execution. Edges leaving the stuck set (to
// already-finished dependencies) are not followed: they cannot be
// part of a cycle, since a cycle member can never have finished.
func detectCyclePath(stuck []keyvalue.Key, ev *Evaluator) []keyvalue.Key {
	inStuckSet := make(map[keyvalue.Key]bool, len(stuck))
	for _, k := range stuck {
		inStuckSet[k] = true
	}

	adjacency := make(map[keyvalue.Key][]keyvalue.Key, len(stuck))
	for _, k := range stuck {
		entry, ok := ev.graph.Get(k)
		if !ok {
			continue
		}
		var out []keyvalue.Key
		for _, group := range entry.GetTemporaryDirectDeps() {
			for _, dep := range group {
				if inStuckSet[dep] {
					out = append(out, dep)
				}
			}
		}
		adjacency[k] = out
	}

	visited := make(map[keyvalue.Key]bool)
	onStack := make(map[keyvalue.Key]bool)
	var path []keyvalue.Key

	var walk func(k keyvalue.Key) []keyvalue.Key
	walk = func(k keyvalue.Key) []keyvalue.Key {
		visited[k] = true
		onStack[k] = true
		path = append(path, k)

		for _, next := range adjacency[k] {
			if onStack[next] {
				// Found the back edge; trim path to start at next.
				for i, p := range path {
					if p == next {
						cycle := append([]keyvalue.Key{}, path[i:]...)
						return cycle
					}
				}
				return path
			}
			if !visited[next] {
				if cycle := walk(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		onStack[k] = false
		return nil
	}

	for _, k := range stuck {
		if !visited[k] {
			if cycle := walk(k); cycle != nil {
				return cycle
			}
		}
	}
	// No explicit back-edge found among the recorded partial deps
	// (e.g. the cycle runs through a dep neither side had recorded
	// yet when the scheduler went idle); fall back to naming every
	// stuck key as a participant so the caller still fails loudly
	// instead of hanging forever.
	return stuck
}

// resolveCycle force-completes every key on the detected cycle with a
// persistent CycleError and wakes their reverse deps, letting the
// ordinary TransitiveError machinery unwind the rest of the stuck
// subgraph exactly as it would for any other dependency failure.
func (ev *Evaluator) resolveCycle(inv *invocation, cycle []keyvalue.Key) {
	errInfo := keyvalue.NewCycleError(cycle)
	for _, k := range cycle {
		entry, ok := ev.graph.Get(k)
		if !ok {
			continue
		}
		if entry.State() != nodeentry.StateBuilding {
			continue
		}
		rdeps := entry.SetValue(keyvalue.Value{}, &errInfo, inv.graphVersion, inv.equal)
		inv.recordError(&errInfo)
		ev.wakeReverseDeps(k, entry.Version(), rdeps, inv)
	}
}
