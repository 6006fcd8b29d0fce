package snapshot

import (
	"context"
	"testing"

	"buildgraph.evalgo.org/core/evaluator"
	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/version"
)

const kindLeaf keyvalue.Kind = "LEAF"
const kindJoin keyvalue.Kind = "JOIN"

func buildDiamond(t *testing.T) *graph.Graph {
	t.Helper()
	reg := registry.New()
	reg.Register(kindLeaf, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.JustValue(key.Payload().(string)), nil
	})
	reg.Register(kindJoin, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		name := key.Payload().(string)
		var left, right keyvalue.Key
		if name == "top" {
			left, right = keyvalue.New(kindJoin, "b"), keyvalue.New(kindJoin, "c")
		} else {
			left, right = keyvalue.New(kindLeaf, name+"-left"), keyvalue.New(kindLeaf, name+"-right")
		}
		vals := env.GetValues([]keyvalue.Key{left, right})
		if env.ValuesMissing() {
			return registry.Restart()
		}
		return keyvalue.JustValue(name + "(" + vals[left].Inner().(string) + ")"), nil
	})

	g := graph.New()
	vc := version.NewCounter()
	ev := evaluator.New(g, reg, vc, 8, nil)
	t.Cleanup(ev.Close)

	result := ev.Evaluate(context.Background(), []keyvalue.Key{keyvalue.New(kindJoin, "top")}, evaluator.Options{})
	if result.HasErrors() {
		t.Fatalf("unexpected errors building fixture graph: %v", result.Errors)
	}
	return g
}

func TestCaptureIncludesOnlyDoneEntries(t *testing.T) {
	g := buildDiamond(t)
	snap := Capture(g)

	if snap.Len() == 0 {
		t.Fatal("expected a non-empty snapshot")
	}
	top := keyvalue.New(kindJoin, "top")
	v, errInfo, ok := snap.GetValue(top)
	if !ok {
		t.Fatal("expected top-level key to be present in snapshot")
	}
	if errInfo != nil {
		t.Fatalf("unexpected error in snapshot: %v", errInfo)
	}
	if v.Inner() == nil {
		t.Fatal("expected a captured value for top")
	}
}

func TestGetDirectDepsAndReverseDepsAreConsistent(t *testing.T) {
	g := buildDiamond(t)
	snap := Capture(g)

	top := keyvalue.New(kindJoin, "top")
	deps, ok := snap.GetDirectDeps(top)
	if !ok || len(deps) == 0 {
		t.Fatal("expected top to have recorded direct deps")
	}

	for _, dep := range deps {
		if _, ok := snap.GetValue(dep); !ok {
			t.Fatalf("snapshot reports edge to %v but has no value for it (inconsistent per §4.6)", dep)
		}
		rdeps, ok := snap.GetReverseDeps(dep)
		if !ok {
			t.Fatalf("expected reverse deps entry for %v", dep)
		}
		found := false
		for _, r := range rdeps {
			if r == top {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %v's reverse deps to include top", dep)
		}
	}
}

func TestTopologicalOrderRespectsDependencyDirection(t *testing.T) {
	g := buildDiamond(t)
	snap := Capture(g)

	order, err := snap.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}

	position := make(map[keyvalue.Key]int, len(order))
	for i, k := range order {
		position[k] = i
	}

	for _, k := range order {
		deps, _ := snap.GetDirectDeps(k)
		for _, dep := range deps {
			if position[dep] >= position[k] {
				t.Fatalf("expected dependency %v to precede %v in topological order", dep, k)
			}
		}
	}
}

func TestUncapturedKeyIsAbsent(t *testing.T) {
	g := graph.New()
	snap := Capture(g)
	if _, _, ok := snap.GetValue(keyvalue.New(kindLeaf, "ghost")); ok {
		t.Fatal("expected an empty graph to produce an empty snapshot")
	}
}
