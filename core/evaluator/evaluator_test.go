package evaluator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/version"
)

const kindLeaf keyvalue.Kind = "LEAF"
const kindSum keyvalue.Kind = "SUM"
const kindChain keyvalue.Kind = "CHAIN"
const kindFail keyvalue.Kind = "FAIL"

func newTestEvaluator(t *testing.T, reg *registry.Registry) (*Evaluator, *graph.Graph, *version.Counter) {
	t.Helper()
	g := graph.New()
	vc := version.NewCounter()
	ev := New(g, reg, vc, 8, nil)
	t.Cleanup(ev.Close)
	return ev, g, vc
}

func leafKey(name string) keyvalue.Key { return keyvalue.New(kindLeaf, name) }

func registerLeaf(reg *registry.Registry, values map[string]int) {
	reg.Register(kindLeaf, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		name := key.Payload().(string)
		return keyvalue.JustValue(values[name]), nil
	})
}

func TestEvaluateSingleLeaf(t *testing.T) {
	reg := registry.New()
	registerLeaf(reg, map[string]int{"a": 7})
	ev, _, _ := newTestEvaluator(t, reg)

	result := ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})
	if result.HasErrors() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	v, ok := result.Values[leafKey("a")]
	if !ok || v.Inner() != 7 {
		t.Fatalf("expected 7, got %v (ok=%v)", v.Inner(), ok)
	}
}

func TestEvaluateWithDependency(t *testing.T) {
	reg := registry.New()
	registerLeaf(reg, map[string]int{"a": 3, "b": 4})
	reg.Register(kindSum, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		deps := strings.Split(key.Payload().(string), ",")
		depKeys := make([]keyvalue.Key, len(deps))
		for i, d := range deps {
			depKeys[i] = leafKey(d)
		}
		vals := env.GetValues(depKeys)
		if env.ValuesMissing() {
			return registry.Restart()
		}
		total := 0
		for _, dk := range depKeys {
			total += vals[dk].Inner().(int)
		}
		return keyvalue.JustValue(total), nil
	})

	ev, _, _ := newTestEvaluator(t, reg)
	sumKey := keyvalue.New(kindSum, "a,b")

	result := ev.Evaluate(context.Background(), []keyvalue.Key{sumKey}, Options{})
	if result.HasErrors() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Values[sumKey].Inner() != 7 {
		t.Fatalf("expected 7, got %v", result.Values[sumKey].Inner())
	}
}

// TestComputeFunctionRestartsOnMissingDependency drives the scenario
// a compute function requests a dependency that is not yet ready,
// requests a second dependency only after the first resolves, and
// must be invoked at least twice to get there.
func TestComputeFunctionRestartsOnMissingDependency(t *testing.T) {
	reg := registry.New()
	registerLeaf(reg, map[string]int{"b": 10, "c": 20})

	var invocations int32
	reg.Register(kindChain, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		atomic.AddInt32(&invocations, 1)
		b, ok := env.GetValue(leafKey("b"))
		if !ok {
			return registry.Restart()
		}
		c, ok := env.GetValue(leafKey("c"))
		if !ok {
			return registry.Restart()
		}
		return keyvalue.JustValue(b.Inner().(int) + c.Inner().(int)), nil
	})

	ev, g, _ := newTestEvaluator(t, reg)
	chainKey := keyvalue.New(kindChain, "A")

	result := ev.Evaluate(context.Background(), []keyvalue.Key{chainKey}, Options{})
	if result.HasErrors() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Values[chainKey].Inner() != 30 {
		t.Fatalf("expected 30, got %v", result.Values[chainKey].Inner())
	}
	if atomic.LoadInt32(&invocations) < 2 {
		t.Fatalf("expected the compute function to restart at least once, ran %d times", invocations)
	}

	entry, ok := g.Get(chainKey)
	if !ok {
		t.Fatal("expected chainKey to have a graph entry")
	}
	groups := entry.DirectDeps()
	if len(groups) != 2 {
		t.Fatalf("expected exactly one recorded group per dependency despite the restart, got %v", groups)
	}
}

func TestDeterminismAcrossRepeatedEvaluation(t *testing.T) {
	reg := registry.New()
	registerLeaf(reg, map[string]int{"a": 5})
	ev, _, _ := newTestEvaluator(t, reg)

	r1 := ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})
	r2 := ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})

	if r1.Values[leafKey("a")].Inner() != r2.Values[leafKey("a")].Inner() {
		t.Fatal("expected repeated evaluation to be deterministic")
	}
}

func TestNoRecomputeWhenSameKeyIsRequestedAgain(t *testing.T) {
	reg := registry.New()
	var computeCount int32
	reg.Register(kindLeaf, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		atomic.AddInt32(&computeCount, 1)
		return keyvalue.JustValue(1), nil
	})

	ev, _, _ := newTestEvaluator(t, reg)
	ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})
	ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})

	if computeCount != 1 {
		t.Fatalf("expected exactly 1 compute call across both evaluations, got %d", computeCount)
	}
}

func TestFunctionErrorPropagatesTransitively(t *testing.T) {
	reg := registry.New()
	reg.Register(kindFail, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.Value{}, &keyvalue.ErrorInfo{Kind: keyvalue.ErrFunctionError, Message: "boom"}
	})
	reg.Register(kindSum, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		failKey := keyvalue.New(kindFail, "x")
		_, ok := env.GetValue(failKey)
		if !ok {
			if depErr, isErr := env.DepError(failKey); isErr {
				transitive := keyvalue.NewTransitiveError(failKey, *depErr)
				return keyvalue.Value{}, &transitive
			}
			return registry.Restart()
		}
		return keyvalue.JustValue(0), nil
	})

	ev, _, _ := newTestEvaluator(t, reg)
	sumKey := keyvalue.New(kindSum, "top")

	result := ev.Evaluate(context.Background(), []keyvalue.Key{sumKey}, Options{})
	errInfo, ok := result.Errors[sumKey]
	if !ok {
		t.Fatal("expected sumKey to fail transitively")
	}
	if errInfo.Kind != keyvalue.ErrTransitiveError {
		t.Fatalf("expected TransitiveError, got %v", errInfo.Kind)
	}
}

// TestFailFastPropagatesThroughMultipleHops covers S5 for a top-level
// key two hops away from the actual failure under KeepGoing=false:
// cancelling the invocation on the first error must not stop the
// reverse-dep chain from reaching the top-level key with its own
// TransitiveError.
func TestFailFastPropagatesThroughMultipleHops(t *testing.T) {
	reg := registry.New()
	reg.Register(kindFail, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.Value{}, &keyvalue.ErrorInfo{Kind: keyvalue.ErrFunctionError, Message: "boom"}
	})
	failKey := keyvalue.New(kindFail, "x")

	reg.Register(kindSum, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		_, ok := env.GetValue(failKey)
		if !ok {
			if depErr, isErr := env.DepError(failKey); isErr {
				transitive := keyvalue.NewTransitiveError(failKey, *depErr)
				return keyvalue.Value{}, &transitive
			}
			return registry.Restart()
		}
		return keyvalue.JustValue(0), nil
	})
	midKey := keyvalue.New(kindSum, "mid")

	reg.Register(kindChain, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		_, ok := env.GetValue(midKey)
		if !ok {
			if depErr, isErr := env.DepError(midKey); isErr {
				transitive := keyvalue.NewTransitiveError(midKey, *depErr)
				return keyvalue.Value{}, &transitive
			}
			return registry.Restart()
		}
		return keyvalue.JustValue(0), nil
	})
	topKey := keyvalue.New(kindChain, "top")

	ev, _, _ := newTestEvaluator(t, reg)
	result := ev.Evaluate(context.Background(), []keyvalue.Key{topKey}, Options{KeepGoing: false})

	errInfo, ok := result.Errors[topKey]
	if !ok {
		t.Fatal("expected the top-level key to report an error under fail-fast, not hang unresolved")
	}
	if errInfo.Kind != keyvalue.ErrTransitiveError {
		t.Fatalf("expected TransitiveError, got %v", errInfo.Kind)
	}
	if len(errInfo.RootCauses) == 0 || errInfo.RootCauses[len(errInfo.RootCauses)-1] != failKey {
		t.Fatalf("expected root causes to bottom out at %v, got %v", failKey, errInfo.RootCauses)
	}
}

func TestFailFastReportsError(t *testing.T) {
	reg := registry.New()
	reg.Register(kindFail, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.Value{}, &keyvalue.ErrorInfo{Kind: keyvalue.ErrFunctionError, Message: "boom"}
	})

	ev, _, _ := newTestEvaluator(t, reg)
	failKey := keyvalue.New(kindFail, "x")

	result := ev.Evaluate(context.Background(), []keyvalue.Key{failKey}, Options{KeepGoing: false})
	if _, ok := result.Errors[failKey]; !ok {
		t.Fatal("expected failKey to report an error")
	}
}

func TestKeepGoingCollectsMultipleErrors(t *testing.T) {
	reg := registry.New()
	reg.Register(kindFail, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.Value{}, &keyvalue.ErrorInfo{Kind: keyvalue.ErrFunctionError, Message: "boom " + key.Payload().(string)}
	})

	ev, _, _ := newTestEvaluator(t, reg)
	k1 := keyvalue.New(kindFail, "1")
	k2 := keyvalue.New(kindFail, "2")

	result := ev.Evaluate(context.Background(), []keyvalue.Key{k1, k2}, Options{KeepGoing: true})
	if len(result.Errors) != 2 {
		t.Fatalf("expected both keys to report errors under keep-going, got %d", len(result.Errors))
	}
}

func TestCycleDetectionFailsBothParticipants(t *testing.T) {
	reg := registry.New()
	const kindCyclic keyvalue.Kind = "CYCLIC"
	reg.Register(kindCyclic, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		name := key.Payload().(string)
		var other string
		switch name {
		case "A":
			other = "B"
		case "B":
			other = "A"
		}
		_, ok := env.GetValue(keyvalue.New(kindCyclic, other))
		if !ok {
			if depErr, isErr := env.DepError(keyvalue.New(kindCyclic, other)); isErr {
				transitive := keyvalue.NewTransitiveError(keyvalue.New(kindCyclic, other), *depErr)
				return keyvalue.Value{}, &transitive
			}
			return registry.Restart()
		}
		return keyvalue.JustValue(0), nil
	})

	ev, g, _ := newTestEvaluator(t, reg)
	a := keyvalue.New(kindCyclic, "A")

	done := make(chan *Result, 1)
	go func() {
		done <- ev.Evaluate(context.Background(), []keyvalue.Key{a}, Options{KeepGoing: true})
	}()

	select {
	case result := <-done:
		errInfo, ok := result.Errors[a]
		if !ok {
			t.Fatal("expected key A to fail due to the cycle")
		}
		if errInfo.Kind != keyvalue.ErrCycle && errInfo.Kind != keyvalue.ErrTransitiveError {
			t.Fatalf("expected a cycle-rooted failure, got %v", errInfo.Kind)
		}
		bEntry, ok := g.Get(keyvalue.New(kindCyclic, "B"))
		if !ok {
			t.Fatal("expected key B to exist after A requested it")
		}
		if done, ch := bEntry.WaitDone(); !done {
			select {
			case <-ch:
			case <-time.After(10 * time.Second):
				t.Fatal("key B never finished after the cycle was resolved")
			}
		}
		if _, bErr, _ := bEntry.Value(); bErr == nil {
			t.Fatal("expected key B to fail due to the cycle as well")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("evaluation involving a cycle did not terminate: likely deadlocked")
	}
}

func TestConcurrentEvaluateCallsShareCompletedNodes(t *testing.T) {
	reg := registry.New()
	registerLeaf(reg, map[string]int{"a": 1})
	ev, _, _ := newTestEvaluator(t, reg)

	var wg sync.WaitGroup
	results := make([]*Result, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ev.Evaluate(context.Background(), []keyvalue.Key{leafKey("a")}, Options{})
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.HasErrors() || r.Values[leafKey("a")].Inner() != 1 {
			t.Fatalf("expected every concurrent evaluation to see value 1, got %+v", r)
		}
	}
}
