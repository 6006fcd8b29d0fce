// Package registry implements the compute-function lookup table (C6):
// a process-wide mapping from a key's Kind to the function that knows
// how to produce its value.
package registry

import (
	"fmt"
	"sync"

	"buildgraph.evalgo.org/core/keyvalue"
)

// Env is the narrow view of the evaluator a compute function is
// allowed to see. It is implemented by core/evaluator; defined here to
// avoid a dependency cycle between registry and evaluator.
type Env interface {
	// GetValue requests a single dependency. ok is false if the
	// dependency is not yet DONE; the function must then return
	// (Restart(), nil) without doing any further work, since one or
	// more of its requested deps are outstanding.
	GetValue(dep keyvalue.Key) (keyvalue.Value, bool)

	// GetValues requests a batch of dependencies together as one
	// group, for dirty-check replay fidelity (§4.3.3): if this
	// function reruns after being marked dirty, the deps it requests
	// in the same groups it used last time let the evaluator validate
	// them batch-by-batch instead of one at a time.
	GetValues(deps []keyvalue.Key) map[keyvalue.Key]keyvalue.Value

	// ValuesMissing reports whether any dependency requested so far in
	// this invocation of the compute function was not ready.
	ValuesMissing() bool

	// DepError returns the ErrorInfo of a previously requested
	// dependency that reached a terminal error state rather than
	// simply being not-yet-ready. A well-behaved Func checks this
	// whenever GetValue/GetValues reports a key as unavailable: if the
	// key errored, restarting will never help (the dependency will
	// never produce a value), and the Func should instead return a
	// TransitiveError built from it.
	DepError(dep keyvalue.Key) (*keyvalue.ErrorInfo, bool)

	// Listener returns the diagnostic event sink for this evaluation,
	// for compute functions that want to emit progress/warning events
	// attributable to their own key.
	Listener() EventSink
}

// EventSink receives diagnostic events emitted by a compute function
// while it runs. core/evaluator.Env implements it by buffering events
// and folding them into the produced Value's transitive metadata.
type EventSink interface {
	Emit(severity keyvalue.Severity, message string)
}

// Func is a compute function: given its own key and an Env to request
// dependencies through, it returns either a completed value, a
// function-level error, or a restart request.
//
// Returning Restart() is only valid after at least one GetValue or
// GetValues call reported a missing dependency. If nothing requested
// is still pending, the evaluator turns a returned Restart() into a
// TransitiveError when a requested dependency failed, and otherwise
// treats it as a programming error (ErrCatastrophic).
type Func func(key keyvalue.Key, env Env) (keyvalue.Value, *keyvalue.ErrorInfo)

// missingMarker is the comparable sentinel value Restart wraps, since
// Go has no tagged-union return convenience.
type missingMarker struct{}

var missingSentinel = missingMarker{}

// Restart returns the (value, error) pair a compute function should
// return when it has requested dependencies that are not yet ready.
func Restart() (keyvalue.Value, *keyvalue.ErrorInfo) {
	return keyvalue.JustValue(missingSentinel), nil
}

// IsRestart reports whether the given (value, error) pair, as
// produced by a Func, is a restart request rather than a real result.
func IsRestart(v keyvalue.Value, errInfo *keyvalue.ErrorInfo) bool {
	if errInfo != nil {
		return false
	}
	_, ok := v.Inner().(missingMarker)
	return ok
}

// Registry maps key Kind to the Func responsible for computing it.
// Registration is expected to happen once at process start-up (plugin
// init); lookups happen on every evaluator dispatch, so the read path
// takes only the shared side of an RWMutex.
type Registry struct {
	mu    sync.RWMutex
	funcs map[keyvalue.Kind]Func
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[keyvalue.Kind]Func)}
}

// Register associates kind with fn. It panics if kind is already
// registered, since a silently-overridden compute function would make
// evaluation nondeterministic depending on plugin init order.
func (r *Registry) Register(kind keyvalue.Kind, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[kind]; exists {
		panic(fmt.Sprintf("registry: duplicate registration for kind %q", kind))
	}
	r.funcs[kind] = fn
}

// Lookup returns the Func registered for kind, if any.
func (r *Registry) Lookup(kind keyvalue.Kind) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[kind]
	return fn, ok
}

// Kinds returns every registered Kind, for diagnostics and the
// HTTP front door's capability listing.
func (r *Registry) Kinds() []keyvalue.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]keyvalue.Kind, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	return out
}
