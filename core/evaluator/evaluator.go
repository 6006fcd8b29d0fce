// Package evaluator implements the scheduler (C7): it drives compute
// functions to completion over the node graph, handling restart on
// missing dependencies, the dirty-check replay/clean-short-circuit
// path, cycle detection, and keep-going vs fail-fast error
// propagation.
package evaluator

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// idleCheckDebounce is how long the quiescence watchdog waits after
// the active-task count drops to zero before trusting it: the
// happens-before relationship between a finishing task's schedule()
// calls and its own completion already rules out a false zero, so
// this only guards against surprises in future scheduler changes.
const idleCheckDebounce = 2 * time.Millisecond

// Evaluator is the top-level scheduler over a Graph. One Evaluator is
// normally shared by every Evaluate call an embedding service makes;
// its cycle-detection watchdog runs for the Evaluator's lifetime, not
// per call.
type Evaluator struct {
	graph    *graph.Graph
	registry *registry.Registry
	versions *version.Counter
	sem      *semaphore.Weighted
	log      *logrus.Entry

	active    int64
	idleSig   chan struct{}
	closeCh   chan struct{}
}

// New constructs an Evaluator bound to g and reg, stamping completed
// nodes with whatever versions currently reads. concurrency bounds how
// many compute-function steps may run at once; zero or a negative
// value falls back to 64.
func New(g *graph.Graph, reg *registry.Registry, versions *version.Counter, concurrency int64, log *logrus.Entry) *Evaluator {
	if concurrency <= 0 {
		concurrency = 64
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ev := &Evaluator{
		graph:    g,
		registry: reg,
		versions: versions,
		sem:      semaphore.NewWeighted(concurrency),
		log:      log,
		idleSig:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	go ev.watchForStuckCycles()
	return ev
}

// Close stops the background cycle-detection watchdog. Callers that
// own an Evaluator for the lifetime of a process do not need to call
// this; it exists for tests and short-lived embeddings.
func (ev *Evaluator) Close() {
	close(ev.closeCh)
}

func defaultEqual(a, b keyvalue.Value) bool {
	return reflect.DeepEqual(a.Inner(), b.Inner())
}

// Evaluate computes every key in topLevel, returning their values or
// errors. It blocks until all of them reach a terminal state.
func (ev *Evaluator) Evaluate(ctx context.Context, topLevel []keyvalue.Key, opts Options) *Result {
	equal := opts.Equal
	if equal == nil {
		equal = defaultEqual
	}
	inv := newInvocation(ctx, opts, ev.versions.Current(), equal, ev.log)
	defer inv.cancel()

	type waiter struct {
		key   keyvalue.Key
		entry *nodeentry.NodeEntry
	}

	seen := make(map[keyvalue.Key]bool, len(topLevel))
	waiters := make([]waiter, 0, len(topLevel))
	for _, k := range topLevel {
		if seen[k] {
			continue
		}
		seen[k] = true
		inv.markTouched(k)

		entry := ev.graph.CreateIfAbsent(k)
		if state := entry.AddReverseDepAndCheckIfDone(nil); state == nodeentry.DepNeedsScheduling {
			ev.schedule(k, entry, inv)
		}
		waiters = append(waiters, waiter{k, entry})
	}

	for _, w := range waiters {
		if done, ch := w.entry.WaitDone(); !done {
			select {
			case <-ch:
			case <-inv.ctx.Done():
			}
		}
	}

	result := &Result{
		Values: make(map[keyvalue.Key]keyvalue.Value),
		Errors: make(map[keyvalue.Key]*keyvalue.ErrorInfo),
	}
	for _, w := range waiters {
		v, errInfo, done := w.entry.Value()
		if !done {
			continue // invocation context was cancelled before this key finished
		}
		if errInfo != nil {
			result.Errors[w.key] = errInfo
		} else {
			result.Values[w.key] = v
		}
	}
	result.Catastrophic = inv.catastrophicError()
	return result
}

// schedule spawns a goroutine to run one step of key's evaluation,
// bounded by the Evaluator's concurrency semaphore.
func (ev *Evaluator) schedule(key keyvalue.Key, entry *nodeentry.NodeEntry, inv *invocation) {
	atomic.AddInt64(&ev.active, 1)
	go func() {
		defer ev.taskFinished()

		if err := ev.sem.Acquire(inv.ctx, 1); err != nil {
			entry.MarkInterrupted()
			return
		}
		defer ev.sem.Release(1)

		if inv.ctx.Err() != nil {
			entry.MarkInterrupted()
			return
		}
		entry.ClearInterrupted()
		ev.step(key, entry, inv)
	}()
}

// scheduleResume re-drives a node that is already mid-build once one
// of the dependencies it is waiting on signals. Unlike schedule, it
// ignores invocation cancellation: the node isn't starting new work,
// it is finishing a build already committed to — recording its own
// value or, if the signalling dep failed, its own TransitiveError —
// and that completion must propagate through to its own reverse deps
// regardless of fail-fast. Gating this on inv.ctx the same way as
// schedule would let cancellation race the very propagation that's
// supposed to give every affected top-level key its error (S5).
func (ev *Evaluator) scheduleResume(key keyvalue.Key, entry *nodeentry.NodeEntry, inv *invocation) {
	atomic.AddInt64(&ev.active, 1)
	go func() {
		defer ev.taskFinished()
		ev.sem.Acquire(context.Background(), 1)
		defer ev.sem.Release(1)
		entry.ClearInterrupted()
		ev.step(key, entry, inv)
	}()
}

func (ev *Evaluator) taskFinished() {
	if atomic.AddInt64(&ev.active, -1) == 0 {
		select {
		case ev.idleSig <- struct{}{}:
		default:
		}
	}
}

func (ev *Evaluator) step(key keyvalue.Key, entry *nodeentry.NodeEntry, inv *invocation) {
	if entry.InDirtyReplay() && !entry.ForceRecompute() {
		ev.runDirtyCheckStep(key, entry, inv)
		return
	}
	ev.runComputeStep(key, entry, inv)
}

func (ev *Evaluator) runComputeStep(key keyvalue.Key, entry *nodeentry.NodeEntry, inv *invocation) {
	// Every fresh attempt re-runs the compute function from the top, so
	// whatever groups a prior attempt (or the dirty-replay phase) left
	// behind must be discarded before it requests anything again —
	// otherwise a restarted function re-requesting the same deps would
	// append a second copy of each group onto directDeps (I5).
	entry.ResetTemporaryDirectDeps()

	fn, ok := ev.registry.Lookup(key.Kind())
	if !ok {
		errInfo := &keyvalue.ErrorInfo{
			Kind:    keyvalue.ErrFunctionError,
			Message: "no compute function registered for kind " + string(key.Kind()),
		}
		ev.finish(key, entry, keyvalue.Value{}, errInfo, inv)
		return
	}

	e := newEnv(ev, inv, key)
	value, errInfo := fn(key, e)

	if registry.IsRestart(value, errInfo) {
		if e.waitCount <= 0 {
			// The function reported missing deps but every requested
			// key is already terminally resolved: it must have ignored
			// a dependency error (§7 convention). Promote it rather
			// than spin forever re-running the function.
			if depErr := e.firstDepError(); depErr != nil {
				transitive := keyvalue.NewTransitiveError(keyOf(e, depErr), *depErr)
				ev.finish(key, entry, keyvalue.Value{}, &transitive, inv)
				return
			}
			catastrophic := &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrCatastrophic,
				Message: "compute function for " + key.String() + " returned Restart() with no missing dependency",
			}
			ev.finish(key, entry, keyvalue.Value{}, catastrophic, inv)
			return
		}
		return // suspended; SignalDep will reschedule once ready
	}

	if errInfo == nil && len(e.events) > 0 {
		events := append(append([]keyvalue.Event(nil), value.TransitiveEvents()...), e.events...)
		value = keyvalue.WrapWithMetadata(value.Inner(), events, value.TransitiveErrors())
	}
	ev.finish(key, entry, value, errInfo, inv)
}

// keyOf finds which dependency produced depErr, for attribution in
// the auto-promoted TransitiveError. Falls back to the requesting
// key's own first group member if the map lookup is ambiguous (it
// never should be, since depErrors is keyed by dependency key).
func keyOf(e *env, depErr *keyvalue.ErrorInfo) keyvalue.Key {
	for k, v := range e.depErrors {
		if v == depErr {
			return k
		}
	}
	if len(e.group) > 0 {
		return e.group[0]
	}
	return e.self
}

func (ev *Evaluator) runDirtyCheckStep(key keyvalue.Key, entry *nodeentry.NodeEntry, inv *invocation) {
	for {
		group, ok := entry.PeekReplayGroup()
		if !ok {
			if entry.ForceRecompute() {
				// runComputeStep resets the temporary dep groups itself.
				ev.runComputeStep(key, entry, inv)
				return
			}
			rdeps := entry.MarkClean()
			ev.wakeReverseDeps(key, entry.Version(), rdeps, inv)
			return
		}

		waitCount := 0
		var toSchedule []scheduleTarget
		for _, dep := range group {
			inv.markTouched(dep)
			depEntry := ev.graph.CreateIfAbsent(dep)
			state := depEntry.AddReverseDepAndCheckIfDone(&key)
			if state == nodeentry.DepNeedsScheduling {
				toSchedule = append(toSchedule, scheduleTarget{dep, depEntry})
			}
			if state != nodeentry.DepDone {
				waitCount++
				continue
			}
			if !depEntry.Version().AtMost(entry.Version()) {
				entry.MarkForceRecompute()
			}
		}

		if waitCount > 0 {
			// Armed before scheduling, as in env.GetValues.
			entry.AddTemporaryDirectDeps(group, waitCount)
			for _, t := range toSchedule {
				ev.schedule(t.key, t.entry, inv)
			}
			return // suspended; resumes via SignalDep -> scheduleResume -> step
		}

		entry.AdvanceReplayGroup()
	}
}

func (ev *Evaluator) finish(key keyvalue.Key, entry *nodeentry.NodeEntry, value keyvalue.Value, errInfo *keyvalue.ErrorInfo, inv *invocation) {
	if errInfo != nil {
		inv.recordError(errInfo)
	}
	rdeps := entry.SetValue(value, errInfo, inv.graphVersion, inv.equal)
	ev.wakeReverseDeps(key, entry.Version(), rdeps, inv)
}

func (ev *Evaluator) wakeReverseDeps(childKey keyvalue.Key, childVersion version.Version, rdeps []keyvalue.Key, inv *invocation) {
	for _, rdepKey := range rdeps {
		rdepEntry, ok := ev.graph.Get(rdepKey)
		if !ok {
			continue
		}
		if ready := rdepEntry.SignalDep(childKey, childVersion); ready {
			ev.scheduleResume(rdepKey, rdepEntry, inv)
		}
	}
}

// watchForStuckCycles runs for the Evaluator's lifetime. Every time
// the scheduler goes fully idle it checks the graph for entries left
// BUILDING with nothing left to drive them forward, which can only
// happen when they form a dependency cycle (§4.3.4). Found cycles are
// force-failed so whatever Evaluate calls are waiting on them unwind
// normally through the ordinary error-propagation path.
func (ev *Evaluator) watchForStuckCycles() {
	for {
		select {
		case <-ev.closeCh:
			return
		case <-ev.idleSig:
			time.Sleep(idleCheckDebounce)
			if atomic.LoadInt64(&ev.active) != 0 {
				continue
			}
			stuck := ev.findStuckKeysGlobal()
			if len(stuck) == 0 {
				continue
			}
			cycle := detectCyclePath(stuck, ev)
			inv := newInvocation(context.Background(), Options{KeepGoing: true}, ev.versions.Current(), defaultEqual, ev.log)
			ev.resolveCycle(inv, cycle)
		}
	}
}

// findStuckKeysGlobal scans the whole graph rather than a single
// invocation's touched set, since multiple Evaluate calls can share
// nodes and the watchdog is evaluator-wide. Entries left BUILDING by a
// cancelled invocation (Interrupted) are excluded: they are waiting
// for a future invocation to resume them (§5), not deadlocked on a
// cycle, and including them would let an unrelated interrupted build
// drag a whole disjoint stuck set into detectCyclePath's
// name-everything fallback.
func (ev *Evaluator) findStuckKeysGlobal() []keyvalue.Key {
	var stuck []keyvalue.Key
	ev.graph.Range(func(k keyvalue.Key, e *nodeentry.NodeEntry) bool {
		if e.State() == nodeentry.StateBuilding && !e.Interrupted() {
			stuck = append(stuck, k)
		}
		return true
	})
	return stuck
}
