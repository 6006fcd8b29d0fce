package evaluator

import (
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/nodeentry"
	"buildgraph.evalgo.org/core/registry"
)

// env is the concrete registry.Env handed to a compute function for
// the duration of one restart attempt. It is single-use: a fresh env
// is constructed for every call into a Func, since GetValue/GetValues
// accumulate a new dep group each time.
type env struct {
	ev   *Evaluator
	inv  *invocation
	self keyvalue.Key

	group        []keyvalue.Key
	missing      bool
	waitCount    int
	depErrors    map[keyvalue.Key]*keyvalue.ErrorInfo
	events       []keyvalue.Event
	toSchedule   []scheduleTarget
}

type scheduleTarget struct {
	key   keyvalue.Key
	entry *nodeentry.NodeEntry
}

func newEnv(ev *Evaluator, inv *invocation, self keyvalue.Key) *env {
	return &env{ev: ev, inv: inv, self: self}
}

// GetValue requests a single dependency. It is GetValues of a
// one-element group, kept as a convenience because most compute
// functions request one key at a time.
func (e *env) GetValue(dep keyvalue.Key) (keyvalue.Value, bool) {
	results := e.GetValues([]keyvalue.Key{dep})
	v, ok := results[dep]
	return v, ok
}

// GetValues requests a batch of dependencies as a single group,
// recorded verbatim on the requesting node's entry so that, if this
// node is later marked dirty, the same group boundaries can be
// replayed (§4.3.3). Keys already DONE resolve immediately; keys that
// are not yet DONE mark the call as missing and are scheduled for
// evaluation if this is the first caller to observe them.
func (e *env) GetValues(deps []keyvalue.Key) map[keyvalue.Key]keyvalue.Value {
	results := make(map[keyvalue.Key]keyvalue.Value, len(deps))
	waitCount := 0
	group := make(nodeentry.DepGroup, 0, len(deps))

	for _, dep := range deps {
		group = append(group, dep)
		e.inv.markTouched(dep)
		depEntry := e.ev.graph.CreateIfAbsent(dep)

		state := depEntry.AddReverseDepAndCheckIfDone(&e.self)
		switch state {
		case nodeentry.DepDone:
			v, errInfo, _ := depEntry.Value()
			if errInfo != nil {
				e.recordDepError(dep, errInfo)
				e.missing = true
			} else {
				results[dep] = v
			}
		case nodeentry.DepNeedsScheduling:
			e.missing = true
			waitCount++
			e.toSchedule = append(e.toSchedule, scheduleTarget{dep, depEntry})
		case nodeentry.DepAdded:
			e.missing = true
			waitCount++
		}
	}

	selfEntry, _ := e.ev.graph.Get(e.self)
	if selfEntry != nil {
		// The wait count must be armed before any newly-discovered
		// dependency is scheduled: scheduling it can let it complete
		// and call SignalDep before this line, and that signal must
		// decrement a counter that already reflects this group.
		selfEntry.AddTemporaryDirectDeps(group, waitCount)
	}
	for _, t := range e.toSchedule {
		e.ev.schedule(t.key, t.entry, e.inv)
	}
	e.toSchedule = nil
	e.group = group
	e.waitCount += waitCount
	return results
}

func (e *env) recordDepError(dep keyvalue.Key, errInfo *keyvalue.ErrorInfo) {
	if e.depErrors == nil {
		e.depErrors = make(map[keyvalue.Key]*keyvalue.ErrorInfo)
	}
	e.depErrors[dep] = errInfo
}

// ValuesMissing reports whether any GetValue/GetValues call so far
// found an unavailable dependency.
func (e *env) ValuesMissing() bool { return e.missing }

// DepError returns the terminal error of a dependency requested
// earlier in this call, if it failed rather than merely being
// pending.
func (e *env) DepError(dep keyvalue.Key) (*keyvalue.ErrorInfo, bool) {
	errInfo, ok := e.depErrors[dep]
	return errInfo, ok
}

// Listener returns the event sink compute functions emit diagnostics
// through.
func (e *env) Listener() registry.EventSink { return eventSink{e} }

type eventSink struct{ e *env }

func (s eventSink) Emit(severity keyvalue.Severity, message string) {
	s.e.events = append(s.e.events, keyvalue.Event{Severity: severity, Message: message})
}

// firstDepError returns an arbitrary (but deterministic, first by
// request order) dependency error recorded this call, used by the
// evaluator's safety net when a Func returns Restart() despite every
// requested dependency already being terminally resolved.
func (e *env) firstDepError() *keyvalue.ErrorInfo {
	for _, dep := range e.group {
		if errInfo, ok := e.depErrors[dep]; ok {
			return errInfo
		}
	}
	return nil
}
