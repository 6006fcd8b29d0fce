// Package nodeentry implements the per-key state machine (C3) and its
// transient build scratchpad (C5): the long-lived record the graph
// keeps for every key it has ever been asked to compute, plus the
// book-keeping a node needs only while it is actively being built.
package nodeentry

import (
	"sync"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/version"
)

// State is one of the five states a node entry can occupy.
type State int

const (
	// StateNew means the entry was just created by createIfAbsent and
	// has never been scheduled for evaluation.
	StateNew State = iota
	// StateBuilding means a compute function is in flight (or
	// suspended waiting on dependency signals) for this key.
	StateBuilding
	// StateDone means value (or errorInfo) is authoritative for the
	// entry's current version.
	StateDone
	// StateDirty means an ancestor changed in a way that *may* affect
	// this node; it must be re-checked before reuse.
	StateDirty
	// StateChanged means the ancestor that changed *is* this node (or
	// a forced-rebuild root); re-checking is skipped, recomputation is
	// mandatory.
	StateChanged
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateBuilding:
		return "BUILDING"
	case StateDone:
		return "DONE"
	case StateDirty:
		return "DIRTY"
	case StateChanged:
		return "CHANGED"
	default:
		return "UNKNOWN"
	}
}

// DepState is the result of AddReverseDepAndCheckIfDone: what the
// caller should do next.
type DepState int

const (
	// DepDone means the dependency is already DONE; its value can be
	// read immediately, no suspension needed.
	DepDone DepState = iota
	// DepNeedsScheduling means the caller is the first to observe this
	// entry transition into BUILDING (from NEW, DIRTY, or CHANGED) and
	// must schedule it for evaluation.
	DepNeedsScheduling
	// DepAdded means the entry is already BUILDING (someone else is
	// computing it, or it is itself waiting on further deps); the
	// caller should suspend and wait for a signal.
	DepAdded
)

// DepGroup is an unordered set of keys requested together in one
// batch. Groups are the unit of dirty-check replay (§4.3.3): during
// replay, a group's members are checked together, in the order the
// groups themselves were recorded.
type DepGroup []keyvalue.Key

// buildingState is the transient scratchpad for a node that is not
// DONE (C5). It is allocated when a node transitions into BUILDING
// and discarded once the node reaches DONE again.
type buildingState struct {
	// tempGroups accumulates the dep groups requested by the current
	// restart attempt of the compute function (or, during the dirty
	// recheck phase, the groups replayed from the last build).
	tempGroups []DepGroup

	// pendingSignalCount is the number of outstanding not-yet-signalled
	// dependencies from the most recently requested group. The node is
	// ready to resume exactly when this reaches zero.
	pendingSignalCount int

	// forceRecompute becomes true once any dep observed during dirty
	// replay turns out to have a version that is not AtMost the
	// entry's last-built version, meaning recomputation (not just
	// reuse) is required. It also starts true for entries woken from
	// StateChanged, which skip the replay optimisation outright.
	forceRecompute bool

	// inDirtyReplay is true while the evaluator is still validating the
	// recorded dep groups from the prior build, before (if ever)
	// handing off to the real compute function.
	inDirtyReplay bool

	// replayGroups is the immutable snapshot of the last build's
	// directDeps, consumed (but not mutated) during replay.
	replayGroups []DepGroup

	// replayIndex is how many groups have already been validated clean
	// in the current dirty-check pass; kept across restarts of the
	// replay loop so repeated re-entries don't need to be tracked by
	// the caller.
	replayIndex int

	// interrupted is true when the evaluator last gave up scheduling
	// this entry because the driving invocation's context was already
	// cancelled, not because of a dependency cycle. A subsequent
	// invocation resumes from here (§5); the stuck-node watchdog must
	// not mistake it for a cycle participant in the meantime.
	interrupted bool
}

// NodeEntry is the long-lived per-key record held by the graph. All
// mutation goes through its own mutex (the "intrinsic lock" of §5); no
// global lock is ever held while a compute function runs.
type NodeEntry struct {
	mu sync.Mutex

	key keyvalue.Key

	state State

	value     keyvalue.Value
	hasValue  bool
	errorInfo *keyvalue.ErrorInfo
	version   version.Version

	// directDeps is populated only while state == StateDone (and
	// retained, stale, while StateDirty/StateChanged awaiting recheck);
	// invariant I2 holds exactly when state == StateDone.
	directDeps []DepGroup

	reverseDeps     map[keyvalue.Key]struct{}
	pendingRemovals []keyvalue.Key

	// noReverseDeps opts this entry out of reverse-dep edge storage
	// (I3's documented exception), for keys whose fan-in would be huge
	// and whose own value never needs to be invalidated individually
	// (e.g. a synthetic constant key). Nothing in this codebase sets it
	// yet; it exists so plugins can opt a hot key out without touching
	// the core.
	noReverseDeps bool

	building *buildingState

	// doneWaiters lets a top-level evaluation request block on a key
	// reaching StateDone without needing its own reverse-dep edge
	// (top-level requests pass rdep=nil to AddReverseDepAndCheckIfDone
	// and have no node of their own to be signalled through).
	doneWaiters []chan struct{}
}

// New creates a fresh NodeEntry in StateNew, stamped with the minimal
// version, per the lifecycle described in §3.
func New(key keyvalue.Key) *NodeEntry {
	return &NodeEntry{
		key:         key,
		state:       StateNew,
		version:     version.Minimal,
		reverseDeps: make(map[keyvalue.Key]struct{}),
	}
}

// Key returns the key this entry was created for.
func (e *NodeEntry) Key() keyvalue.Key { return e.key }

// State returns the entry's current state.
func (e *NodeEntry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsDone reports whether the entry currently holds an authoritative
// value for the graph's current version.
func (e *NodeEntry) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateDone
}

// Value returns the entry's last computed value, its error (if any),
// and whether the entry is currently DONE. Per invariant I1, hasValue
// and errorInfo==nil cannot both be false on a DONE entry unless the
// entry is an "error node" (hasValue=false, errorInfo!=nil).
func (e *NodeEntry) Value() (v keyvalue.Value, errInfo *keyvalue.ErrorInfo, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateDone {
		return keyvalue.Value{}, nil, false
	}
	return e.value, e.errorInfo, true
}

// Version returns the version at which the entry's value last
// changed. Meaningful once the entry has completed its first build.
func (e *NodeEntry) Version() version.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// DirectDeps returns the grouped deps recorded by the entry's last
// successful computation. Per invariant I2, callers may assume every
// key here is itself DONE whenever this entry is DONE.
func (e *NodeEntry) DirectDeps() []DepGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DepGroup, len(e.directDeps))
	copy(out, e.directDeps)
	return out
}

// AddReverseDepAndCheckIfDone registers rdep (nil for a top-level
// evaluation request) as depending on this entry and reports what the
// caller should do: treat the value as available (DepDone), schedule
// this entry for evaluation because the caller is the first to wake
// it (DepNeedsScheduling), or suspend and wait for a signal because
// someone else is already driving it (DepAdded).
func (e *NodeEntry) AddReverseDepAndCheckIfDone(rdep *keyvalue.Key) DepState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rdep != nil && !e.noReverseDeps {
		e.consolidateRemovalsLocked()
		e.reverseDeps[*rdep] = struct{}{}
	}

	switch e.state {
	case StateDone:
		return DepDone
	case StateNew:
		e.state = StateBuilding
		e.building = &buildingState{}
		return DepNeedsScheduling
	case StateDirty, StateChanged:
		wasChanged := e.state == StateChanged
		e.state = StateBuilding
		e.building = &buildingState{
			forceRecompute: wasChanged,
			inDirtyReplay:  !wasChanged,
			replayGroups:   e.directDeps,
		}
		return DepNeedsScheduling
	default: // StateBuilding
		return DepAdded
	}
}

// SignalDep records that the dependency childKey finished with
// childVersion, decrementing this entry's outstanding-signal counter.
// It reports whether the entry is now ready to resume (all deps from
// its most recent request batch have signalled). During dirty-check
// replay, a child version that is not AtMost the entry's last-built
// version forces full recomputation (§4.3.3).
func (e *NodeEntry) SignalDep(childKey keyvalue.Key, childVersion version.Version) (ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.building == nil {
		// A signal arrived after the entry already finished (e.g. a
		// duplicate wakeup); nothing to do.
		return false
	}

	if e.building.inDirtyReplay && !childVersion.AtMost(e.version) {
		e.building.forceRecompute = true
	}

	e.building.pendingSignalCount--
	return e.building.pendingSignalCount <= 0
}

// AddTemporaryDirectDeps records a batch of keys requested together as
// the next group in the current build attempt, and arms the
// outstanding-signal counter for however many of them are not already
// done. waitCount must be the number of keys in group that are not yet
// DONE (the caller, typically the evaluator's Env, already knows this
// from its own AddReverseDepAndCheckIfDone calls).
func (e *NodeEntry) AddTemporaryDirectDeps(group DepGroup, waitCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return
	}
	e.building.tempGroups = append(e.building.tempGroups, group)
	e.building.pendingSignalCount = waitCount
}

// GetTemporaryDirectDeps returns the dep groups accumulated so far in
// the current build attempt.
func (e *NodeEntry) GetTemporaryDirectDeps() []DepGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return nil
	}
	out := make([]DepGroup, len(e.building.tempGroups))
	copy(out, e.building.tempGroups)
	return out
}

// ResetTemporaryDirectDeps discards the groups accumulated so far and
// ends the dirty-check replay phase. The evaluator calls it at the
// start of every compute attempt, restarts included: the function
// re-requests its deps from scratch, and the replay's own dep requests
// do not count as this entry's real direct deps.
func (e *NodeEntry) ResetTemporaryDirectDeps() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return
	}
	e.building.tempGroups = nil
	e.building.inDirtyReplay = false
}

// InDirtyReplay reports whether the entry is still validating its
// previous build's dep groups rather than running the real compute
// function.
func (e *NodeEntry) InDirtyReplay() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building != nil && e.building.inDirtyReplay
}

// ForceRecompute reports whether replay has determined (or started
// knowing, for a woken CHANGED entry) that a full recompute is
// mandatory.
func (e *NodeEntry) ForceRecompute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building != nil && e.building.forceRecompute
}

// MarkInterrupted records that the evaluator stopped driving this
// entry forward because the invocation scheduling it had already been
// cancelled, so the stuck-node watchdog can tell an orphaned build
// apart from a genuine cycle.
func (e *NodeEntry) MarkInterrupted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		e.building.interrupted = true
	}
}

// ClearInterrupted marks the entry as actively being driven again,
// called right before a scheduled attempt actually runs a step.
func (e *NodeEntry) ClearInterrupted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		e.building.interrupted = false
	}
}

// Interrupted reports whether the entry's current build attempt was
// last suspended by a cancelled invocation rather than a pending
// dependency signal.
func (e *NodeEntry) Interrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building != nil && e.building.interrupted
}

// PeekReplayGroup returns the current not-yet-validated group from the
// last build's recorded deps, without advancing the cursor. ok is
// false once every group has been consumed. Calling it repeatedly
// (across successive restarts of the replay step) is safe and
// returns the same group until AdvanceReplayGroup is called.
func (e *NodeEntry) PeekReplayGroup() (group DepGroup, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil || e.building.replayIndex >= len(e.building.replayGroups) {
		return nil, false
	}
	return e.building.replayGroups[e.building.replayIndex], true
}

// AdvanceReplayGroup moves the replay cursor past the group most
// recently returned by PeekReplayGroup, once every member of that
// group has been confirmed DONE.
func (e *NodeEntry) AdvanceReplayGroup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return
	}
	e.building.replayIndex++
}

// MarkForceRecompute flags the in-flight build as requiring a full
// recomputation rather than a clean short-circuit, because dirty
// replay observed a dependency whose version advanced past this
// entry's last-built version.
func (e *NodeEntry) MarkForceRecompute() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		e.building.forceRecompute = true
	}
}

// SetValue publishes v (or errInfo, for an error node) as this
// entry's authoritative result at graphVersion, completing the
// current build attempt. It returns the keys that must be notified
// (this entry's reverse deps) and moves the temporary dep groups into
// directDeps. If the entry was being rebuilt from DIRTY/CHANGED and
// the new value equals the old one, the previously stamped version is
// retained instead of graphVersion (§4.3.3, §9 Open Question — the
// source keeps the old version and so do we).
func (e *NodeEntry) SetValue(v keyvalue.Value, errInfo *keyvalue.ErrorInfo, graphVersion version.Version, equal func(a, b keyvalue.Value) bool) []keyvalue.Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasDone := e.hasValue || e.errorInfo != nil
	sameValue := wasDone && errInfo == nil && e.errorInfo == nil && equal != nil && equal(e.value, v)

	e.value = v
	e.hasValue = errInfo == nil
	e.errorInfo = errInfo
	if e.building != nil {
		e.directDeps = e.building.tempGroups
	}
	e.state = StateDone
	e.building = nil

	if !sameValue {
		e.version = graphVersion
	}

	e.wakeDoneWaitersLocked()
	return e.reverseDepKeysLocked()
}

// MarkClean promotes a DIRTY/CHANGED entry straight back to DONE
// without re-running its compute function, because dirty-check replay
// found every recorded dependency unchanged (§4.3.3 clean
// short-circuit). Value, error, version, and directDeps are left
// exactly as they were.
func (e *NodeEntry) MarkClean() []keyvalue.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateDone
	e.building = nil
	e.wakeDoneWaitersLocked()
	return e.reverseDepKeysLocked()
}

// WaitDone reports whether the entry is already StateDone. If not, it
// returns a channel that is closed the next time the entry reaches
// StateDone (via SetValue or MarkClean).
func (e *NodeEntry) WaitDone() (done bool, ch <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDone {
		return true, nil
	}
	c := make(chan struct{})
	e.doneWaiters = append(e.doneWaiters, c)
	return false, c
}

func (e *NodeEntry) wakeDoneWaitersLocked() {
	for _, c := range e.doneWaiters {
		close(c)
	}
	e.doneWaiters = nil
}

// Overwrite publishes v as this entry's value directly, bypassing the
// compute-function/building machinery entirely. It is used by the
// invalidator (C8) to install externally-injected values (e.g.
// filesystem state) that have no compute function of their own. It
// reports whether v differs from whatever was previously stored, per
// equal, so the caller knows whether to bother walking reverse deps at
// all (§4.5 step 1: "if value equals newValue, do nothing").
func (e *NodeEntry) Overwrite(v keyvalue.Value, newVersion version.Version, equal func(a, b keyvalue.Value) bool) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasDone := e.hasValue || e.errorInfo != nil
	sameValue := wasDone && e.errorInfo == nil && equal != nil && equal(e.value, v)
	if sameValue {
		return false
	}

	e.value = v
	e.hasValue = true
	e.errorInfo = nil
	e.version = newVersion
	e.state = StateDone
	e.building = nil
	e.wakeDoneWaitersLocked()
	return true
}

// MarkDirty transitions a DONE entry to DIRTY (changed=false) or
// CHANGED (changed=true), and upgrades a DIRTY entry to CHANGED when
// changed is true. It returns the entry's previous deps and whether
// it marked the entry; an entry that is already CHANGED, already
// DIRTY with changed=false, or NEW/BUILDING is left as it is and
// reports false, matching the "stop BFS at an already-dirty node"
// rule in §4.5.
func (e *NodeEntry) MarkDirty(changed bool) (prevDeps []DepGroup, wasDirtied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateDone:
		e.state = pickDirtyState(changed)
		return e.directDeps, true
	case StateDirty:
		if changed {
			e.state = StateChanged
			return e.directDeps, true
		}
		return nil, false
	case StateChanged:
		return nil, false
	default: // StateNew, StateBuilding
		return nil, false
	}
}

func pickDirtyState(changed bool) State {
	if changed {
		return StateChanged
	}
	return StateDirty
}

// AddReverseDep adds rdep to this entry's reverse-dep set directly,
// used by the invalidator when injecting brand-new edges outside of a
// normal evaluation (rare; evaluation-time edges go through
// AddReverseDepAndCheckIfDone).
func (e *NodeEntry) AddReverseDep(rdep keyvalue.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.noReverseDeps {
		return
	}
	e.consolidateRemovalsLocked()
	e.reverseDeps[rdep] = struct{}{}
}

// RemoveReverseDep queues rdep for removal from this entry's
// reverse-dep set. The removal is not applied immediately; it
// accumulates in a side list that is drained the next time the
// reverse-dep set is read (GetReverseDeps, or the next
// AddReverseDep/consolidation), so a long invalidation BFS that
// touches many edges of a high fan-in node does not pay per-edge
// removal cost while the BFS itself holds no lock on this entry.
func (e *NodeEntry) RemoveReverseDep(rdep keyvalue.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingRemovals = append(e.pendingRemovals, rdep)
}

// GetReverseDeps returns a stable snapshot of this entry's reverse
// deps, first draining any pending removals so the result is
// consistent (§3 "Reverse deps representation").
func (e *NodeEntry) GetReverseDeps() []keyvalue.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consolidateRemovalsLocked()
	return e.reverseDepKeysLocked()
}

func (e *NodeEntry) reverseDepKeysLocked() []keyvalue.Key {
	out := make([]keyvalue.Key, 0, len(e.reverseDeps))
	for k := range e.reverseDeps {
		out = append(out, k)
	}
	return out
}

func (e *NodeEntry) consolidateRemovalsLocked() {
	if len(e.pendingRemovals) == 0 {
		return
	}
	for _, k := range e.pendingRemovals {
		delete(e.reverseDeps, k)
	}
	e.pendingRemovals = e.pendingRemovals[:0]
}
