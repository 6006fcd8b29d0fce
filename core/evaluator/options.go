package evaluator

import "buildgraph.evalgo.org/core/keyvalue"

// Options configures a single Evaluate call.
type Options struct {
	// KeepGoing, when true, lets sibling subgraphs continue evaluating
	// after one branch fails instead of aborting the whole invocation
	// at the first error (§7 "keep-going vs fail-fast").
	KeepGoing bool

	// Concurrency is not read by Evaluate: every call shares the bound
	// on concurrent compute-function steps that was passed to New.
	Concurrency int64

	// Equal compares two successfully-computed values for the clean
	// short-circuit decision (§4.3.3, §9 Open Question): if a
	// recomputed value equals the previous one, the entry keeps its
	// old version instead of bumping to the current graph version. A
	// nil Equal falls back to the Evaluator's default comparator.
	Equal func(a, b keyvalue.Value) bool
}
