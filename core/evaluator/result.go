package evaluator

import "buildgraph.evalgo.org/core/keyvalue"

// Result is the outcome of one Evaluate call over its requested
// top-level keys (§6 "evaluate()" external interface).
type Result struct {
	// Values holds the successfully computed value for every
	// top-level key that did not fail.
	Values map[keyvalue.Key]keyvalue.Value

	// Errors holds the ErrorInfo for every top-level key that failed,
	// directly or transitively.
	Errors map[keyvalue.Key]*keyvalue.ErrorInfo

	// Catastrophic is set when an ErrCatastrophic was raised anywhere
	// in the evaluation; when non-nil the invocation was aborted
	// regardless of KeepGoing, and Values/Errors may be incomplete.
	Catastrophic *keyvalue.ErrorInfo
}

// HasErrors reports whether any top-level key failed or the
// invocation was aborted catastrophically.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0 || r.Catastrophic != nil
}
