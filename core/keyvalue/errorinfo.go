package keyvalue

// ErrorKind classifies why a node failed (§7 taxonomy). It names a
// kind, not a Go error type, because a single ErrorInfo may carry
// several independent root causes under keep-going evaluation.
type ErrorKind string

const (
	// ErrMissingInput means a required input key did not resolve
	// (e.g. a file or package was not found). Persistent.
	ErrMissingInput ErrorKind = "MissingInput"

	// ErrFunctionError means the compute function itself signalled
	// failure. Persistent unless the function declares the error
	// transient.
	ErrFunctionError ErrorKind = "FunctionError"

	// ErrTransitiveError means a dependency errored and this node
	// failed through no fault of its own. Persistent.
	ErrTransitiveError ErrorKind = "TransitiveError"

	// ErrCycle means the node participates in a dependency cycle.
	// Persistent for the current graph state.
	ErrCycle ErrorKind = "CycleError"

	// ErrCatastrophic means an evaluator-level invariant was
	// breached; this should be impossible and aborts the invocation.
	ErrCatastrophic ErrorKind = "CatastrophicError"
)

// ErrorInfo is a finite description of a failure: the keys at the
// root of the failure (possibly several, possibly transitive through
// other errored nodes), the kind of failure, and whether a retry
// might make it vanish.
type ErrorInfo struct {
	RootCauses []Key
	Kind       ErrorKind
	Message    string
	Transient  bool
}

// Error implements the error interface so ErrorInfo can be returned
// and wrapped with fmt.Errorf like any other Go error at the service
// boundary (internal/auditlog, the HTTP front door).
func (e ErrorInfo) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// NewTransitiveError builds an ErrorInfo that attributes this node's
// failure to a single failed dependency.
func NewTransitiveError(dep Key, cause ErrorInfo) ErrorInfo {
	return ErrorInfo{
		RootCauses: append([]Key{dep}, cause.RootCauses...),
		Kind:       ErrTransitiveError,
		Message:    "dependency " + dep.String() + " failed: " + cause.Message,
		Transient:  cause.Transient,
	}
}

// NewCycleError builds a persistent ErrorInfo naming every key on a
// detected cycle, in rotation order as discovered by the evaluator.
func NewCycleError(cycle []Key) ErrorInfo {
	return ErrorInfo{
		RootCauses: cycle,
		Kind:       ErrCycle,
		Message:    "cycle detected",
		Transient:  false,
	}
}
