// Package keyvalue defines the typed identity (Key) and polymorphic
// result holders (Value, ErrorInfo) that flow through the evaluation
// graph (C2). Keys are immutable, structurally hashable, and totally
// equatable; two keys with the same kind and payload are the same
// key regardless of ordering or construction site.
package keyvalue

import "fmt"

// Kind identifies which compute function produces a Key's value and
// how its payload should be interpreted. The registry of kinds is
// closed per-process (core/registry), but the core itself treats Kind
// as an opaque comparable string so it never needs to know the set of
// kinds a given embedder defines.
type Kind string

// Key is an immutable, hashable identity: a Kind plus a kind-specific
// payload. Payload must be comparable (so Key itself is usable as a
// Go map key) and should implement fmt.Stringer for useful diagnostics
// and cycle-error messages.
type Key struct {
	kind    Kind
	payload interface{}
}

// New constructs a Key. payload must be comparable; passing an
// uncomparable payload (slice, map, func) will panic the first time
// the key is used as a map key, by design — keys are meant to be small
// value types (strings, small structs of comparable fields).
func New(kind Kind, payload interface{}) Key {
	return Key{kind: kind, payload: payload}
}

// Kind returns the key's kind, used by the evaluator to dispatch to
// the matching compute function (C6).
func (k Key) Kind() Kind { return k.kind }

// Payload returns the kind-specific payload. Callers (compute
// functions registered for this kind) type-assert it to the concrete
// payload type they expect.
func (k Key) Payload() interface{} { return k.payload }

// String renders the key for logging, cycle-error messages, and
// diagnostic events.
func (k Key) String() string {
	if s, ok := k.payload.(fmt.Stringer); ok {
		return fmt.Sprintf("%s(%s)", k.kind, s.String())
	}
	return fmt.Sprintf("%s(%v)", k.kind, k.payload)
}

// Equal reports whether two keys have the same kind and payload.
// Keys are comparable with == directly when payload is comparable;
// Equal exists for readability at call sites and symmetry with other
// value-typed identities in this codebase.
func (k Key) Equal(other Key) bool {
	return k == other
}
