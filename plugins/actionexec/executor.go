// Package actionexec registers the ACTION_KEY/ACTION_EXECUTION
// compute functions and their pluggable Executor collaborators (local
// Docker, remote AMQP). The engine core never imports this package;
// an embedding service wires it in by calling the Register* functions
// against a core/registry.
package actionexec

import (
	"context"
	"time"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
)

// Spec is an action's declared command and environment (§3.1
// ACTION_KEY's value). The engine never interprets Command
// beyond passing it to an Executor.
type Spec struct {
	Command []string
	Env     []string
}

// SpecSource resolves an opaque action id (the ACTION_KEY payload) to
// its declared Spec. A real deployment backs this with whatever loads
// action definitions (out of scope per spec.md §1); this package only
// needs the resolved result.
type SpecSource interface {
	Spec(actionID string) (Spec, bool)
}

// RegisterActionKeyComputeFunction wires the ACTION_KEY kind against
// reg: a node's payload is the action's opaque id (a comparable
// string, fit to be a Key payload directly), and its value is the
// Spec resolved from source.
func RegisterActionKeyComputeFunction(reg *registry.Registry, kind keyvalue.Kind, source SpecSource) {
	reg.Register(kind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		actionID, ok := key.Payload().(string)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "ACTION_KEY payload is not a string action id",
			}
		}
		spec, ok := source.Spec(actionID)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrMissingInput,
				Message: "no action declared with id " + actionID,
			}
		}
		return keyvalue.JustValue(spec), nil
	})
}

// Result is an action's execution outcome, mirroring the shape of the
// teacher's executor.Result but trimmed to what ACTION_EXECUTION's
// value actually needs: exit code, output digest, the raw output and
// start/finish times, not the full execution metadata bag a
// user-facing API would want.
type Result struct {
	ExitCode     int
	OutputDigest string
	Output       string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Executor is the unified execution-strategy interface, generalized
// from the teacher's executor.Executor (which dispatches on a
// SemanticScheduledAction) to Spec: any collaborator capable of
// running a declared command and returning a Result implements it, and
// ACTION_EXECUTION's compute function never knows which one actually
// ran.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (*Result, error)
	CanHandle(spec Spec) bool
	Name() string
}

// Registry holds the configured Executors in preference order, the
// same "first CanHandle wins" dispatch as the teacher's
// executor.Registry.
type Registry struct {
	executors []Executor
}

// NewRegistry constructs an empty executor Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register appends executor to the dispatch list. Order matters: the
// first registered Executor whose CanHandle returns true wins.
func (r *Registry) Register(executor Executor) {
	r.executors = append(r.executors, executor)
}

func (r *Registry) find(spec Spec) Executor {
	for _, e := range r.executors {
		if e.CanHandle(spec) {
			return e
		}
	}
	return nil
}

// RegisterExecutionComputeFunction wires ACTION_EXECUTION against reg.
// A node's payload must be the keyvalue.Key of an ACTION_KEY node
// (comparable, since Key itself is a Kind plus a comparable payload);
// the compute function fetches that key's Spec and dispatches it to
// the first matching Executor in execReg.
func RegisterExecutionComputeFunction(reg *registry.Registry, kind keyvalue.Kind, execReg *Registry) {
	reg.Register(kind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		actionKey, ok := key.Payload().(keyvalue.Key)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "ACTION_EXECUTION key payload is not an ACTION_KEY",
			}
		}

		specValue, ready := env.GetValue(actionKey)
		if !ready {
			if depErr, isErr := env.DepError(actionKey); isErr {
				transitive := keyvalue.NewTransitiveError(actionKey, *depErr)
				return keyvalue.Value{}, &transitive
			}
			return registry.Restart()
		}
		spec := specValue.Inner().(Spec)

		executor := execReg.find(spec)
		if executor == nil {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "no executor registered for action " + actionKey.String(),
			}
		}

		result, err := executor.Execute(context.Background(), spec)
		if err != nil {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "action " + actionKey.String() + " failed: " + err.Error(),
			}
		}
		return keyvalue.JustValue(*result), nil
	})
}
