package actionexec

import (
	"context"
	"errors"
	"testing"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
)

// fakeEnv is a minimal registry.Env for exercising a Func directly,
// without running the full evaluator/graph machinery.
type fakeEnv struct {
	values    map[keyvalue.Key]keyvalue.Value
	depErrors map[keyvalue.Key]*keyvalue.ErrorInfo
	missing   bool
}

func (e *fakeEnv) GetValue(dep keyvalue.Key) (keyvalue.Value, bool) {
	v, ok := e.values[dep]
	if !ok {
		e.missing = true
	}
	return v, ok
}

func (e *fakeEnv) GetValues(deps []keyvalue.Key) map[keyvalue.Key]keyvalue.Value {
	out := make(map[keyvalue.Key]keyvalue.Value, len(deps))
	for _, d := range deps {
		if v, ok := e.GetValue(d); ok {
			out[d] = v
		}
	}
	return out
}

func (e *fakeEnv) ValuesMissing() bool { return e.missing }

func (e *fakeEnv) DepError(dep keyvalue.Key) (*keyvalue.ErrorInfo, bool) {
	errInfo, ok := e.depErrors[dep]
	return errInfo, ok
}

func (e *fakeEnv) Listener() registry.EventSink { return nil }

type fakeExecutor struct {
	name    string
	handles func(Spec) bool
	result  *Result
	err     error
}

func (f *fakeExecutor) Name() string            { return f.name }
func (f *fakeExecutor) CanHandle(spec Spec) bool { return f.handles(spec) }
func (f *fakeExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	return f.result, f.err
}

const testExecutionKind keyvalue.Kind = "ACTION_EXECUTION"
const testActionKeyKind keyvalue.Kind = "ACTION_KEY"

func buildExecutionEnv(t *testing.T, actionKey keyvalue.Key, spec Spec) *fakeEnv {
	t.Helper()
	return &fakeEnv{values: map[keyvalue.Key]keyvalue.Value{actionKey: keyvalue.JustValue(spec)}}
}

func TestRegistryDispatchesToFirstMatchingExecutor(t *testing.T) {
	execReg := NewRegistry()
	execReg.Register(&fakeExecutor{name: "never", handles: func(Spec) bool { return false }})
	execReg.Register(&fakeExecutor{name: "always", handles: func(Spec) bool { return true }, result: &Result{ExitCode: 0, Output: "ok"}})

	reg := registry.New()
	RegisterExecutionComputeFunction(reg, testExecutionKind, execReg)

	fn, ok := reg.Lookup(testExecutionKind)
	if !ok {
		t.Fatal("expected ACTION_EXECUTION to be registered")
	}

	actionKey := keyvalue.New(testActionKeyKind, "build-foo")
	spec := Spec{Command: []string{"go", "build"}}
	key := keyvalue.New(testExecutionKind, actionKey)

	value, errInfo := fn(key, buildExecutionEnv(t, actionKey, spec))
	if errInfo != nil {
		t.Fatalf("unexpected error: %v", errInfo)
	}
	result := value.Inner().(Result)
	if result.Output != "ok" {
		t.Fatalf("expected the matching executor's result, got %+v", result)
	}
}

func TestNoMatchingExecutorProducesFunctionError(t *testing.T) {
	execReg := NewRegistry()
	execReg.Register(&fakeExecutor{name: "never", handles: func(Spec) bool { return false }})

	reg := registry.New()
	RegisterExecutionComputeFunction(reg, testExecutionKind, execReg)

	fn, _ := reg.Lookup(testExecutionKind)
	actionKey := keyvalue.New(testActionKeyKind, "orphan")
	key := keyvalue.New(testExecutionKind, actionKey)

	_, errInfo := fn(key, buildExecutionEnv(t, actionKey, Spec{}))
	if errInfo == nil || errInfo.Kind != keyvalue.ErrFunctionError {
		t.Fatalf("expected a FunctionError when no executor matches, got %v", errInfo)
	}
}

func TestExecutorFailurePropagatesAsFunctionError(t *testing.T) {
	execReg := NewRegistry()
	execReg.Register(&fakeExecutor{name: "broken", handles: func(Spec) bool { return true }, err: errors.New("boom")})

	reg := registry.New()
	RegisterExecutionComputeFunction(reg, testExecutionKind, execReg)

	fn, _ := reg.Lookup(testExecutionKind)
	actionKey := keyvalue.New(testActionKeyKind, "broken-action")
	key := keyvalue.New(testExecutionKind, actionKey)

	_, errInfo := fn(key, buildExecutionEnv(t, actionKey, Spec{}))
	if errInfo == nil || errInfo.Kind != keyvalue.ErrFunctionError {
		t.Fatalf("expected executor error to surface as FunctionError, got %v", errInfo)
	}
}

func TestPayloadTypeMismatchProducesFunctionError(t *testing.T) {
	reg := registry.New()
	RegisterExecutionComputeFunction(reg, testExecutionKind, NewRegistry())

	fn, _ := reg.Lookup(testExecutionKind)
	key := keyvalue.New(testExecutionKind, "not-an-action-key")
	_, errInfo := fn(key, &fakeEnv{})
	if errInfo == nil || errInfo.Kind != keyvalue.ErrFunctionError {
		t.Fatalf("expected a FunctionError for a malformed payload, got %v", errInfo)
	}
}

func TestActionKeyComputeFunctionResolvesRegisteredSpec(t *testing.T) {
	source := fakeSpecSource{"build-foo": {Command: []string{"go", "build"}}}
	reg := registry.New()
	RegisterActionKeyComputeFunction(reg, testActionKeyKind, source)

	fn, _ := reg.Lookup(testActionKeyKind)
	key := keyvalue.New(testActionKeyKind, "build-foo")
	value, errInfo := fn(key, &fakeEnv{})
	if errInfo != nil {
		t.Fatalf("unexpected error: %v", errInfo)
	}
	if got := value.Inner().(Spec); len(got.Command) != 2 {
		t.Fatalf("expected the declared Spec to come back unchanged, got %+v", got)
	}
}

func TestActionKeyComputeFunctionReportsMissingAction(t *testing.T) {
	reg := registry.New()
	RegisterActionKeyComputeFunction(reg, testActionKeyKind, fakeSpecSource{})

	fn, _ := reg.Lookup(testActionKeyKind)
	key := keyvalue.New(testActionKeyKind, "unknown")
	_, errInfo := fn(key, &fakeEnv{})
	if errInfo == nil || errInfo.Kind != keyvalue.ErrMissingInput {
		t.Fatalf("expected a MissingInput error for an undeclared action, got %v", errInfo)
	}
}

type fakeSpecSource map[string]Spec

func (f fakeSpecSource) Spec(actionID string) (Spec, bool) {
	s, ok := f[actionID]
	return s, ok
}
