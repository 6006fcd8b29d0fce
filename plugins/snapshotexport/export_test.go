package snapshotexport

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"buildgraph.evalgo.org/core/evaluator"
	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/snapshot"
	"buildgraph.evalgo.org/core/version"
)

// fakeSession records every Cypher statement run against it instead of
// talking to a real Neo4j instance.
type fakeSession struct {
	statements []string
	closed     bool
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *fakeSession) ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (interface{}, error) {
	return work(&fakeTx{session: s})
}

// fakeTx implements the handful of neo4j.ManagedTransaction behavior
// this package exercises: recording each query's text.
type fakeTx struct {
	session *fakeSession
}

func (tx *fakeTx) Run(ctx context.Context, cypher string, params map[string]interface{}) (neo4j.ResultWithContext, error) {
	tx.session.statements = append(tx.session.statements, cypher)
	return nil, nil
}

type fakeDriver struct {
	session *fakeSession
}

func (d *fakeDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) Session {
	return d.session
}

const kindLeaf keyvalue.Kind = "NODE_LEAF"
const kindRoot keyvalue.Kind = "NODE_ROOT"

func buildSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	reg := registry.New()
	reg.Register(kindLeaf, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.JustValue("leaf-value"), nil
	})
	reg.Register(kindRoot, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		leaf := keyvalue.New(kindLeaf, "leaf")
		_, ok := env.GetValue(leaf)
		if !ok {
			return registry.Restart()
		}
		return keyvalue.JustValue("root-value"), nil
	})

	g := graph.New()
	vc := version.NewCounter()
	ev := evaluator.New(g, reg, vc, 8, nil)
	t.Cleanup(ev.Close)

	result := ev.Evaluate(context.Background(), []keyvalue.Key{keyvalue.New(kindRoot, "root")}, evaluator.Options{})
	if result.HasErrors() {
		t.Fatalf("unexpected errors building fixture graph: %v", result.Errors)
	}
	return snapshot.Capture(g)
}

func TestExportMergesNodesAndEdges(t *testing.T) {
	snap := buildSnapshot(t)
	session := &fakeSession{}
	exporter := NewExporter(&fakeDriver{session: session})

	if err := exporter.Export(context.Background(), snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !session.closed {
		t.Fatal("expected the session to be closed after export")
	}
	if len(session.statements) != 3 {
		t.Fatalf("expected 2 node merges + 1 edge merge, got %d statements: %v", len(session.statements), session.statements)
	}
}

func TestDeleteAllRunsDetachDelete(t *testing.T) {
	session := &fakeSession{}
	exporter := NewExporter(&fakeDriver{session: session})

	if err := exporter.DeleteAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(session.statements) != 1 {
		t.Fatalf("expected exactly one DETACH DELETE statement, got %v", session.statements)
	}
}
