// Package snapshotexport mirrors a completed evaluation's
// core/snapshot.Snapshot into Neo4j, adapted from the teacher's
// db/repository/neo4j.go Neo4jRepository (whose action/REQUIRES graph
// shape already matches a key/dependency graph closely). The core
// engine never imports this package or knows Neo4j exists; an
// embedding service calls Export after every evaluation it wants
// mirrored for downstream graph queries (spec.md §1 keeps a
// user-visible query language out of scope — this gives that tooling
// a real database to query against instead).
package snapshotexport

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/snapshot"
)

// Session is the subset of neo4j.SessionWithContext this package
// uses, scoped down the way the teacher's Neo4jRepository wraps the
// full SDK session, so a test can substitute a fake instead of a real
// database connection.
type Session interface {
	Close(ctx context.Context) error
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (interface{}, error)
}

// Driver is the subset of neo4j.DriverWithContext this package uses.
type Driver interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) Session
}

// driverAdapter lets a real neo4j.DriverWithContext satisfy Driver:
// its NewSession returns the wider neo4j.SessionWithContext, which
// already implements this package's narrower Session interface.
type driverAdapter struct{ underlying neo4j.DriverWithContext }

// WrapDriver adapts a real Neo4j driver (typically constructed with
// neo4j.NewDriverWithContext and verified with VerifyConnectivity, as
// in the teacher's NewNeo4jRepository) to this package's Driver.
func WrapDriver(d neo4j.DriverWithContext) Driver { return driverAdapter{d} }

func (d driverAdapter) NewSession(ctx context.Context, config neo4j.SessionConfig) Session {
	return d.underlying.NewSession(ctx, config)
}

// Exporter mirrors Snapshots into Neo4j.
type Exporter struct {
	driver Driver
}

// NewExporter wraps driver.
func NewExporter(driver Driver) *Exporter {
	return &Exporter{driver: driver}
}

// Export mirrors every DONE node in snap into Neo4j as a (:Node {key})
// vertex, with a (:Node)-[:DEPENDS_ON]->(:Node) edge per direct
// dependency, MERGE'd the same way StoreActionGraph upserts Action
// nodes and REQUIRES edges so repeated exports of the same evaluation
// converge rather than duplicate.
func (e *Exporter) Export(ctx context.Context, snap *snapshot.Snapshot) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	keys := snap.Keys()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for _, k := range keys {
			if err := mergeNode(ctx, tx, k); err != nil {
				return nil, err
			}
		}
		for _, k := range keys {
			deps, _ := snap.GetDirectDeps(k)
			for _, dep := range deps {
				if err := mergeEdge(ctx, tx, k, dep); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("export snapshot of %d nodes: %w", len(keys), err)
	}
	return nil
}

func mergeNode(ctx context.Context, tx neo4j.ManagedTransaction, k keyvalue.Key) error {
	_, err := tx.Run(ctx, `
		MERGE (n:Node {key: $key})
		SET n.kind = $kind
	`, map[string]interface{}{
		"key":  k.String(),
		"kind": string(k.Kind()),
	})
	return err
}

func mergeEdge(ctx context.Context, tx neo4j.ManagedTransaction, k, dep keyvalue.Key) error {
	_, err := tx.Run(ctx, `
		MATCH (n:Node {key: $key})
		MERGE (d:Node {key: $depKey})
		MERGE (n)-[:DEPENDS_ON]->(d)
	`, map[string]interface{}{
		"key":    k.String(),
		"depKey": dep.String(),
	})
	return err
}

// DeleteAll removes every Node vertex and edge, for tearing down a
// stale export before re-mirroring a fresh evaluation — the exporter's
// counterpart to Neo4jRepository.DeleteActionGraph.
func (e *Exporter) DeleteAll(ctx context.Context) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return tx.Run(ctx, `MATCH (n:Node) DETACH DELETE n`, nil)
	})
	if err != nil {
		return fmt.Errorf("delete all exported nodes: %w", err)
	}
	return nil
}
