package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/sentio/internal/memory"
	"go.uber.org/zap"
)

const writeTimeout = 15 * time.Second

// Exporter mirrors memory clusters into Neo4j as (:Cluster)-[:CONTAINS]->(:Memory)
// so their structure can be explored with Cypher. It never reads back.
type Exporter struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewExporter connects to Neo4j.
func NewExporter(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Exporter, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	return &Exporter{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (e *Exporter) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// MemoryEvicted removes evicted memory nodes.
func (e *Exporter) MemoryEvicted(items []memory.Item, _ memory.EvictReason) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.run(ctx, `MATCH (m:Memory) WHERE m.id IN $ids DETACH DELETE m`,
		map[string]any{"ids": ids}); err != nil {
		e.logger.Warn("neo4j delete memories failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// MemoryConsolidated replaces the exported cluster graph with clusters.
func (e *Exporter) MemoryConsolidated(_ memory.ConsolidationReport, clusters []memory.Cluster) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.SyncClusters(ctx, clusters); err != nil {
		e.logger.Warn("neo4j cluster sync failed", zap.Error(err))
	}
}

// SyncClusters upserts every cluster with its membership edges and drops
// clusters that no longer exist.
func (e *Exporter) SyncClusters(ctx context.Context, clusters []memory.Cluster) error {
	rows := make([]map[string]any, len(clusters))
	ids := make([]string, len(clusters))
	for i, c := range clusters {
		ids[i] = c.ID
		rows[i] = map[string]any{
			"id":       c.ID,
			"theme":    c.Theme,
			"strength": c.Strength,
			"members":  c.MemberIDs,
			"updated":  c.LastUpdated.UnixMilli(),
		}
	}

	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH (c:Cluster) WHERE NOT c.id IN $ids DETACH DELETE c`,
			map[string]any{"ids": ids}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx,
			`UNWIND $rows AS row
			 MERGE (c:Cluster {id: row.id})
			 SET c.theme = row.theme, c.strength = row.strength, c.updated_ms = row.updated
			 WITH c, row
			 OPTIONAL MATCH (c)-[old:CONTAINS]->()
			 DELETE old
			 WITH DISTINCT c, row
			 UNWIND row.members AS mid
			 MERGE (m:Memory {id: mid})
			 MERGE (c)-[:CONTAINS]->(m)`,
			map[string]any{"rows": rows})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("sync clusters: %w", err)
	}
	e.logger.Debug("clusters exported to neo4j", zap.Int("count", len(clusters)))
	return nil
}

// ClusterMembers returns the exported member ids of a cluster.
func (e *Exporter) ClusterMembers(ctx context.Context, clusterID string) ([]string, error) {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Cluster {id: $id})-[:CONTAINS]->(m:Memory) RETURN m.id AS id ORDER BY id`,
		map[string]any{"id": clusterID})
	if err != nil {
		return nil, fmt.Errorf("query cluster members: %w", err)
	}
	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	return ids, result.Err()
}

func (e *Exporter) run(ctx context.Context, cypher string, params map[string]any) error {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.Run(ctx, cypher, params)
	return err
}
