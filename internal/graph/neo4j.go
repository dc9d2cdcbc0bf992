package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// Neo4jFeatures delegates PageRank, Louvain and triangle counting to the
// Neo4j Graph Data Science library. Transfers are mirrored as
// (:Address)-[:TRANSFER]->(:Address); features are written back as node
// properties by a refresh that runs at most once per MinRefresh after new
// edges arrive.
type Neo4jFeatures struct {
	driver     neo4j.DriverWithContext
	database   string
	graphName  string
	MinRefresh time.Duration
	log        *zap.Logger

	mu          sync.Mutex
	dirty       bool
	lastRefresh time.Time
}

type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

func NewNeo4jFeatures(ctx context.Context, cfg Neo4jConfig, log *zap.Logger) (*Neo4jFeatures, error) {
	drv, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := drv.VerifyConnectivity(ctx); err != nil {
		_ = drv.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	f := &Neo4jFeatures{
		driver:     drv,
		database:   cfg.Database,
		graphName:  "aml-transfers",
		MinRefresh: 30 * time.Second,
		log:        logger.OrNop(log).Named("neo4j"),
	}
	if err := f.write(ctx, `CREATE CONSTRAINT address_unique IF NOT EXISTS FOR (a:Address) REQUIRE a.address IS UNIQUE`, nil); err != nil {
		f.log.Warn("constraint setup failed", zap.Error(err))
	}
	return f, nil
}

func (f *Neo4jFeatures) Close(ctx context.Context) error {
	return f.driver.Close(ctx)
}

func (f *Neo4jFeatures) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return f.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: f.database})
}

func (f *Neo4jFeatures) write(ctx context.Context, cypher string, params map[string]any) error {
	s := f.session(ctx, neo4j.AccessModeWrite)
	defer s.Close(ctx)
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

func (f *Neo4jFeatures) MirrorTransfer(ctx context.Context, t models.Transfer) error {
	err := f.write(ctx, `
		MERGE (a:Address {address: $from})
		MERGE (b:Address {address: $to})
		MERGE (a)-[r:TRANSFER {hash: $hash}]->(b)
		ON CREATE SET r.value = $value, r.time = $time`,
		map[string]any{
			"from":  t.From,
			"to":    t.To,
			"hash":  t.Hash,
			"value": t.Value.InexactFloat64(),
			"time":  t.Timestamp.Unix(),
		})
	if err != nil {
		return fmt.Errorf("mirror transfer %s: %w", t.Hash, err)
	}
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
	return nil
}

func (f *Neo4jFeatures) Structural(ctx context.Context, addr string) (Structural, error) {
	if err := f.refreshIfStale(ctx); err != nil {
		return Structural{}, err
	}

	s := f.session(ctx, neo4j.AccessModeRead)
	defer s.Close(ctx)
	out, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Address {address: $address})
			RETURN coalesce(a.pagerank, 0.0) AS pagerank,
			       coalesce(a.community, -1) AS community,
			       coalesce(a.triangles, 0) AS triangles`,
			map[string]any{"address": addr})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return Structural{Community: -1}, res.Err()
		}
		rec := res.Record()
		return Structural{
			PageRank:  asFloat(rec.Values[0]),
			Community: asInt(rec.Values[1]),
			Triangles: int(asInt(rec.Values[2])),
		}, nil
	})
	if err != nil {
		return Structural{}, fmt.Errorf("read features %s: %w", addr, err)
	}
	return out.(Structural), nil
}

func (f *Neo4jFeatures) Bounds(ctx context.Context) (Structural, Structural, error) {
	if err := f.refreshIfStale(ctx); err != nil {
		return Structural{}, Structural{}, err
	}

	s := f.session(ctx, neo4j.AccessModeRead)
	defer s.Close(ctx)
	out, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Address)
			RETURN coalesce(min(a.pagerank), 0.0), coalesce(max(a.pagerank), 0.0),
			       coalesce(min(a.triangles), 0), coalesce(max(a.triangles), 0)`, nil)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return [2]Structural{}, res.Err()
		}
		v := res.Record().Values
		return [2]Structural{
			{PageRank: asFloat(v[0]), Triangles: int(asInt(v[2]))},
			{PageRank: asFloat(v[1]), Triangles: int(asInt(v[3]))},
		}, nil
	})
	if err != nil {
		return Structural{}, Structural{}, fmt.Errorf("read feature bounds: %w", err)
	}
	b := out.([2]Structural)
	return b[0], b[1], nil
}

func (f *Neo4jFeatures) refreshIfStale(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty || time.Since(f.lastRefresh) < f.MinRefresh {
		return nil
	}
	if err := f.refresh(ctx); err != nil {
		return err
	}
	f.dirty = false
	f.lastRefresh = time.Now()
	return nil
}

// refresh reprojects the transfer graph and writes the GDS results back.
// Caller holds mu.
func (f *Neo4jFeatures) refresh(ctx context.Context) error {
	directed := f.graphName
	undirected := f.graphName + "-undirected"
	steps := []struct {
		cypher string
		params map[string]any
	}{
		{`CALL gds.graph.drop($g, false) YIELD graphName RETURN graphName`, map[string]any{"g": directed}},
		{`CALL gds.graph.drop($g, false) YIELD graphName RETURN graphName`, map[string]any{"g": undirected}},
		{`CALL gds.graph.project($g, 'Address', {TRANSFER: {orientation: 'NATURAL'}})`, map[string]any{"g": directed}},
		{`CALL gds.graph.project($g, 'Address', {TRANSFER: {orientation: 'UNDIRECTED'}})`, map[string]any{"g": undirected}},
		{`CALL gds.pageRank.write($g, {writeProperty: 'pagerank', dampingFactor: 0.85})`, map[string]any{"g": directed}},
		{`CALL gds.louvain.write($g, {writeProperty: 'community'})`, map[string]any{"g": undirected}},
		{`CALL gds.triangleCount.write($g, {writeProperty: 'triangles'})`, map[string]any{"g": undirected}},
	}
	started := time.Now()
	for _, step := range steps {
		if err := f.write(ctx, step.cypher, step.params); err != nil {
			var neoErr *neo4j.Neo4jError
			if errors.As(err, &neoErr) {
				return fmt.Errorf("gds refresh (%s): %w", neoErr.Code, err)
			}
			return fmt.Errorf("gds refresh: %w", err)
		}
	}
	f.log.Info("gds features refreshed", zap.Duration("took", time.Since(started)))
	return nil
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

var _ FeatureProvider = (*Neo4jFeatures)(nil)
