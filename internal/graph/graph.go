// Package graph implements the knowledge graph: typed
// nodes, typed directed edges, bounded recursive traversal, shortest-path
// search, and the Ebbinghaus-decay relevance score used as the default
// ranking signal.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethrdev/cogmem/internal/model"
)

// Store is the Postgres-backed knowledge graph: typed label/relation nodes
// and edges, traversed with recursive CTEs.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store bound to pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// AddNode upserts a node on (label, name). Returns the node's id.
func (s *Store) AddNode(ctx context.Context, label, name string, properties map[string]any, vectorID *uuid.UUID) (uuid.UUID, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return uuid.Nil, fmt.Errorf("graph: marshal node properties: %w", err)
	}

	const q = `
		INSERT INTO graph_nodes (label, name, properties, vector_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (label, name) DO UPDATE SET
		    properties = EXCLUDED.properties,
		    vector_id  = COALESCE(EXCLUDED.vector_id, graph_nodes.vector_id)
		RETURNING id`

	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, q, label, name, propsJSON, vectorID).Scan(&id); err != nil {
		return uuid.Nil, model.Storage(fmt.Errorf("graph: add node: %w", err))
	}
	return id, nil
}

// GetNodeByName looks up a node by (label, name). Returns ErrNotFound if absent.
func (s *Store) GetNodeByName(ctx context.Context, label, name string) (model.GraphNode, error) {
	const q = `
		SELECT id, label, name, properties, vector_id, created_at
		FROM   graph_nodes
		WHERE  label = $1 AND name = $2`

	var n model.GraphNode
	var propsRaw []byte
	row := s.pool.QueryRow(ctx, q, label, name)
	if err := row.Scan(&n.ID, &n.Label, &n.Name, &propsRaw, &n.VectorID, &n.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.GraphNode{}, model.ErrNotFound
		}
		return model.GraphNode{}, model.Storage(fmt.Errorf("graph: get node: %w", err))
	}
	if len(propsRaw) > 0 {
		_ = json.Unmarshal(propsRaw, &n.Properties)
	}
	return n, nil
}

func (s *Store) getNodeByAnyName(ctx context.Context, name string) (model.GraphNode, error) {
	const q = `SELECT id, label, name, properties, vector_id, created_at FROM graph_nodes WHERE name = $1 ORDER BY created_at LIMIT 1`
	var n model.GraphNode
	var propsRaw []byte
	row := s.pool.QueryRow(ctx, q, name)
	if err := row.Scan(&n.ID, &n.Label, &n.Name, &propsRaw, &n.VectorID, &n.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.GraphNode{}, model.ErrNotFound
		}
		return model.GraphNode{}, model.Storage(fmt.Errorf("graph: get node by name: %w", err))
	}
	if len(propsRaw) > 0 {
		_ = json.Unmarshal(propsRaw, &n.Properties)
	}
	return n, nil
}

// AddEdgeResult reports the upserted edge together with its resolved
// endpoint node ids, so callers can follow up with a dissonance scan of the
// pair without a second lookup.
type AddEdgeResult struct {
	EdgeID   uuid.UUID
	SourceID uuid.UUID
	TargetID uuid.UUID
}

// AddEdge auto-creates missing endpoints (by name, under sourceLabel/targetLabel
// if given, else a "generic" default label) and upserts the edge on
// (source_id, target_id, relation), so repeating the same call yields the
// same edge identity.
func (s *Store) AddEdge(ctx context.Context, sourceName, targetName, relation, sourceLabel, targetLabel string, weight float64, properties map[string]any) (AddEdgeResult, error) {
	if sourceLabel == "" {
		sourceLabel = "generic"
	}
	if targetLabel == "" {
		targetLabel = "generic"
	}
	if properties == nil {
		properties = map[string]any{}
	}

	sourceID, err := s.AddNode(ctx, sourceLabel, sourceName, nil, nil)
	if err != nil {
		return AddEdgeResult{}, err
	}
	targetID, err := s.AddNode(ctx, targetLabel, targetName, nil, nil)
	if err != nil {
		return AddEdgeResult{}, err
	}

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return AddEdgeResult{}, fmt.Errorf("graph: marshal edge properties: %w", err)
	}

	const q = `
		INSERT INTO graph_edges (source_id, target_id, relation, weight, properties)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, target_id, relation) DO UPDATE SET
		    weight      = EXCLUDED.weight,
		    properties  = EXCLUDED.properties,
		    modified_at = now()
		RETURNING id`

	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, q, sourceID, targetID, relation, weight, propsJSON).Scan(&id); err != nil {
		return AddEdgeResult{}, model.Storage(fmt.Errorf("graph: add edge: %w", err))
	}
	return AddEdgeResult{EdgeID: id, SourceID: sourceID, TargetID: targetID}, nil
}

// Neighbor is one result row from Neighbors, carrying the traversal metadata
// graph_query_neighbors returns alongside the node.
type Neighbor struct {
	Node           model.GraphNode
	Edge           model.GraphEdge
	Distance       int
	RelevanceScore float64
}

// TraversalOpts configures Neighbors.
type TraversalOpts struct {
	RelationType      string
	Direction         string // "out", "in", or "both" (default)
	IncludeSuperseded bool
}

// Neighbors performs a bounded breadth-first traversal from node startName
// up to depth hops (clamped to [1,5]), returning each reachable
// node together with the edge that connects it back toward the start.
// Cycles are prevented by a visited-id array column in the recursive CTE.
func (s *Store) Neighbors(ctx context.Context, startName string, depth int, opts TraversalOpts) ([]Neighbor, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	if opts.Direction == "" {
		opts.Direction = "both"
	}

	start, err := s.getNodeByAnyName(ctx, startName)
	if err != nil {
		return nil, err
	}

	var edgeJoin string
	switch opts.Direction {
	case "out":
		edgeJoin = "JOIN graph_edges e ON e.source_id = r.id JOIN graph_nodes n ON n.id = e.target_id"
	case "in":
		edgeJoin = "JOIN graph_edges e ON e.target_id = r.id JOIN graph_nodes n ON n.id = e.source_id"
	default:
		edgeJoin = `JOIN graph_edges e ON (e.source_id = r.id OR e.target_id = r.id)
		            JOIN graph_nodes n ON n.id = CASE WHEN e.source_id = r.id THEN e.target_id ELSE e.source_id END`
	}

	var filters []string
	args := []any{start.ID, depth}
	if opts.RelationType != "" {
		args = append(args, opts.RelationType)
		filters = append(filters, fmt.Sprintf("e.relation = $%d", len(args)))
	}
	if !opts.IncludeSuperseded {
		filters = append(filters, "NOT (e.properties ? 'superseded_by')")
	}
	filterSQL := ""
	if len(filters) > 0 {
		filterSQL = " AND " + strings.Join(filters, " AND ")
	}

	// edge_id travels with each reached node so the result reports the
	// actual traversed edge, with the relation and superseded filters
	// already applied inside the recursion.
	q := fmt.Sprintf(`
		WITH RECURSIVE reachable AS (
		    SELECT id, NULL::uuid AS edge_id, ARRAY[id] AS visited, 0 AS depth
		    FROM   graph_nodes
		    WHERE  id = $1

		    UNION ALL

		    SELECT n.id, e.id, r.visited || n.id, r.depth + 1
		    FROM   reachable r
		    %s
		    WHERE  r.depth < $2
		      AND  NOT (n.id = ANY(r.visited))%s
		)
		SELECT DISTINCT ON (n.id)
		       n.id, n.label, n.name, n.properties, n.vector_id, n.created_at,
		       e.id, e.source_id, e.target_id, e.relation, e.weight, e.properties,
		       e.created_at, e.modified_at, e.last_accessed,
		       r.depth
		FROM   reachable r
		JOIN   graph_nodes n ON n.id = r.id
		JOIN   graph_edges e ON e.id = r.edge_id
		WHERE  r.id != $1
		ORDER  BY n.id, r.depth`, edgeJoin, filterSQL)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("graph: neighbors: %w", err))
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []Neighbor
	for rows.Next() {
		var nb Neighbor
		var propsRaw, edgePropsRaw []byte
		if err := rows.Scan(
			&nb.Node.ID, &nb.Node.Label, &nb.Node.Name, &propsRaw, &nb.Node.VectorID, &nb.Node.CreatedAt,
			&nb.Edge.ID, &nb.Edge.SourceID, &nb.Edge.TargetID, &nb.Edge.Relation, &nb.Edge.Weight, &edgePropsRaw,
			&nb.Edge.CreatedAt, &nb.Edge.ModifiedAt, &nb.Edge.LastAccessed,
			&nb.Distance,
		); err != nil {
			return nil, model.Storage(fmt.Errorf("graph: scan neighbor: %w", err))
		}
		if len(propsRaw) > 0 {
			_ = json.Unmarshal(propsRaw, &nb.Node.Properties)
		}
		if len(edgePropsRaw) > 0 {
			_ = json.Unmarshal(edgePropsRaw, &nb.Edge.Properties)
		}
		nb.RelevanceScore = RelevanceScore(nb.Edge, now, relevanceTau)
		out = append(out, nb)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("graph: iterate neighbors: %w", err))
	}
	return out, nil
}

// FindNodesByNames looks up nodes whose name exactly matches (case-
// insensitively) one of names. Used by the hybrid retrieval engine's graph
// leg to resolve candidate entity mentions extracted from a query string
// into graph anchors.
func (s *Store) FindNodesByNames(ctx context.Context, names []string) ([]model.GraphNode, error) {
	if len(names) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, label, name, properties, vector_id, created_at
		FROM   graph_nodes
		WHERE  lower(name) = ANY($1)`

	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	rows, err := s.pool.Query(ctx, q, lowered)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("graph: find nodes by names: %w", err))
	}
	defer rows.Close()

	var out []model.GraphNode
	for rows.Next() {
		var n model.GraphNode
		var propsRaw []byte
		if err := rows.Scan(&n.ID, &n.Label, &n.Name, &propsRaw, &n.VectorID, &n.CreatedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("graph: scan node: %w", err))
		}
		if len(propsRaw) > 0 {
			_ = json.Unmarshal(propsRaw, &n.Properties)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("graph: iterate nodes by names: %w", err))
	}
	return out, nil
}

// relevanceTau is the Ebbinghaus decay time constant for edge relevance scoring.
const relevanceTau = 30 * 24 * time.Hour

// FindPath returns the shortest directed path from startName to endName, at
// most maxDepth hops (clamped to [1,5]). Returns an empty, non-nil slice
// when no path exists.
func (s *Store) FindPath(ctx context.Context, startName, endName string, maxDepth int) ([]model.GraphNode, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 5 {
		maxDepth = 5
	}

	start, err := s.getNodeByAnyName(ctx, startName)
	if err != nil {
		return nil, err
	}
	end, err := s.getNodeByAnyName(ctx, endName)
	if err != nil {
		return nil, err
	}

	const q = `
		WITH RECURSIVE path_search AS (
		    SELECT id, ARRAY[id] AS path, 0 AS depth
		    FROM   graph_nodes
		    WHERE  id = $1

		    UNION ALL

		    SELECT n.id, ps.path || n.id, ps.depth + 1
		    FROM   path_search ps
		    JOIN   graph_edges e ON e.source_id = ps.id
		    JOIN   graph_nodes n ON n.id = e.target_id
		    WHERE  ps.depth < $3
		      AND  NOT (n.id = ANY(ps.path))
		)
		SELECT path
		FROM   path_search
		WHERE  id = $2
		ORDER  BY depth
		LIMIT  1`

	row := s.pool.QueryRow(ctx, q, start.ID, end.ID, maxDepth)
	var path []uuid.UUID
	if err := row.Scan(&path); err != nil {
		if err == pgx.ErrNoRows {
			return []model.GraphNode{}, nil
		}
		return nil, model.Storage(fmt.Errorf("graph: find path: %w", err))
	}

	return s.fetchNodesOrdered(ctx, path)
}

func (s *Store) fetchNodesOrdered(ctx context.Context, ids []uuid.UUID) ([]model.GraphNode, error) {
	if len(ids) == 0 {
		return []model.GraphNode{}, nil
	}
	const q = `SELECT id, label, name, properties, vector_id, created_at FROM graph_nodes WHERE id = ANY($1)`
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("graph: fetch nodes: %w", err))
	}
	defer rows.Close()

	byID := map[uuid.UUID]model.GraphNode{}
	for rows.Next() {
		var n model.GraphNode
		var propsRaw []byte
		if err := rows.Scan(&n.ID, &n.Label, &n.Name, &propsRaw, &n.VectorID, &n.CreatedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("graph: scan node: %w", err))
		}
		if len(propsRaw) > 0 {
			_ = json.Unmarshal(propsRaw, &n.Properties)
		}
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("graph: iterate nodes: %w", err))
	}

	out := make([]model.GraphNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

// RelevanceScore rates an edge's current memory strength: a function
// of memory strength (access_count) decayed by age-since-last-access via an
// Ebbinghaus exponential, bounded to [0,1]. tau is the decay time constant.
func RelevanceScore(edge model.GraphEdge, now time.Time, tau time.Duration) float64 {
	strength := math.Log1p(float64(edge.AccessCount())) // diminishing returns on raw access count
	age := now.Sub(edge.LastAccessed)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-float64(age) / float64(tau))
	score := strength * decay
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
