package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ethrdev/cogmem/internal/model"
)

// InsertNuanceReview creates a PENDING review for the given contradicting edge pair.
func (db *DB) InsertNuanceReview(ctx context.Context, edgeAID, edgeBID uuid.UUID) (model.NuanceReview, error) {
	var nr model.NuanceReview
	row := db.pool.QueryRow(ctx,
		`INSERT INTO nuance_reviews (edge_a_id, edge_b_id, status)
		 VALUES ($1, $2, 'PENDING')
		 RETURNING id, edge_a_id, edge_b_id, status, created_at, resolved_at`,
		edgeAID, edgeBID,
	)
	var status string
	if err := row.Scan(&nr.ID, &nr.EdgeAID, &nr.EdgeBID, &status, &nr.CreatedAt, &nr.ResolvedAt); err != nil {
		return model.NuanceReview{}, model.Storage(fmt.Errorf("insert nuance_review: %w", err))
	}
	nr.Status = model.NuanceReviewStatus(status)
	return nr, nil
}

// GetNuanceReview looks up one review by id. Returns ErrNotFound when absent.
func (db *DB) GetNuanceReview(ctx context.Context, id uuid.UUID) (model.NuanceReview, error) {
	var nr model.NuanceReview
	var status string
	row := db.pool.QueryRow(ctx,
		`SELECT id, edge_a_id, edge_b_id, status, created_at, resolved_at FROM nuance_reviews WHERE id = $1`,
		id,
	)
	if err := row.Scan(&nr.ID, &nr.EdgeAID, &nr.EdgeBID, &status, &nr.CreatedAt, &nr.ResolvedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.NuanceReview{}, ErrNotFound
		}
		return model.NuanceReview{}, model.Storage(fmt.Errorf("get nuance_review: %w", err))
	}
	nr.Status = model.NuanceReviewStatus(status)
	return nr, nil
}

// ListPendingNuanceReviews returns every review currently in PENDING status,
// used to rehydrate the in-memory pending-edge index on startup.
func (db *DB) ListPendingNuanceReviews(ctx context.Context) ([]model.NuanceReview, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, edge_a_id, edge_b_id, status, created_at, resolved_at
		 FROM nuance_reviews WHERE status = 'PENDING'`,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list pending nuance_reviews: %w", err))
	}
	defer rows.Close()

	var out []model.NuanceReview
	for rows.Next() {
		var nr model.NuanceReview
		var status string
		if err := rows.Scan(&nr.ID, &nr.EdgeAID, &nr.EdgeBID, &status, &nr.CreatedAt, &nr.ResolvedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("scan nuance_review: %w", err))
		}
		nr.Status = model.NuanceReviewStatus(status)
		out = append(out, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate nuance_reviews: %w", err))
	}
	return out, nil
}

// ResolveNuanceReview transitions a PENDING review to RESOLVED, stamping resolved_at.
func (db *DB) ResolveNuanceReview(ctx context.Context, id uuid.UUID) (model.NuanceReview, error) {
	return db.setNuanceReviewStatus(ctx, id, model.NuanceStatusResolved)
}

// SupersedeNuanceReview transitions a PENDING review to SUPERSEDED, stamping resolved_at.
func (db *DB) SupersedeNuanceReview(ctx context.Context, id uuid.UUID) (model.NuanceReview, error) {
	return db.setNuanceReviewStatus(ctx, id, model.NuanceStatusSuperseded)
}

func (db *DB) setNuanceReviewStatus(ctx context.Context, id uuid.UUID, status model.NuanceReviewStatus) (model.NuanceReview, error) {
	var nr model.NuanceReview
	var gotStatus string
	row := db.pool.QueryRow(ctx,
		`UPDATE nuance_reviews SET status = $2, resolved_at = now()
		 WHERE id = $1 RETURNING id, edge_a_id, edge_b_id, status, created_at, resolved_at`,
		id, string(status),
	)
	if err := row.Scan(&nr.ID, &nr.EdgeAID, &nr.EdgeBID, &gotStatus, &nr.CreatedAt, &nr.ResolvedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.NuanceReview{}, ErrNotFound
		}
		return model.NuanceReview{}, model.Storage(fmt.Errorf("update nuance_review: %w", err))
	}
	nr.Status = model.NuanceReviewStatus(gotStatus)
	return nr, nil
}

// SetEdgeSupersededBy stamps properties.superseded_by on an edge with the id
// of the surviving edge, merging into the existing jsonb rather than
// replacing it.
func (db *DB) SetEdgeSupersededBy(ctx context.Context, edgeID, survivingEdgeID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE graph_edges
		 SET properties = properties || jsonb_build_object('superseded_by', $2::text),
		     modified_at = now()
		 WHERE id = $1`,
		edgeID, survivingEdgeID.String(),
	)
	if err != nil {
		return model.Storage(fmt.Errorf("set superseded_by: %w", err))
	}
	return nil
}

// GetEdgeByID looks up one edge by id. Returns ErrNotFound when absent.
func (db *DB) GetEdgeByID(ctx context.Context, id uuid.UUID) (model.GraphEdge, error) {
	var e model.GraphEdge
	var propsRaw []byte
	row := db.pool.QueryRow(ctx,
		`SELECT id, source_id, target_id, relation, weight, properties, created_at, modified_at, last_accessed
		 FROM graph_edges WHERE id = $1`,
		id,
	)
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &propsRaw, &e.CreatedAt, &e.ModifiedAt, &e.LastAccessed); err != nil {
		if err == pgx.ErrNoRows {
			return model.GraphEdge{}, ErrNotFound
		}
		return model.GraphEdge{}, model.Storage(fmt.Errorf("get edge: %w", err))
	}
	if len(propsRaw) > 0 {
		_ = json.Unmarshal(propsRaw, &e.Properties)
	}
	return e, nil
}

// ListEdgesBetween returns every edge directly connecting a and b in either direction.
func (db *DB) ListEdgesBetween(ctx context.Context, a, b uuid.UUID) ([]model.GraphEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation, weight, properties, created_at, modified_at, last_accessed
		 FROM graph_edges
		 WHERE (source_id = $1 AND target_id = $2) OR (source_id = $2 AND target_id = $1)`,
		a, b,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list edges between: %w", err))
	}
	defer rows.Close()

	var out []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var propsRaw []byte
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &propsRaw, &e.CreatedAt, &e.ModifiedAt, &e.LastAccessed); err != nil {
			return nil, model.Storage(fmt.Errorf("scan edge: %w", err))
		}
		if len(propsRaw) > 0 {
			_ = json.Unmarshal(propsRaw, &e.Properties)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate edges: %w", err))
	}
	return out, nil
}
