package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ethrdev/cogmem/internal/model"
)

// InsertGroundTruth persists one dual-judge scoring round.
// kappa is nil when Cohen's kappa is undefined (both judges unanimous on one class).
func (db *DB) InsertGroundTruth(ctx context.Context, query string, expectedDocs []uuid.UUID, judge1Score, judge2Score []float64, judge1Model, judge2Model string, kappa *float64) (model.GroundTruth, error) {
	var gt model.GroundTruth
	row := db.pool.QueryRow(ctx,
		`INSERT INTO ground_truth (query, expected_docs, judge1_score, judge2_score, judge1_model, judge2_model, kappa)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, query, expected_docs, judge1_score, judge2_score, judge1_model, judge2_model, kappa, created_at`,
		query, expectedDocs, judge1Score, judge2Score, judge1Model, judge2Model, kappa,
	)
	if err := row.Scan(&gt.ID, &gt.Query, &gt.ExpectedDocs, &gt.Judge1Score, &gt.Judge2Score, &gt.Judge1Model, &gt.Judge2Model, &gt.Kappa, &gt.CreatedAt); err != nil {
		return model.GroundTruth{}, model.Storage(fmt.Errorf("insert ground_truth: %w", err))
	}
	return gt, nil
}

// InsertApiCostRecord appends one per-call accounting row.
func (db *DB) InsertApiCostRecord(ctx context.Context, rec model.ApiCostRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_cost_log (provider, operation, token_count, estimated_cost, query_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.Provider, rec.Operation, rec.TokenCount, rec.EstimatedCost, rec.QueryID,
	)
	if err != nil {
		return model.Storage(fmt.Errorf("insert api_cost_log: %w", err))
	}
	return nil
}
