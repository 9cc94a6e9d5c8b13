package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ethrdev/cogmem/internal/model"
)

// InsertInsight inserts one L2 insight atomically with its embedding.
// When sourceIDs is empty, metadata gets "source": "synthesized" merged in
// (without overwriting a caller-supplied "source" key), marking the insight
// as having no raw-entry provenance.
func (db *DB) InsertInsight(ctx context.Context, content string, sourceIDs []int64, embedding pgvector.Vector, metadata map[string]any) (model.Insight, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if len(sourceIDs) == 0 {
		if _, ok := metadata["source"]; !ok {
			metadata["source"] = "synthesized"
		}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return model.Insight{}, fmt.Errorf("storage: marshal metadata: %w", err)
	}
	if sourceIDs == nil {
		sourceIDs = []int64{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Insight{}, model.Storage(fmt.Errorf("begin insert insight: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ins model.Insight
	var metaRaw []byte
	row := tx.QueryRow(ctx,
		`INSERT INTO l2_insights (content, embedding, source_ids, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, content, source_ids, metadata, created_at`,
		content, embedding, sourceIDs, metaJSON,
	)
	if err := row.Scan(&ins.ID, &ins.Content, &ins.SourceIDs, &metaRaw, &ins.CreatedAt); err != nil {
		return model.Insight{}, model.Storage(fmt.Errorf("insert l2_insights: %w", err))
	}
	ins.Embedding = embedding

	if err := tx.Commit(ctx); err != nil {
		return model.Insight{}, model.Storage(fmt.Errorf("commit insert insight: %w", err))
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &ins.Metadata)
	}
	return ins, nil
}

// GetInsightByID looks up one insight. Returns (model.Insight{}, ErrNotFound)
// rather than a bare error when the id does not exist — callers translate
// that sentinel into the MCP tagged {status:"not_found"} result, never a
// thrown error, so write-then-verify flows need no error handling.
func (db *DB) GetInsightByID(ctx context.Context, id uuid.UUID) (model.Insight, error) {
	var ins model.Insight
	var metaRaw []byte
	row := db.pool.QueryRow(ctx,
		`SELECT id, content, embedding, source_ids, metadata, created_at
		 FROM l2_insights WHERE id = $1`,
		id,
	)
	if err := row.Scan(&ins.ID, &ins.Content, &ins.Embedding, &ins.SourceIDs, &metaRaw, &ins.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.Insight{}, ErrNotFound
		}
		return model.Insight{}, model.Storage(fmt.Errorf("get l2_insights: %w", err))
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &ins.Metadata)
	}
	return ins, nil
}

// DenseCandidate is one ranked result from a nearest-neighbour search.
type DenseCandidate struct {
	Insight    model.Insight
	Similarity float64 // cosine similarity in [-1,1], rescaled to [0,1] by callers that need it.
}

// DenseSearch returns the topN insights nearest to queryEmbedding by cosine distance.
func (db *DB) DenseSearch(ctx context.Context, queryEmbedding pgvector.Vector, topN int) ([]DenseCandidate, error) {
	if topN <= 0 {
		topN = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, content, embedding, source_ids, metadata, created_at,
		        1 - (embedding <=> $1) AS cosine_similarity
		 FROM l2_insights
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		queryEmbedding, topN,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("dense search: %w", err))
	}
	defer rows.Close()

	var out []DenseCandidate
	for rows.Next() {
		var c DenseCandidate
		var metaRaw []byte
		if err := rows.Scan(&c.Insight.ID, &c.Insight.Content, &c.Insight.Embedding, &c.Insight.SourceIDs, &metaRaw, &c.Insight.CreatedAt, &c.Similarity); err != nil {
			return nil, model.Storage(fmt.Errorf("scan dense search: %w", err))
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &c.Insight.Metadata)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate dense search: %w", err))
	}
	return out, nil
}

// LexicalCandidate is one ranked result from a full-text search.
type LexicalCandidate struct {
	Insight model.Insight
	Rank    float64
}

// LexicalSearch returns the topN insights ranked by full-text relevance to queryText.
func (db *DB) LexicalSearch(ctx context.Context, queryText string, topN int) ([]LexicalCandidate, error) {
	if topN <= 0 {
		topN = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, content, source_ids, metadata, created_at,
		        ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank
		 FROM l2_insights
		 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		 ORDER BY rank DESC
		 LIMIT $2`,
		queryText, topN,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("lexical search: %w", err))
	}
	defer rows.Close()

	var out []LexicalCandidate
	for rows.Next() {
		var c LexicalCandidate
		var metaRaw []byte
		if err := rows.Scan(&c.Insight.ID, &c.Insight.Content, &c.Insight.SourceIDs, &metaRaw, &c.Insight.CreatedAt, &c.Rank); err != nil {
			return nil, model.Storage(fmt.Errorf("scan lexical search: %w", err))
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &c.Insight.Metadata)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate lexical search: %w", err))
	}
	return out, nil
}
