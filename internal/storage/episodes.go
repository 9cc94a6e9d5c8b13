package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ethrdev/cogmem/internal/model"
)

// InsertEpisode persists one reflection episode with its query embedding.
func (db *DB) InsertEpisode(ctx context.Context, query string, reward float64, reflection string, embedding pgvector.Vector) (model.Episode, error) {
	var ep model.Episode
	row := db.pool.QueryRow(ctx,
		`INSERT INTO episode_memory (query, reward, reflection, embedding)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, query, reward, reflection, created_at`,
		query, reward, reflection, embedding,
	)
	if err := row.Scan(&ep.ID, &ep.Query, &ep.Reward, &ep.Reflection, &ep.CreatedAt); err != nil {
		return model.Episode{}, model.Storage(fmt.Errorf("insert episode_memory: %w", err))
	}
	ep.Embedding = embedding
	return ep, nil
}

// ListEpisodes returns the most recent episodes, newest first, bounded by limit.
func (db *DB) ListEpisodes(ctx context.Context, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, query, reward, reflection, created_at
		 FROM episode_memory
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list episode_memory: %w", err))
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		var e model.Episode
		if err := rows.Scan(&e.ID, &e.Query, &e.Reward, &e.Reflection, &e.CreatedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("scan episode_memory: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate episode_memory: %w", err))
	}
	return out, nil
}

// SearchEpisodes returns episodes whose embedding cosine-similarity to
// queryEmbedding meets minSimilarity, ordered by similarity descending.
func (db *DB) SearchEpisodes(ctx context.Context, queryEmbedding pgvector.Vector, minSimilarity float64, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, query, reward, reflection, created_at
		 FROM episode_memory
		 WHERE 1 - (embedding <=> $1) >= $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		queryEmbedding, minSimilarity, limit,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("search episode_memory: %w", err))
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		var e model.Episode
		if err := rows.Scan(&e.ID, &e.Query, &e.Reward, &e.Reflection, &e.CreatedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("scan episode_memory: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate episode_memory: %w", err))
	}
	return out, nil
}
