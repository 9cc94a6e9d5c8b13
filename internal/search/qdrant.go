// Package search provides an optional secondary dense-vector index for L2
// insight embeddings, backed by Qdrant. Postgres+pgvector (internal/storage)
// remains the source of truth and the default dense-search path; this index
// is wired in only when QDRANT_URL is configured, giving the hybrid
// retrieval engine a faster ANN backend to query instead of pgvector's HNSW
// index at larger corpus sizes.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Config holds the connection settings for a Qdrant collection.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one insight embedding to upsert into Qdrant.
type Point struct {
	InsightID uuid.UUID
	Embedding []float32
}

// Result is one ranked match from a Qdrant dense search.
type Result struct {
	InsightID uuid.UUID
	Score     float32
}

// Index implements a dense-search backend over Qdrant.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
// The REST port (6333) is translated to the gRPC port (6334) since the
// go-client speaks gRPC.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant via gRPC and returns an Index bound to cfg.Collection.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist, with
// HNSW parameters tuned for cosine similarity over insight embeddings.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		idx.logger.Info("qdrant: collection already exists", "collection", idx.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     idx.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", idx.collection, err)
	}

	idx.logger.Info("qdrant: created collection", "collection", idx.collection, "dims", idx.dims)
	return nil
}

// Search returns the topN insights nearest to embedding by cosine similarity.
func (idx *Index) Search(ctx context.Context, embedding []float32, topN int) ([]Result, error) {
	limit := uint64(topN) //nolint:gosec // topN is bounded by the caller (hybrid_search's dense candidate factor)
	scored, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		insightID, err := uuid.Parse(idStr)
		if err != nil {
			idx.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{InsightID: insightID, Score: sp.Score})
	}
	return results, nil
}

// Upsert inserts or updates insight embeddings in Qdrant. Called synchronously
// after InsertInsight commits; a failure here is logged and does not roll back
// the insight write since Qdrant is a secondary, rebuildable index.
func (idx *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.InsightID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
		}
	}

	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific insight points from Qdrant.
func (idx *Index) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint on every search request.
func (idx *Index) Healthy(ctx context.Context) error {
	idx.healthMu.Lock()
	defer idx.healthMu.Unlock()

	if time.Since(idx.lastCheck) < 5*time.Second {
		return idx.lastErr
	}

	_, err := idx.client.HealthCheck(ctx)
	idx.lastCheck = time.Now()
	if err != nil {
		idx.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		idx.lastErr = nil
	}
	return idx.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (idx *Index) Close() error {
	return idx.client.Close()
}
