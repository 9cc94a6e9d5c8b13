// Package retrieval implements the hybrid retrieval engine:
// concurrent dense, lexical, and conditional graph search, fused by
// Reciprocal Rank Fusion. The graph leg ranks its candidates by edge
// relevance before fusion.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/ethrdev/cogmem/internal/embedding"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/model"
	"github.com/ethrdev/cogmem/internal/search"
	"github.com/ethrdev/cogmem/internal/storage"
)

// Weights are the fusion coefficients for hybrid_search's participating
// ranked lists. Graph is zero (and the graph list skipped) unless graph
// injection is configured or the query classifies as relational.
type Weights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
	Graph    float64 `json:"graph,omitempty"`
}

// Config carries the subset of application configuration hybrid_search needs.
type Config struct {
	RRFConstant          int
	DenseCandidateFactor int
	DefaultWeights       Weights
	RelationalWeights    Weights
	RelationalKeywordsEN []string
	RelationalKeywordsDE []string
}

// Item is one fused result row.
type Item struct {
	ID        uuid.UUID      `json:"id"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	SourceIDs []int64        `json:"source_ids"`
	Metadata  map[string]any `json:"-"`
}

// Result is the full output of Search: hybrid_search.
type Result struct {
	Items               []Item
	Weights             Weights
	SemanticResultCount int
	KeywordResultCount  int
	GraphResultCount    int
	QueryType           string // "standard" or "relational"
}

// Engine runs hybrid_search against Postgres (and, optionally, Qdrant) for
// dense search, Postgres full-text for lexical search, and the knowledge
// graph for the conditional relational leg.
type Engine struct {
	db         *storage.DB
	embedder   embedding.Provider
	graphStore *graph.Store
	qdrant     *search.Index // nil when not configured
	cfg        Config
	logger     *slog.Logger
}

// New returns an Engine. qdrant may be nil (dense search falls back to
// pgvector only). graphStore may be nil (the graph leg is always skipped).
func New(db *storage.DB, embedder embedding.Provider, graphStore *graph.Store, qdrant *search.Index, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = 60
	}
	if cfg.DenseCandidateFactor <= 0 {
		cfg.DenseCandidateFactor = 2
	}
	return &Engine{db: db, embedder: embedder, graphStore: graphStore, qdrant: qdrant, cfg: cfg, logger: logger}
}

// classifyQuery reports "relational" when queryText contains one of the
// configured per-locale relational keyword phrases, else "standard".
func (e *Engine) classifyQuery(queryText string) string {
	lower := strings.ToLower(queryText)
	for _, kw := range e.cfg.RelationalKeywordsEN {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return "relational"
		}
	}
	for _, kw := range e.cfg.RelationalKeywordsDE {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return "relational"
		}
	}
	return "standard"
}

// candidateEntities extracts naive candidate entity mentions from queryText:
// individual words of length >= 3, used to probe the graph for anchors.
// This is a coarse substitute for full NER, adequate for matching against
// the exact (label, name) vocabulary the graph is populated with.
func candidateEntities(queryText string) []string {
	fields := strings.FieldsFunc(queryText, func(r rune) bool {
		return !(r == '-' || r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9'))
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// Search runs hybrid_search. weights, if non-nil, overrides the configured
// defaults. queryEmbedding, if non-nil, is used instead of calling the
// embedding provider (the MCP tool's query_embedding passthrough).
func (e *Engine) Search(ctx context.Context, queryText string, topK int, weights *Weights, queryEmbedding []float32) (Result, error) {
	if queryText == "" {
		return Result{}, model.Validation("query_text", "must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}

	queryType := e.classifyQuery(queryText)

	w := e.cfg.DefaultWeights
	if queryType == "relational" {
		w = e.cfg.RelationalWeights
	}
	if weights != nil {
		w = *weights
	}
	useGraph := w.Graph > 0 && e.graphStore != nil

	var vec pgvector.Vector
	if len(queryEmbedding) > 0 {
		vec = pgvector.NewVector(queryEmbedding)
	} else {
		v, err := e.embedder.Embed(ctx, queryText)
		if err != nil {
			return Result{}, model.Embedding(err)
		}
		vec = v
	}
	queryVec := vec.Slice()

	candidateN := e.cfg.DenseCandidateFactor * topK

	var denseCandidates []storage.DenseCandidate
	var qdrantCandidates []search.Result
	var lexicalCandidates []storage.LexicalCandidate
	var graphCandidates []graphCandidate

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Qdrant, when configured, is the dense-search backend of record:
		// it's the faster ANN index at larger corpus sizes. A query failure
		// here falls back to pgvector rather than failing the whole search.
		if e.qdrant != nil {
			qc, err := e.qdrant.Search(gCtx, queryVec, candidateN)
			if err == nil {
				qdrantCandidates = qc
				return nil
			}
			e.logger.Warn("retrieval: qdrant dense search failed, falling back to pgvector", "error", err)
		}
		dc, err := e.db.DenseSearch(gCtx, vec, candidateN)
		if err != nil {
			return err
		}
		denseCandidates = dc
		return nil
	})
	g.Go(func() error {
		lc, err := e.db.LexicalSearch(gCtx, queryText, candidateN)
		if err != nil {
			return err
		}
		lexicalCandidates = lc
		return nil
	})
	if useGraph {
		g.Go(func() error {
			gc, err := e.graphSearch(gCtx, queryText, candidateN)
			if err != nil {
				e.logger.Warn("retrieval: graph search failed, continuing without it", "error", err)
				return nil
			}
			graphCandidates = gc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var denseIDs []uuid.UUID
	var denseScore map[uuid.UUID]float64
	if len(qdrantCandidates) > 0 {
		denseIDs, denseScore = qdrantRanked(qdrantCandidates)
	} else {
		denseIDs, denseScore = denseRanked(denseCandidates)
	}
	lexicalIDs := lexicalRanked(lexicalCandidates)
	var graphIDs []uuid.UUID
	if useGraph {
		graphIDs = graphRanked(graphCandidates)
	}

	lists := []rankedList{{ids: denseIDs, weight: w.Semantic}, {ids: lexicalIDs, weight: w.Keyword}}
	if useGraph {
		lists = append(lists, rankedList{ids: graphIDs, weight: w.Graph})
	}
	fused := rrfFuse(lists, e.cfg.RRFConstant)

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if denseScore[fused[i].id] != denseScore[fused[j].id] {
			return denseScore[fused[i].id] > denseScore[fused[j].id]
		}
		return lessUUID(fused[i].id, fused[j].id)
	})

	if len(fused) > topK {
		fused = fused[:topK]
	}

	contentByID := map[uuid.UUID]storage.LexicalCandidate{}
	for _, c := range lexicalCandidates {
		contentByID[c.Insight.ID] = c
	}
	denseByID := map[uuid.UUID]storage.DenseCandidate{}
	for _, c := range denseCandidates {
		denseByID[c.Insight.ID] = c
	}

	items := make([]Item, 0, len(fused))
	for _, f := range fused {
		item := Item{ID: f.id, Score: f.score}
		if dc, ok := denseByID[f.id]; ok {
			item.Content = dc.Insight.Content
			item.SourceIDs = dc.Insight.SourceIDs
			item.Metadata = dc.Insight.Metadata
		} else if lc, ok := contentByID[f.id]; ok {
			item.Content = lc.Insight.Content
			item.SourceIDs = lc.Insight.SourceIDs
			item.Metadata = lc.Insight.Metadata
		} else {
			ins, err := e.db.GetInsightByID(ctx, f.id)
			if err == nil {
				item.Content = ins.Content
				item.SourceIDs = ins.SourceIDs
				item.Metadata = ins.Metadata
			}
		}
		items = append(items, item)
	}

	return Result{
		Items:               items,
		Weights:             w,
		SemanticResultCount: len(denseIDs),
		KeywordResultCount:  len(lexicalCandidates),
		GraphResultCount:    len(graphCandidates),
		QueryType:           queryType,
	}, nil
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func denseRanked(cands []storage.DenseCandidate) ([]uuid.UUID, map[uuid.UUID]float64) {
	ids := make([]uuid.UUID, len(cands))
	scores := make(map[uuid.UUID]float64, len(cands))
	for i, c := range cands {
		ids[i] = c.Insight.ID
		scores[c.Insight.ID] = c.Similarity
	}
	return ids, scores
}

// qdrantRanked converts Qdrant's cosine-similarity scores (already in
// [-1,1], same convention as pgvector's) into the same ranked-ID-plus-score
// shape denseRanked produces from a pgvector result set.
func qdrantRanked(results []search.Result) ([]uuid.UUID, map[uuid.UUID]float64) {
	ids := make([]uuid.UUID, len(results))
	scores := make(map[uuid.UUID]float64, len(results))
	for i, r := range results {
		ids[i] = r.InsightID
		scores[r.InsightID] = float64(r.Score)
	}
	return ids, scores
}

func lexicalRanked(cands []storage.LexicalCandidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.Insight.ID
	}
	return ids
}

// graphCandidate is one insight reached through a graph-anchored entity
// mention, ranked by its anchoring edge's traversal relevance.
type graphCandidate struct {
	insightID uuid.UUID
	relevance float64
}

// graphSearch extracts candidate entity mentions from queryText, resolves
// them to graph nodes, walks one hop of neighbours from each, and returns
// the insights anchored (via GraphNode.vector_id) to the reached nodes,
// ranked by edge relevance.
func (e *Engine) graphSearch(ctx context.Context, queryText string, limit int) ([]graphCandidate, error) {
	entities := candidateEntities(queryText)
	if len(entities) == 0 {
		return nil, nil
	}

	anchors, err := e.graphStore.FindNodesByNames(ctx, entities)
	if err != nil {
		return nil, err
	}

	seen := map[uuid.UUID]float64{}
	for _, anchor := range anchors {
		if anchor.VectorID != nil {
			if cur, ok := seen[*anchor.VectorID]; !ok || 1.0 > cur {
				seen[*anchor.VectorID] = 1.0 // the anchor node itself is maximally relevant
			}
		}
		neighbors, err := e.graphStore.Neighbors(ctx, anchor.Name, 1, graph.TraversalOpts{})
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			if n.Node.VectorID == nil {
				continue
			}
			if cur, ok := seen[*n.Node.VectorID]; !ok || n.RelevanceScore > cur {
				seen[*n.Node.VectorID] = n.RelevanceScore
			}
		}
	}

	out := make([]graphCandidate, 0, len(seen))
	for id, rel := range seen {
		out = append(out, graphCandidate{insightID: id, relevance: rel})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].relevance != out[j].relevance {
			return out[i].relevance > out[j].relevance
		}
		return lessUUID(out[i].insightID, out[j].insightID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func graphRanked(cands []graphCandidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.insightID
	}
	return ids
}

type rankedList struct {
	ids    []uuid.UUID
	weight float64
}

type fusedItem struct {
	id    uuid.UUID
	score float64
}

// rrfFuse implements Reciprocal Rank Fusion: for each
// candidate document, sum wᵢ/(k+rankᵢ(d)) across the participating ranked
// lists, rankᵢ being 1-based. Lists with zero weight or no entries
// contribute nothing, so they can be passed through unconditionally.
func rrfFuse(lists []rankedList, k int) []fusedItem {
	scores := map[uuid.UUID]float64{}
	order := []uuid.UUID{}
	for _, list := range lists {
		if list.weight <= 0 {
			continue
		}
		for rank, id := range list.ids {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += list.weight / float64(k+rank+1)
		}
	}
	out := make([]fusedItem, len(order))
	for i, id := range order {
		out[i] = fusedItem{id: id, score: scores[id]}
	}
	return out
}
