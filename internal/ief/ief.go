// Package ief computes the Integrative Evaluation Function score: a pure
// fusion of an edge's traversal relevance, its semantic similarity to a
// query, a recency boost, a constitutive-relation multiplier, and a
// dissonance penalty.
package ief

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ethrdev/cogmem/internal/model"
)

// Weights are the fixed fusion coefficients. Relevance, similarity, and
// recency sum to 0.75; constitutive contributes the remainder on its own
// 0..1.5 multiplier range, so the unpenalized score is bounded by 1.5.
const (
	weightRelevance    = 0.30
	weightSimilarity   = 0.25
	weightRecency      = 0.20
	weightConstitutive = 0.25

	constitutiveMultiplier    = 1.5
	nonConstitutiveMultiplier = 1.0

	nuancePenalty = 0.1

	recencyTauDays = 30.0
)

// Components breaks down the score into its inputs, for the MCP tool's
// transparency contract.
type Components struct {
	RelevanceScore     float64 `json:"relevance_score"`
	SemanticSimilarity float64 `json:"semantic_similarity"`
	RecencyBoost       float64 `json:"recency_boost"`
	ConstitutiveWeight float64 `json:"constitutive_weight"`
	NuancePenalty      float64 `json:"nuance_penalty"`
}

// Weights mirrors the fixed coefficients, surfaced so callers can report
// exactly what was applied.
type Weights struct {
	Relevance    float64 `json:"relevance"`
	Similarity   float64 `json:"similarity"`
	Recency      float64 `json:"recency"`
	Constitutive float64 `json:"constitutive"`
}

// Result is the full output of Score.
type Result struct {
	IEFScore   float64    `json:"ief_score"`
	Components Components `json:"components"`
	Weights    Weights    `json:"weights"`
}

// EdgeEndpointInsight resolves an edge's linked Insight embedding, used to
// compute semantic similarity. Target is tried first, then source, per the
// endpoint policy: an edge's "semantic anchor" is whichever endpoint node
// carries a vector_id, preferring the target.
type EdgeEndpointInsight struct {
	SourceVectorID *uuid.UUID
	TargetVectorID *uuid.UUID
	// SourceEmbedding/TargetEmbedding are populated by the caller only for
	// the endpoint(s) that actually have a vector_id; callers that already
	// know which endpoint is anchored may leave the other nil.
	SourceEmbedding []float32
	TargetEmbedding []float32
}

// resolveAnchorEmbedding implements the target-then-source-then-neutral
// endpoint policy: try the target node's linked insight first, then the
// source's, and report ok=false if neither is anchored.
func resolveAnchorEmbedding(ep EdgeEndpointInsight) ([]float32, bool) {
	if ep.TargetVectorID != nil && len(ep.TargetEmbedding) > 0 {
		return ep.TargetEmbedding, true
	}
	if ep.SourceVectorID != nil && len(ep.SourceEmbedding) > 0 {
		return ep.SourceEmbedding, true
	}
	return nil, false
}

// Score computes calculate_ief_score for one edge. relevanceScore is the
// edge's traversal relevance (see internal/graph.RelevanceScore).
// queryEmbedding may be nil when no query context is available. pendingNuanceEdgeIDs
// is the dissonance engine's published set of edges currently under review.
func Score(edge model.GraphEdge, relevanceScore float64, queryEmbedding []float32, anchor EdgeEndpointInsight, pendingNuanceEdgeIDs map[uuid.UUID]struct{}, now time.Time) Result {
	sim := semanticSimilarity(queryEmbedding, anchor)
	recency := recencyBoost(edge.ModifiedAt, now)
	constitutive := nonConstitutiveMultiplier
	if edge.EdgeType() == "constitutive" {
		constitutive = constitutiveMultiplier
	}

	penalty := 0.0
	if pendingNuanceEdgeIDs != nil {
		if _, pending := pendingNuanceEdgeIDs[edge.ID]; pending {
			penalty = nuancePenalty
		}
	}

	score := relevanceScore*weightRelevance +
		sim*weightSimilarity +
		recency*weightRecency +
		constitutive*weightConstitutive -
		penalty
	score = clamp(score, 0, 1.5)

	return Result{
		IEFScore: score,
		Components: Components{
			RelevanceScore:     relevanceScore,
			SemanticSimilarity: sim,
			RecencyBoost:       recency,
			ConstitutiveWeight: constitutive,
			NuancePenalty:      penalty,
		},
		Weights: Weights{
			Relevance:    weightRelevance,
			Similarity:   weightSimilarity,
			Recency:      weightRecency,
			Constitutive: weightConstitutive,
		},
	}
}

// semanticSimilarity returns the rescaled-to-[0,1] cosine similarity between
// queryEmbedding and the edge's anchor embedding, or the 0.5 neutral
// fallback when either input is absent or their dimensions mismatch.
func semanticSimilarity(queryEmbedding []float32, anchor EdgeEndpointInsight) float64 {
	const neutral = 0.5
	if len(queryEmbedding) == 0 {
		return neutral
	}
	anchorEmbedding, ok := resolveAnchorEmbedding(anchor)
	if !ok {
		return neutral
	}
	if len(anchorEmbedding) != len(queryEmbedding) {
		return neutral
	}
	c := cosineSimilarity(queryEmbedding, anchorEmbedding)
	return (c + 1) / 2
}

// recencyBoost returns exp(-Δdays/30) for the age of modifiedAt, or 0.5 when
// modifiedAt is the zero value (timestamp absent).
func recencyBoost(modifiedAt, now time.Time) float64 {
	if modifiedAt.IsZero() {
		return 0.5
	}
	deltaDays := now.Sub(modifiedAt).Hours() / 24
	if deltaDays < 0 {
		deltaDays = 0
	}
	return math.Exp(-deltaDays / recencyTauDays)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
