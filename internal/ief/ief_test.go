package ief

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ethrdev/cogmem/internal/model"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, cosineSimilarity(a, b), 1e-6)

	c := []float32{1, 0, 0}
	d := []float32{0, 1, 0}
	assert.InDelta(t, 0.0, cosineSimilarity(c, d), 1e-6)

	e := []float32{1, 0, 0}
	f := []float32{-1, 0, 0}
	assert.InDelta(t, -1.0, cosineSimilarity(e, f), 1e-6)

	assert.InDelta(t, 0.0, cosineSimilarity([]float32{}, []float32{}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity(nil, nil), 1e-6)
}

func TestSemanticSimilarity_NeutralFallback(t *testing.T) {
	// No query embedding at all.
	assert.InDelta(t, 0.5, semanticSimilarity(nil, EdgeEndpointInsight{}), 1e-9)

	// Query embedding present but neither endpoint anchored.
	assert.InDelta(t, 0.5, semanticSimilarity([]float32{1, 0}, EdgeEndpointInsight{}), 1e-9)

	// Dimension mismatch between query and anchor.
	vid := uuid.New()
	anchor := EdgeEndpointInsight{SourceVectorID: &vid, SourceEmbedding: []float32{1, 0, 0}}
	assert.InDelta(t, 0.5, semanticSimilarity([]float32{1, 0}, anchor), 1e-9)
}

func TestSemanticSimilarity_PrefersTargetOverSource(t *testing.T) {
	srcID := uuid.New()
	tgtID := uuid.New()
	anchor := EdgeEndpointInsight{
		SourceVectorID:  &srcID,
		SourceEmbedding: []float32{0, 1},
		TargetVectorID:  &tgtID,
		TargetEmbedding: []float32{1, 0},
	}
	// Query identical to target -> rescaled similarity should be 1.0, not 0.5.
	sim := semanticSimilarity([]float32{1, 0}, anchor)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestSemanticSimilarity_FallsBackToSource(t *testing.T) {
	srcID := uuid.New()
	anchor := EdgeEndpointInsight{
		SourceVectorID:  &srcID,
		SourceEmbedding: []float32{1, 0},
	}
	sim := semanticSimilarity([]float32{1, 0}, anchor)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestRecencyBoost_AbsentTimestamp(t *testing.T) {
	assert.InDelta(t, 0.5, recencyBoost(time.Time{}, time.Now()), 1e-9)
}

func TestRecencyBoost_Now(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 1.0, recencyBoost(now, now), 1e-9)
}

func TestScore_ConstitutiveWeight(t *testing.T) {
	now := time.Now()
	edge := model.GraphEdge{
		ID:         uuid.New(),
		ModifiedAt: now,
		Properties: map[string]any{"edge_type": "constitutive"},
	}

	result := Score(edge, 0.0, nil, EdgeEndpointInsight{}, nil, now)
	assert.InDelta(t, 1.5, result.Components.ConstitutiveWeight, 1e-9)
}

// TestScore_NuancePenalty mirrors scenario S6: a constitutive edge scored
// twice, once with its id absent from the pending-nuance set and once
// present, expects the final score to drop by exactly the penalty.
func TestScore_NuancePenalty(t *testing.T) {
	now := time.Now()
	edge := model.GraphEdge{
		ID:         uuid.New(),
		ModifiedAt: now,
		Properties: map[string]any{"edge_type": "constitutive"},
	}

	baseline := Score(edge, 0.0, nil, EdgeEndpointInsight{}, nil, now)
	assert.InDelta(t, 0.0, baseline.Components.NuancePenalty, 1e-9)

	pending := map[uuid.UUID]struct{}{edge.ID: {}}
	penalized := Score(edge, 0.0, nil, EdgeEndpointInsight{}, pending, now)
	assert.InDelta(t, 0.1, penalized.Components.NuancePenalty, 1e-9)
	assert.InDelta(t, baseline.IEFScore-0.1, penalized.IEFScore, 1e-9)
}

func TestScore_ClampedToRange(t *testing.T) {
	now := time.Now()
	edge := model.GraphEdge{
		ID:         uuid.New(),
		ModifiedAt: now,
		Properties: map[string]any{"edge_type": "constitutive"},
	}
	result := Score(edge, 1.0, []float32{1, 0}, EdgeEndpointInsight{}, nil, now)
	assert.LessOrEqual(t, result.IEFScore, 1.5)
	assert.GreaterOrEqual(t, result.IEFScore, 0.0)
}

func TestScore_WeightsEchoed(t *testing.T) {
	now := time.Now()
	edge := model.GraphEdge{ID: uuid.New(), ModifiedAt: now}
	result := Score(edge, 0.4, nil, EdgeEndpointInsight{}, nil, now)
	assert.Equal(t, Weights{Relevance: 0.30, Similarity: 0.25, Recency: 0.20, Constitutive: 0.25}, result.Weights)
}
