package dissonance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethrdev/cogmem/internal/dbtest"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/model"
)

func TestDetect_ExclusiveRelations(t *testing.T) {
	a := model.GraphEdge{ID: uuid.New(), Relation: "DEPENDS_ON"}
	b := model.GraphEdge{ID: uuid.New(), Relation: "SOLVES"}

	found := Detect([]model.GraphEdge{a, b})
	if assert.Len(t, found, 1) {
		assert.Equal(t, a.ID, found[0].EdgeA.ID)
		assert.Equal(t, b.ID, found[0].EdgeB.ID)
	}
}

func TestDetect_OpposedBoolProperty(t *testing.T) {
	a := model.GraphEdge{ID: uuid.New(), Relation: "RELATED_TO", Properties: map[string]any{"asserted": true}}
	b := model.GraphEdge{ID: uuid.New(), Relation: "RELATED_TO", Properties: map[string]any{"asserted": false}}

	found := Detect([]model.GraphEdge{a, b})
	assert.Len(t, found, 1)
}

func TestDetect_NoContradiction(t *testing.T) {
	a := model.GraphEdge{ID: uuid.New(), Relation: "USES"}
	b := model.GraphEdge{ID: uuid.New(), Relation: "RELATED_TO"}

	found := Detect([]model.GraphEdge{a, b})
	assert.Empty(t, found)
}

func TestDetect_SameRelationNoOpposedProperties(t *testing.T) {
	a := model.GraphEdge{ID: uuid.New(), Relation: "USES"}
	b := model.GraphEdge{ID: uuid.New(), Relation: "USES"}

	found := Detect([]model.GraphEdge{a, b})
	assert.Empty(t, found)
}

func TestEngine_PendingIndexStartsEmpty(t *testing.T) {
	e := New(nil)
	assert.Empty(t, e.GetPendingNuanceEdgeIDs())
}

func TestScanPair_FlagsOnceAndPublishesPending(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	e := New(db)
	ctx := context.Background()

	dep, err := g.AddEdge(ctx, "cache", "latency", "DEPENDS_ON", "component", "problem", 1.0, nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "cache", "latency", "SOLVES", "component", "problem", 1.0, nil)
	require.NoError(t, err)

	reviews, err := e.ScanPair(ctx, dep.SourceID, dep.TargetID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, model.NuanceStatusPending, reviews[0].Status)

	pending := e.GetPendingNuanceEdgeIDs()
	assert.Contains(t, pending, reviews[0].EdgeAID)
	assert.Contains(t, pending, reviews[0].EdgeBID)

	// The same contradicting pair must not be flagged again.
	again, err := e.ScanPair(ctx, dep.SourceID, dep.TargetID)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A fresh engine rehydrates both the pending index and the seen pairs
	// from the persisted PENDING review.
	e2 := New(db)
	require.NoError(t, e2.LoadPending(ctx))
	assert.Len(t, e2.GetPendingNuanceEdgeIDs(), 2)
	again, err = e2.ScanPair(ctx, dep.SourceID, dep.TargetID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestResolve_RemovesPenaltyButKeepsEdges(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	e := New(db)
	ctx := context.Background()

	dep, err := g.AddEdge(ctx, "x", "y", "DEPENDS_ON", "node", "node", 1.0, nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "x", "y", "SOLVES", "node", "node", 1.0, nil)
	require.NoError(t, err)

	reviews, err := e.ScanPair(ctx, dep.SourceID, dep.TargetID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)

	resolved, err := e.Resolve(ctx, reviews[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.NuanceStatusResolved, resolved.Status)
	assert.Empty(t, e.GetPendingNuanceEdgeIDs())

	// Both edges still traverse.
	neighbors, err := g.Neighbors(ctx, "x", 1, graph.TraversalOpts{})
	require.NoError(t, err)
	assert.Len(t, neighbors, 1)
}

func TestSupersede_RetiresLosingEdge(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	e := New(db)
	ctx := context.Background()

	dep, err := g.AddEdge(ctx, "p", "q", "DEPENDS_ON", "node", "node", 1.0, nil)
	require.NoError(t, err)
	sol, err := g.AddEdge(ctx, "p", "q", "SOLVES", "node", "node", 1.0, nil)
	require.NoError(t, err)

	reviews, err := e.ScanPair(ctx, dep.SourceID, dep.TargetID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)

	superseded, err := e.Supersede(ctx, reviews[0].ID, sol.EdgeID)
	require.NoError(t, err)
	assert.Equal(t, model.NuanceStatusSuperseded, superseded.Status)
	assert.Empty(t, e.GetPendingNuanceEdgeIDs())

	losing, err := db.GetEdgeByID(ctx, dep.EdgeID)
	require.NoError(t, err)
	assert.Equal(t, sol.EdgeID.String(), losing.Properties["superseded_by"])

	// Default traversal now sees only the surviving edge.
	neighbors, err := g.Neighbors(ctx, "p", 1, graph.TraversalOpts{})
	require.NoError(t, err)
	if assert.Len(t, neighbors, 1) {
		assert.Equal(t, "SOLVES", neighbors[0].Edge.Relation)
	}
}
