package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethrdev/cogmem/internal/dbtest"
	"github.com/ethrdev/cogmem/internal/graph"
	"github.com/ethrdev/cogmem/internal/model"
)

func TestAddNode_UpsertOnLabelName(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	id1, err := g.AddNode(ctx, "skill", "golang", map[string]any{"level": "expert"}, nil)
	require.NoError(t, err)

	id2, err := g.AddNode(ctx, "skill", "golang", map[string]any{"level": "senior"}, nil)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	node, err := g.GetNodeByName(ctx, "skill", "golang")
	require.NoError(t, err)
	assert.Equal(t, "senior", node.Properties["level"])
}

func TestAddEdge_AutoCreatesEndpointsAndUpserts(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	res1, err := g.AddEdge(ctx, "golang", "concurrency", "USES", "skill", "concept", 1.0, nil)
	require.NoError(t, err)

	res2, err := g.AddEdge(ctx, "golang", "concurrency", "USES", "skill", "concept", 2.0, nil)
	require.NoError(t, err)

	assert.Equal(t, res1.EdgeID, res2.EdgeID)
	assert.Equal(t, res1.SourceID, res2.SourceID)
	assert.Equal(t, res1.TargetID, res2.TargetID)
}

func TestNeighbors_BoundedDepthAndCycleSafe(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	_, err := g.AddEdge(ctx, "a", "b", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "b", "c", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)
	// Cycle back to a; traversal must not loop forever.
	_, err = g.AddEdge(ctx, "c", "a", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)

	neighbors, err := g.Neighbors(ctx, "a", 5, graph.TraversalOpts{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, n := range neighbors {
		names[n.Node.Name] = true
	}
	assert.True(t, names["b"])
	assert.True(t, names["c"])
}

func TestNeighbors_ExcludesSupersededByDefault(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	res, err := g.AddEdge(ctx, "x", "y", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)
	require.NoError(t, db.SetEdgeSupersededBy(ctx, res.EdgeID, res.EdgeID))

	neighbors, err := g.Neighbors(ctx, "x", 1, graph.TraversalOpts{})
	require.NoError(t, err)
	assert.Empty(t, neighbors)

	neighborsIncl, err := g.Neighbors(ctx, "x", 1, graph.TraversalOpts{IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, neighborsIncl, 1)
}

func TestFindPath_ShortestPath(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	_, err := g.AddEdge(ctx, "start", "mid", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "mid", "end", "RELATED_TO", "node", "node", 1.0, nil)
	require.NoError(t, err)

	path, err := g.FindPath(ctx, "start", "end", 5)
	require.NoError(t, err)
	if assert.Len(t, path, 3) {
		assert.Equal(t, "start", path[0].Name)
		assert.Equal(t, "mid", path[1].Name)
		assert.Equal(t, "end", path[2].Name)
	}
}

func TestFindPath_NoPathReturnsEmptyNonNil(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	_, err := g.AddNode(ctx, "node", "isolated-a", nil, nil)
	require.NoError(t, err)
	_, err = g.AddNode(ctx, "node", "isolated-b", nil, nil)
	require.NoError(t, err)

	path, err := g.FindPath(ctx, "isolated-a", "isolated-b", 5)
	require.NoError(t, err)
	assert.NotNil(t, path)
	assert.Empty(t, path)
}

func TestFindNodesByNames_CaseInsensitiveExactMatch(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())
	ctx := context.Background()

	_, err := g.AddNode(ctx, "skill", "Golang", nil, nil)
	require.NoError(t, err)
	_, err = g.AddNode(ctx, "skill", "python", nil, nil)
	require.NoError(t, err)

	nodes, err := g.FindNodesByNames(ctx, []string{"golang", "rust"})
	require.NoError(t, err)
	if assert.Len(t, nodes, 1) {
		assert.Equal(t, "Golang", nodes[0].Name)
	}
}

func TestFindNodesByNames_EmptyInput(t *testing.T) {
	db := dbtest.NewDB(t)
	g := graph.New(db.Pool())

	nodes, err := g.FindNodesByNames(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, nodes)
}

func TestRelevanceScore_DecaysWithAge(t *testing.T) {
	now := time.Now()
	edge := model.GraphEdge{
		Properties:   map[string]any{"access_count": int64(5)},
		LastAccessed: now,
	}
	fresh := graph.RelevanceScore(edge, now, 7*24*time.Hour)

	edge.LastAccessed = now.Add(-30 * 24 * time.Hour)
	stale := graph.RelevanceScore(edge, now, 7*24*time.Hour)

	assert.Greater(t, fresh, stale)
	assert.GreaterOrEqual(t, stale, 0.0)
	assert.LessOrEqual(t, fresh, 1.0)
}
