package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethrdev/cogmem/internal/dbtest"
	"github.com/ethrdev/cogmem/internal/storage"
)

// testVector builds a 1536-dim embedding whose direction is set by seed, so
// two vectors with different seeds are not collinear.
func testVector(seed int) pgvector.Vector {
	v := make([]float32, 1536)
	v[seed%1536] = 1
	return pgvector.NewVector(v)
}

func TestInsertInsight_RoundTrip(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	ins, err := db.InsertInsight(ctx, "user prefers dark mode", []int64{1, 2, 3}, testVector(0), map[string]any{"topic": "preferences"})
	require.NoError(t, err)

	got, err := db.GetInsightByID(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, "user prefers dark mode", got.Content)
	assert.Equal(t, []int64{1, 2, 3}, got.SourceIDs)
	assert.Equal(t, "preferences", got.Metadata["topic"])
	assert.WithinDuration(t, ins.CreatedAt, got.CreatedAt, time.Second)
}

func TestInsertInsight_EmptySourcesMarkedSynthesized(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	ins, err := db.InsertInsight(ctx, "standalone conclusion", nil, testVector(1), nil)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", ins.Metadata["source"])
	assert.Empty(t, ins.SourceIDs)

	// A caller-supplied source key is never overwritten.
	ins2, err := db.InsertInsight(ctx, "annotated conclusion", nil, testVector(2), map[string]any{"source": "operator"})
	require.NoError(t, err)
	assert.Equal(t, "operator", ins2.Metadata["source"])
}

func TestGetInsightByID_NotFoundSentinel(t *testing.T) {
	db := dbtest.NewDB(t)

	_, err := db.GetInsightByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDenseSearch_RanksByCosineSimilarity(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	near, err := db.InsertInsight(ctx, "close match", nil, testVector(0), nil)
	require.NoError(t, err)
	_, err = db.InsertInsight(ctx, "orthogonal", nil, testVector(7), nil)
	require.NoError(t, err)

	results, err := db.DenseSearch(ctx, testVector(0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].Insight.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestLexicalSearch_MatchesContent(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	hit, err := db.InsertInsight(ctx, "the database connection pool was exhausted", nil, testVector(3), nil)
	require.NoError(t, err)
	_, err = db.InsertInsight(ctx, "weather was sunny all week", nil, testVector(4), nil)
	require.NoError(t, err)

	results, err := db.LexicalSearch(ctx, "connection pool", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hit.ID, results[0].Insight.ID)
	assert.Greater(t, results[0].Rank, 0.0)
}

func TestInsertRawEntry_RoundTripBySession(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	entry, err := db.InsertRawEntry(ctx, "session-7", "user", "how do I tune the pool size?", map[string]any{"channel": "cli"})
	require.NoError(t, err)
	assert.Positive(t, entry.ID)

	entries, err := db.ListRawBySession(ctx, "session-7", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "user", entries[0].Speaker)
	assert.Equal(t, "cli", entries[0].Metadata["channel"])

	// Another session's entries are invisible.
	other, err := db.ListRawBySession(ctx, "session-8", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEpisodes_InsertListSearch(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	ep, err := db.InsertEpisode(ctx, "tune pool size", 0.8, "raising max_conns fixed the stall", testVector(0))
	require.NoError(t, err)
	_, err = db.InsertEpisode(ctx, "unrelated", -0.2, "did not help", testVector(9))
	require.NoError(t, err)

	listed, err := db.ListEpisodes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	found, err := db.SearchEpisodes(ctx, testVector(0), 0.9, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ep.ID, found[0].ID)
	assert.InDelta(t, 0.8, found[0].Reward, 1e-9)
}
