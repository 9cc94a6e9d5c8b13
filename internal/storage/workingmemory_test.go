package storage_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethrdev/cogmem/internal/dbtest"
	"github.com/ethrdev/cogmem/internal/model"
	"github.com/ethrdev/cogmem/internal/storage"
)

// TestUpdateWorkingMemory_LRUEviction mirrors scenario S1: C=10, issue 11
// updates with uniform importance 0.5. After call 11, exactly one item
// (the oldest, "m1") has been evicted and archived with reason
// LRU_EVICTION, and the working set holds exactly 10 items.
func TestUpdateWorkingMemory_LRUEviction(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	const capacity = 10
	const tauCrit = 0.8

	var last storage.WorkingMemoryUpdateResult
	for i := 1; i <= 11; i++ {
		res, err := db.UpdateWorkingMemory(ctx, contentFor(i), 0.5, capacity, tauCrit)
		require.NoError(t, err)
		last = res
	}

	items, err := db.ListWorkingMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, items, capacity)

	require.NotEqual(t, uuid.Nil, last.EvictedID)
	require.NotEqual(t, uuid.Nil, last.ArchivedID)
	assert.Equal(t, last.EvictedID, last.ArchivedID)

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "m1", stale[0].OriginalContent)
	assert.Equal(t, model.ReasonLRUEviction, stale[0].Reason)
	assert.Equal(t, last.ArchivedID, stale[0].ID)
}

// TestUpdateWorkingMemory_CriticalOverride mirrors scenario S2: C=10, ten
// updates at importance 0.9 (all critical), then one at importance 0.5.
// The eleventh, non-critical item is the only one evictable, so it is the
// one archived; the ten criticals remain.
func TestUpdateWorkingMemory_CriticalOverride(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	const capacity = 10
	const tauCrit = 0.8

	for i := 1; i <= 10; i++ {
		_, err := db.UpdateWorkingMemory(ctx, contentFor(i), 0.9, capacity, tauCrit)
		require.NoError(t, err)
	}

	res, err := db.UpdateWorkingMemory(ctx, contentFor(11), 0.5, capacity, tauCrit)
	require.NoError(t, err)

	items, err := db.ListWorkingMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, items, capacity)

	require.NotEqual(t, uuid.Nil, res.EvictedID)
	assert.Equal(t, res.AddedID, res.EvictedID, "the newly inserted non-critical item is the only evictable one")

	for _, it := range items {
		assert.Greater(t, it.Importance, tauCrit, "all surviving items must be critical")
	}

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "m11", stale[0].OriginalContent)
	assert.Equal(t, 0.5, stale[0].Importance)
	assert.Equal(t, model.ReasonLRUEviction, stale[0].Reason)
}

// TestUpdateWorkingMemory_ForcedEviction mirrors scenario S3: C=10, ten
// updates at importance 0.9 followed by one at 0.85 — all eleven items are
// critical, so the standard LRU pass (importance <= tauCrit) finds nothing
// and the forced fallback evicts the oldest item regardless of importance.
func TestUpdateWorkingMemory_ForcedEviction(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	const capacity = 10
	const tauCrit = 0.8

	first, err := db.UpdateWorkingMemory(ctx, contentFor(1), 0.9, capacity, tauCrit)
	require.NoError(t, err)
	for i := 2; i <= 10; i++ {
		_, err := db.UpdateWorkingMemory(ctx, contentFor(i), 0.9, capacity, tauCrit)
		require.NoError(t, err)
	}

	res, err := db.UpdateWorkingMemory(ctx, contentFor(11), 0.85, capacity, tauCrit)
	require.NoError(t, err)

	items, err := db.ListWorkingMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, items, capacity)

	require.NotEqual(t, uuid.Nil, res.EvictedID)
	assert.Equal(t, first.AddedID, res.EvictedID, "the oldest item is evicted despite being critical")

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, model.ReasonLRUEviction, stale[0].Reason)
}

// TestUpdateWorkingMemory_UnderCapacityNoEviction exercises the early-return
// path: while count <= C, no eviction or archival occurs.
func TestUpdateWorkingMemory_UnderCapacityNoEviction(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := db.UpdateWorkingMemory(ctx, contentFor(i), 0.5, 10, 0.8)
		require.NoError(t, err)
		assert.Equal(t, uuid.Nil, res.EvictedID)
		assert.Equal(t, uuid.Nil, res.ArchivedID)
	}

	items, err := db.ListWorkingMemory(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 5)

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

// TestManualArchive_ArchivesAndDeletes exercises the distinct manual-archive
// path: it loads a WorkingItem by id, archives it with
// reason=MANUAL_ARCHIVE, and deletes it, atomically.
func TestManualArchive_ArchivesAndDeletes(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	res, err := db.UpdateWorkingMemory(ctx, "keep me", 0.6, 10, 0.8)
	require.NoError(t, err)

	archivedID, err := db.ManualArchive(ctx, res.AddedID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, archivedID)

	items, err := db.ListWorkingMemory(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "keep me", stale[0].OriginalContent)
	assert.Equal(t, model.ReasonManualArchive, stale[0].Reason)
}

// TestManualArchive_NotFound reports ErrNotFound for an id that does not
// name a WorkingItem, rather than silently archiving nothing.
func TestManualArchive_NotFound(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	_, err := db.ManualArchive(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestUpdateWorkingMemory_CapacityInvariantHoldsThroughoutBurst confirms
// capacity<=C holds well past the first eviction, and that every eviction
// is paired with exactly one archive row.
func TestUpdateWorkingMemory_CapacityInvariantHoldsThroughoutBurst(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	const capacity = 10
	for i := 1; i <= 30; i++ {
		_, err := db.UpdateWorkingMemory(ctx, contentFor(i), 0.5, capacity, 0.8)
		require.NoError(t, err)

		items, err := db.ListWorkingMemory(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(items), capacity)
	}

	stale, err := db.ListStaleMemory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stale, 20, "30 inserts at capacity 10 evict exactly 20 items")
}

func contentFor(i int) string {
	return "m" + strconv.Itoa(i)
}
