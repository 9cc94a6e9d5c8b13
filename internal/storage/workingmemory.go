package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ethrdev/cogmem/internal/model"
)

// WorkingMemoryUpdateResult is the outcome of one update_working_memory call.
type WorkingMemoryUpdateResult struct {
	AddedID    uuid.UUID
	EvictedID  uuid.UUID // zero value when nothing was evicted.
	ArchivedID uuid.UUID // zero value when nothing was archived.
}

// UpdateWorkingMemory runs the full insert->count->evict?->archive->delete
// pipeline as one transaction. The whole sequence commits or rolls back
// together, so capacity<=C holds at every observable state and a deleted
// WorkingItem always has a matching StaleItem.
//
// Eviction candidate selection: the oldest item by
// last_accessed whose importance does not exceed tauCrit (standard LRU). If
// every item in the set is critical (importance > tauCrit), the oldest item
// by last_accessed is evicted regardless of importance (forced fallback).
func (db *DB) UpdateWorkingMemory(ctx context.Context, content string, importance float64, capacity int, tauCrit float64) (WorkingMemoryUpdateResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("begin update_working_memory: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result WorkingMemoryUpdateResult
	now := time.Now().UTC()

	// Step 2: insert.
	row := tx.QueryRow(ctx,
		`INSERT INTO working_memory (content, importance, last_accessed, created_at)
		 VALUES ($1, $2, $3, $3)
		 RETURNING id`,
		content, importance, now,
	)
	if err := row.Scan(&result.AddedID); err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("insert working_memory: %w", err))
	}

	// Step 3: count.
	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM working_memory`).Scan(&count); err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("count working_memory: %w", err))
	}
	if count <= capacity {
		if err := tx.Commit(ctx); err != nil {
			return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("commit update_working_memory: %w", err))
		}
		return result, nil
	}

	// Step 4: select eviction candidate. Standard LRU first, forced fallback otherwise.
	var evictedID uuid.UUID
	var evictedContent string
	var evictedImportance float64
	row = tx.QueryRow(ctx,
		`SELECT id, content, importance FROM working_memory
		 WHERE importance <= $1
		 ORDER BY last_accessed ASC
		 LIMIT 1`,
		tauCrit,
	)
	err = row.Scan(&evictedID, &evictedContent, &evictedImportance)
	if err == pgx.ErrNoRows {
		// Forced fallback: every item is critical.
		row = tx.QueryRow(ctx,
			`SELECT id, content, importance FROM working_memory
			 ORDER BY last_accessed ASC
			 LIMIT 1`,
		)
		err = row.Scan(&evictedID, &evictedContent, &evictedImportance)
	}
	if err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("select eviction candidate: %w", err))
	}

	// Step 5: archive.
	archivedID, err := archiveWorkingItem(ctx, tx, evictedID, evictedContent, evictedImportance, model.ReasonLRUEviction)
	if err != nil {
		return WorkingMemoryUpdateResult{}, err
	}

	// Step 6: delete.
	if _, err := tx.Exec(ctx, `DELETE FROM working_memory WHERE id = $1`, evictedID); err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("delete working_memory: %w", err))
	}

	// Step 7: commit.
	if err := tx.Commit(ctx); err != nil {
		return WorkingMemoryUpdateResult{}, model.Storage(fmt.Errorf("commit update_working_memory: %w", err))
	}

	result.EvictedID = evictedID
	result.ArchivedID = archivedID
	return result, nil
}

// archiveWorkingItem inserts one stale_memory row within tx, keeping the
// evicted WorkingItem's id as the archive row's id so callers can refer to
// the item by one identity across both tables. Shared by the LRU-eviction
// path and ManualArchive so both produce identical archive rows.
func archiveWorkingItem(ctx context.Context, tx pgx.Tx, itemID uuid.UUID, content string, importance float64, reason model.EvictionReason) (uuid.UUID, error) {
	var id uuid.UUID
	row := tx.QueryRow(ctx,
		`INSERT INTO stale_memory (id, original_content, importance, reason)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		itemID, content, importance, string(reason),
	)
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, model.Storage(fmt.Errorf("insert stale_memory: %w", err))
	}
	return id, nil
}

// ManualArchive loads a WorkingItem by id and archives it with
// reason="MANUAL_ARCHIVE", atomically.
func (db *DB) ManualArchive(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, model.Storage(fmt.Errorf("begin manual archive: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var content string
	var importance float64
	row := tx.QueryRow(ctx, `SELECT content, importance FROM working_memory WHERE id = $1`, id)
	if err := row.Scan(&content, &importance); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, model.Storage(fmt.Errorf("select working_memory for archive: %w", err))
	}

	archivedID, err := archiveWorkingItem(ctx, tx, id, content, importance, model.ReasonManualArchive)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM working_memory WHERE id = $1`, id); err != nil {
		return uuid.Nil, model.Storage(fmt.Errorf("delete working_memory for archive: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, model.Storage(fmt.Errorf("commit manual archive: %w", err))
	}
	return archivedID, nil
}

// ListWorkingMemory returns the current working set, oldest first.
func (db *DB) ListWorkingMemory(ctx context.Context) ([]model.WorkingItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, content, importance, last_accessed, created_at
		 FROM working_memory ORDER BY last_accessed ASC`,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list working_memory: %w", err))
	}
	defer rows.Close()

	var out []model.WorkingItem
	for rows.Next() {
		var w model.WorkingItem
		if err := rows.Scan(&w.ID, &w.Content, &w.Importance, &w.LastAccessed, &w.CreatedAt); err != nil {
			return nil, model.Storage(fmt.Errorf("scan working_memory: %w", err))
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate working_memory: %w", err))
	}
	return out, nil
}

// ListStaleMemory returns archived items with importance >= importanceMin, most recently archived first.
func (db *DB) ListStaleMemory(ctx context.Context, importanceMin float64) ([]model.StaleItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, original_content, importance, archived_at, reason
		 FROM stale_memory WHERE importance >= $1
		 ORDER BY archived_at DESC`,
		importanceMin,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list stale_memory: %w", err))
	}
	defer rows.Close()

	var out []model.StaleItem
	for rows.Next() {
		var s model.StaleItem
		var reason string
		if err := rows.Scan(&s.ID, &s.OriginalContent, &s.Importance, &s.ArchivedAt, &reason); err != nil {
			return nil, model.Storage(fmt.Errorf("scan stale_memory: %w", err))
		}
		s.Reason = model.EvictionReason(reason)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate stale_memory: %w", err))
	}
	return out, nil
}
