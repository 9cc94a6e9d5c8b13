package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethrdev/cogmem/internal/model"
)

// InsertRawEntry appends one immutable L0 record. No embedding is computed.
func (db *DB) InsertRawEntry(ctx context.Context, sessionID, speaker, content string, metadata map[string]any) (model.RawEntry, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return model.RawEntry{}, fmt.Errorf("storage: marshal metadata: %w", err)
	}

	var entry model.RawEntry
	var metaRaw []byte
	row := db.pool.QueryRow(ctx,
		`INSERT INTO l0_raw (session_id, speaker, content, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, session_id, speaker, content, timestamp, metadata`,
		sessionID, speaker, content, meta,
	)
	if err := row.Scan(&entry.ID, &entry.SessionID, &entry.Speaker, &entry.Content, &entry.Timestamp, &metaRaw); err != nil {
		return model.RawEntry{}, model.Storage(fmt.Errorf("insert l0_raw: %w", err))
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &entry.Metadata); err != nil {
			return model.RawEntry{}, fmt.Errorf("storage: unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// ListRawBySession returns L0 entries for a session, optionally bounded by
// a [from,to) timestamp range and a result limit. A zero from/to disables
// that bound.
func (db *DB) ListRawBySession(ctx context.Context, sessionID string, from, to time.Time, limit int) ([]model.RawEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, speaker, content, timestamp, metadata
		 FROM l0_raw
		 WHERE session_id = $1
		   AND ($2::timestamptz IS NULL OR timestamp >= $2)
		   AND ($3::timestamptz IS NULL OR timestamp < $3)
		 ORDER BY timestamp ASC, id ASC
		 LIMIT $4`,
		sessionID, nullableTime(from), nullableTime(to), limit,
	)
	if err != nil {
		return nil, model.Storage(fmt.Errorf("list l0_raw: %w", err))
	}
	defer rows.Close()

	var out []model.RawEntry
	for rows.Next() {
		var e model.RawEntry
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Speaker, &e.Content, &e.Timestamp, &metaRaw); err != nil {
			return nil, model.Storage(fmt.Errorf("scan l0_raw: %w", err))
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &e.Metadata)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage(fmt.Errorf("iterate l0_raw: %w", err))
	}
	return out, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
