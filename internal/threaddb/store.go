// Package threaddb is the optional SQLite-backed persistence collaborator for
// conversation threads.
//
// The continuity core works entirely in memory; this store receives write-through
// copies of thread mutations and can replay them after a restart.
package threaddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/continuum-ai/continuum/internal/thread"
)

// Store is a local SQLite database holding threads and their turns.
//
// Notes:
// - WAL is enabled to support concurrent reads while writing.
// - A single connection keeps writes serialized under modernc's driver.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveThread upserts the thread row. Turns are written separately via SaveTurn.
func (s *Store) SaveThread(ctx context.Context, t *thread.Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return errors.New("missing thread")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	meta := "{}"
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (continuation_id, state, metadata_json, created_at_unix_ms, last_active_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(continuation_id) DO UPDATE SET
  state = excluded.state,
  metadata_json = excluded.metadata_json,
  last_active_unix_ms = excluded.last_active_unix_ms
`, t.ID, string(t.State), meta, t.CreatedAt.UnixMilli(), t.LastActive.UnixMilli())
	return err
}

// SaveTurn records one turn at its index. Idempotent on (continuation_id, turn_index).
func (s *Store) SaveTurn(ctx context.Context, threadID string, index int, turn thread.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing continuation_id")
	}
	if index < 0 {
		return fmt.Errorf("invalid turn index %d", index)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO turns (continuation_id, turn_index, turn_id, role, turn_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(continuation_id, turn_index) DO NOTHING
`, threadID, index, turn.ID, string(turn.Role), string(b), turn.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE threads SET last_active_unix_ms = ? WHERE continuation_id = ?
`, turn.CreatedAt.UnixMilli(), threadID)
	return err
}

// DeleteThread removes the thread row and its turns. Missing rows are not an error:
// eviction and explicit close both funnel here.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing continuation_id")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE continuation_id = ?`, threadID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE continuation_id = ?`, threadID)
	return err
}

// LoadThread rebuilds a persisted thread with its turns in index order. Returns
// (nil, nil) when the id is unknown.
func (s *Store) LoadThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing continuation_id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		state        string
		metaJSON     string
		createdAtMs  int64
		lastActiveMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT state, metadata_json, created_at_unix_ms, last_active_unix_ms
FROM threads
WHERE continuation_id = ?
`, threadID).Scan(&state, &metaJSON, &createdAtMs, &lastActiveMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t := &thread.Thread{
		ID:         threadID,
		State:      thread.State(state),
		CreatedAt:  unixMs(createdAtMs),
		LastActive: unixMs(lastActiveMs),
	}
	if strings.TrimSpace(metaJSON) != "" && metaJSON != "{}" {
		meta := map[string]string{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil && len(meta) > 0 {
			t.Metadata = meta
		}
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT turn_json
FROM turns
WHERE continuation_id = ?
ORDER BY turn_index ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var turn thread.Turn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("corrupt turn row: %w", err)
		}
		t.Turns = append(t.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  continuation_id TEXT PRIMARY KEY,
  state TEXT NOT NULL DEFAULT 'active',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  last_active_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  continuation_id TEXT NOT NULL,
  turn_index INTEGER NOT NULL,
  turn_id TEXT NOT NULL,
  role TEXT NOT NULL,
  turn_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(continuation_id, turn_index)
);
CREATE INDEX IF NOT EXISTS idx_turns_continuation ON turns(continuation_id, turn_index ASC);
`)
	return err
}

func unixMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}
