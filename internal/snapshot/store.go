// Package snapshot persists best-effort session state snapshots to
// SQLite. Durability is advisory: a restart restores the last snapshot
// of each non-terminal session, nothing more.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/squadlive/backend/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
    session_id TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    state      TEXT NOT NULL,
    saved_at   INTEGER NOT NULL
);
`

// Store is a SQLite-backed snapshot store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (or creates) the snapshot database and ensures the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save upserts a snapshot row per session.
func (s *Store) Save(ctx context.Context, states []*session.SessionState) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	now := time.Now().UTC().UnixMilli()
	for _, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal session %s: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_snapshots (session_id, status, state, saved_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   status = excluded.status,
			   state = excluded.state,
			   saved_at = excluded.saved_at`,
			st.ID, st.Status.String(), string(data), now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert session %s: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// Load returns the snapshots of all non-terminal sessions.
func (s *Store) Load(ctx context.Context) ([]*session.SessionState, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT state FROM session_snapshots WHERE status NOT IN ('completed', 'cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var result []*session.SessionState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var st session.SessionState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("parse snapshot: %w", err)
		}
		if st.Players == nil {
			st.Players = make(map[string]*session.PlayerState)
		}
		result = append(result, &st)
	}
	return result, rows.Err()
}

// Run snapshots the registry every interval until ctx is cancelled.
// Errors are logged, never fatal.
func (s *Store) Run(ctx context.Context, reg *session.Registry, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final snapshot on shutdown, best effort.
			if err := s.Save(context.Background(), reg.List()); err != nil {
				log.Printf("final snapshot: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Save(ctx, reg.List()); err != nil {
				log.Printf("snapshot: %v", err)
			}
		}
	}
}

// Restore registers all non-terminal snapshot sessions into reg.
func (s *Store) Restore(ctx context.Context, reg *session.Registry) (int, error) {
	states, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}
	if err := reg.CreateBatch(states); err != nil {
		return 0, err
	}
	return len(states), nil
}
