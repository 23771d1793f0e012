// Package store persists session history. The default backend is a JSON
// file; when SESSION_STORE_PG_DSN is set a Postgres table is used instead.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"reflectify/internal/session"
)

type Store struct {
	path string
	db   *sql.DB

	loadOnce sync.Once
	mu       sync.RWMutex
	byID     map[string][]session.Entry

	schemaOnce sync.Once
	schemaErr  error
}

var _ session.Store = (*Store)(nil)

func New(path string) *Store {
	return &Store{
		path: path,
		byID: make(map[string][]session.Entry),
	}
}

func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewFromEnv prefers Postgres when SESSION_STORE_PG_DSN is set and reachable,
// falling back to the JSON file at path.
func NewFromEnv(path string) *Store {
	dsn := strings.TrimSpace(os.Getenv("SESSION_STORE_PG_DSN"))
	if dsn == "" {
		return New(path)
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		return New(path)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, sessionID string) ([]session.Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if s.db != nil {
		return s.loadDB(ctx, sessionID)
	}
	return s.loadFile(sessionID)
}

func (s *Store) Append(ctx context.Context, sessionID string, entries []session.Entry) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(entries) == 0 {
		return nil
	}
	if s.db != nil {
		return s.appendDB(ctx, sessionID, entries)
	}
	return s.appendFile(sessionID, entries)
}

// ---------------------------------------------------------------------------
// JSON file backend
// ---------------------------------------------------------------------------

type persistedHistory struct {
	SessionID string          `json:"session_id"`
	Entries   []session.Entry `json:"entries"`
}

func (s *Store) ensureLoadedFile() {
	s.loadOnce.Do(func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return
		}
		var rows []persistedHistory
		if err := json.Unmarshal(data, &rows); err != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, row := range rows {
			if row.SessionID == "" {
				continue
			}
			s.byID[row.SessionID] = row.Entries
		}
	})
}

func (s *Store) loadFile(sessionID string) ([]session.Entry, error) {
	s.ensureLoadedFile()
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byID[sessionID]
	out := make([]session.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) appendFile(sessionID string, entries []session.Entry) error {
	s.ensureLoadedFile()
	s.mu.Lock()
	s.byID[sessionID] = append(s.byID[sessionID], entries...)
	rows := make([]persistedHistory, 0, len(s.byID))
	for id, e := range s.byID {
		rows = append(rows, persistedHistory{SessionID: id, Entries: e})
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// ---------------------------------------------------------------------------
// Postgres backend
// ---------------------------------------------------------------------------

func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS session_history (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    text       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS session_history_session_idx ON session_history (session_id, id);
`)
	})
	return s.schemaErr
}

func (s *Store) loadDB(ctx context.Context, sessionID string) ([]session.Entry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text FROM session_history WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Entry
	for rows.Next() {
		var e session.Entry
		if err := rows.Scan(&e.Role, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) appendDB(ctx context.Context, sessionID string, entries []session.Entry) error {
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_history (session_id, role, text) VALUES ($1, $2, $3)`,
			sessionID, e.Role, e.Text); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
