// Package history persists assistant session records so a prior
// conversation can be resumed later. Writes are fire-and-forget from the
// supervisors' point of view: failures are logged, never propagated.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// Record is one remembered assistant session.
type Record struct {
	Key             string    `json:"key"`
	RemoteSessionID string    `json:"remote_session_id"`
	Model           string    `json:"model"`
	Preview         string    `json:"preview,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the session-history collaborator contract.
type Store interface {
	AddSession(key, remoteSessionID, model string, createdAt time.Time) error
	UpdatePreview(key, remoteSessionID, text string) error
	ListSessions(key string) ([]Record, error)
	Close() error
}

// SQLiteStore backs Store with a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  instance_key TEXT NOT NULL,
  remote_session_id TEXT NOT NULL,
  model TEXT NOT NULL,
  preview TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL,
  PRIMARY KEY (instance_key, remote_session_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(instance_key);
`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AddSession(key, remoteSessionID, model string, createdAt time.Time) error {
	if key == "" || remoteSessionID == "" {
		return errors.New("key and remote session id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (instance_key, remote_session_id, model, created_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT (instance_key, remote_session_id) DO UPDATE SET model = excluded.model`,
		key, remoteSessionID, model, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePreview(key, remoteSessionID, text string) error {
	text = truncatePreview(text)
	_, err := s.db.Exec(
		`UPDATE sessions SET preview = ? WHERE instance_key = ? AND remote_session_id = ? AND preview = ''`,
		text, key, remoteSessionID,
	)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	return nil
}

const maxPreview = 120

// truncatePreview caps the preview length without splitting a multibyte
// rune, so the stored text stays valid UTF-8.
func truncatePreview(text string) string {
	if len(text) <= maxPreview {
		return text
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (s *SQLiteStore) ListSessions(key string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT instance_key, remote_session_id, model, preview, created_at_ms
FROM sessions WHERE instance_key = ? ORDER BY created_at_ms DESC`,
		key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdMS int64
		if err := rows.Scan(&rec.Key, &rec.RemoteSessionID, &rec.Model, &rec.Preview, &createdMS); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}
