package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/parley/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the web API read history while the gateway records it.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '[]',
			endpoint     TEXT NOT NULL,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS negotiations (
			id            TEXT PRIMARY KEY,
			host          TEXT NOT NULL,
			participants  TEXT NOT NULL,
			initial_start DATETIME NOT NULL,
			initial_end   DATETIME NOT NULL,
			state         TEXT NOT NULL,
			reason        TEXT,
			slot_start    DATETIME,
			slot_end      DATETIME,
			rounds        INTEGER NOT NULL DEFAULT 0,
			responses     TEXT,
			started_at    DATETIME NOT NULL,
			finished_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_negotiations_started ON negotiations(started_at)`,
		`CREATE TABLE IF NOT EXISTS drafts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			recipients      TEXT NOT NULL,
			subject         TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drafts_conversation ON drafts(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			participants      TEXT NOT NULL,
			duration_minutes  INTEGER NOT NULL,
			schedule          TEXT NOT NULL,
			status            TEXT DEFAULT 'active',
			next_run_at       DATETIME,
			last_run_at       DATETIME,
			last_status       TEXT,
			last_error        TEXT,
			last_conversation TEXT,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// encodeList stores a string list as a JSON array column.
func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}
