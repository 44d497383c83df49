package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/ttai.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.Ping()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			result TEXT,
			error_type TEXT,
			error_message TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_closed ON workflow_runs(closed_at);`,
		`CREATE TABLE IF NOT EXISTS activity_results (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			activity TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error_type TEXT,
			error_message TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS quote_snapshot (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			bid REAL,
			ask REAL,
			bid_size INTEGER,
			ask_size INTEGER,
			last REAL,
			source TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_snapshot_ts ON quote_snapshot(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_snapshot_symbol ON quote_snapshot(symbol);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			kind TEXT,
			title TEXT,
			dedup_key TEXT,
			status TEXT,
			channel TEXT,
			errcode INTEGER,
			errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_ts ON notifications(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_dedup ON notifications(dedup_key);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
