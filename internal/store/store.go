// Package store keeps an audit trail of reset requests in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Reset request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
	OutcomeLimited  = "rate_limited"
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			bus TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_resets_ts ON resets(ts DESC);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Reset log ---

type ResetEntry struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Bus     string `json:"bus"`
	Source  string `json:"source"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// LogReset records one reset request. Write failures are logged, not returned:
// the audit trail must never fail a reset.
func (s *Store) LogReset(bus, source, outcome, detail string) {
	if _, err := s.db.Exec(
		`INSERT INTO resets (bus, source, outcome, detail) VALUES (?, ?, ?, ?)`,
		bus, source, outcome, detail,
	); err != nil {
		slog.Error("reset log write failed", "bus", bus, "err", err)
	}
}

// RecentResets returns the newest entries first.
func (s *Store) RecentResets(limit int) ([]ResetEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, bus, source, outcome, COALESCE(detail,'') FROM resets ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ResetEntry{}
	for rows.Next() {
		var e ResetEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Bus, &e.Source, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
