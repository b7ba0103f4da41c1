// Package history implements the terminal-transition ledger backed by
// modernc.org/sqlite: an append-only record of every task that reached
// COMPLETED, FAILED, or CANCELLED, written at most once per task id
// (spec §3 invariant: "a task appears at most once in the history
// ledger, only on terminal transition").
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one terminal-transition row.
type Entry struct {
	TaskID          string
	URL             string
	Dest            string
	State           string // COMPLETED, FAILED, or CANCELLED
	BytesDownloaded int64
	BytesTotal      int64
	Attempt         int
	LastError       string
	CreatedAt       time.Time
	FinishedAt      time.Time
}

// Ledger owns the SQLite-backed history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS terminal_history (
			task_id          TEXT PRIMARY KEY,
			url              TEXT NOT NULL,
			dest             TEXT NOT NULL,
			state            TEXT NOT NULL,
			bytes_downloaded INTEGER NOT NULL,
			bytes_total      INTEGER NOT NULL,
			attempt          INTEGER NOT NULL,
			last_error       TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			finished_at      INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts entry. A second Record call for the same TaskID is a
// no-op (INSERT OR IGNORE), enforcing the at-most-once invariant.
func (l *Ledger) Record(e Entry) error {
	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO terminal_history (
			task_id, url, dest, state, bytes_downloaded, bytes_total,
			attempt, last_error, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.URL, e.Dest, e.State, e.BytesDownloaded, e.BytesTotal,
		e.Attempt, e.LastError, e.CreatedAt.Unix(), e.FinishedAt.Unix())
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Get returns the recorded entry for taskID, or (Entry{}, false) if
// none exists.
func (l *Ledger) Get(taskID string) (Entry, bool, error) {
	row := l.db.QueryRow(`
		SELECT task_id, url, dest, state, bytes_downloaded, bytes_total,
		       attempt, last_error, created_at, finished_at
		FROM terminal_history WHERE task_id = ?
	`, taskID)

	var e Entry
	var created, finished int64
	err := row.Scan(&e.TaskID, &e.URL, &e.Dest, &e.State, &e.BytesDownloaded,
		&e.BytesTotal, &e.Attempt, &e.LastError, &created, &finished)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("history: query: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0)
	e.FinishedAt = time.Unix(finished, 0)
	return e, true, nil
}

// ListByState returns every entry whose terminal state matches state,
// most recently finished first.
func (l *Ledger) ListByState(state string) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT task_id, url, dest, state, bytes_downloaded, bytes_total,
		       attempt, last_error, created_at, finished_at
		FROM terminal_history WHERE state = ? ORDER BY finished_at DESC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created, finished int64
		if err := rows.Scan(&e.TaskID, &e.URL, &e.Dest, &e.State, &e.BytesDownloaded,
			&e.BytesTotal, &e.Attempt, &e.LastError, &created, &finished); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		e.FinishedAt = time.Unix(finished, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of ledger rows.
func (l *Ledger) Count() (int, error) {
	var n int
	err := l.db.QueryRow("SELECT COUNT(*) FROM terminal_history").Scan(&n)
	return n, err
}
