// Package spool keeps report batches that could not be confirmed as
// delivered, so they can be resent on the next run.
package spool

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

var ErrInvalidEntry = errors.New("invalid spool entry")

// Entry is one spooled batch body.
type Entry struct {
	ID        int64
	CreatedAt time.Time
	Endpoint  string
	Body      []byte
	Attempts  int
}

type Spool struct {
	db *sql.DB
}

func NewSpool(databasePath string) (*Spool, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Spool{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS batches(
	  id          INTEGER PRIMARY KEY,
	  created_utc INTEGER NOT NULL,
	  endpoint    TEXT    NOT NULL,
	  body_json   TEXT    NOT NULL CHECK (json_valid(body_json)),
	  attempts    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_utc);
	`)
	if err != nil {
		return fmt.Errorf("failed to create spool tables: %w", err)
	}
	return nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func ValidateEntry(entry Entry) error {
	if entry.Endpoint == "" {
		return fmt.Errorf("%w: endpoint cannot be empty", ErrInvalidEntry)
	}
	if len(entry.Body) == 0 {
		return fmt.Errorf("%w: body cannot be empty", ErrInvalidEntry)
	}
	if !json.Valid(entry.Body) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidEntry)
	}
	if entry.CreatedAt.IsZero() {
		return fmt.Errorf("%w: timestamp must be set", ErrInvalidEntry)
	}
	return nil
}

// Insert stores entries in one transaction and returns their ids in order.
func (s *Spool) Insert(entries []Entry) ([]int64, error) {
	transaction, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`INSERT INTO batches(created_utc, endpoint, body_json) VALUES(?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if err := ValidateEntry(entry); err != nil {
			_ = transaction.Rollback()
			return nil, err
		}
		result, err := statement.Exec(entry.CreatedAt.UnixMilli(), entry.Endpoint, string(entry.Body))
		if err != nil {
			_ = transaction.Rollback()
			return nil, fmt.Errorf("failed to execute statement: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			_ = transaction.Rollback()
			return nil, fmt.Errorf("failed to read entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// Pending returns up to limit entries, oldest first.
func (s *Spool) Pending(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, created_utc, endpoint, body_json, attempts FROM batches ORDER BY created_utc, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query spool: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			created int64
			body    string
		)
		if err := rows.Scan(&entry.ID, &created, &entry.Endpoint, &body, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan spool row: %w", err)
		}
		entry.CreatedAt = time.UnixMilli(created)
		entry.Body = []byte(body)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	return entries, nil
}

func (s *Spool) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM batches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete spool entry %d: %w", id, err)
	}
	return nil
}

func (s *Spool) MarkAttempt(id int64) error {
	if _, err := s.db.Exec(`UPDATE batches SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to update spool entry %d: %w", id, err)
	}
	return nil
}

// Usage returns the number of spooled entries and their total body size.
func (s *Spool) Usage() (count int, bytes int64, err error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(body_json)), 0) FROM batches`)
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, fmt.Errorf("failed to read spool usage: %w", err)
	}
	return count, bytes, nil
}
