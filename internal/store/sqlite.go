// Package store implements the durable local event buffer on SQLite.
//
// The buffer is the one piece of mutable shared state in quill: only the
// sync queue component writes to it. A write that returns successfully is
// durable; this is the boundary where zero data loss is enforced,
// independent of network state.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"quill/internal/event"
)

// Schema for the quill event buffer.
const schema = `
CREATE TABLE IF NOT EXISTS queued_events (
    id              TEXT PRIMARY KEY,
    document_id     TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    timestamp       INTEGER NOT NULL,
    position        INTEGER NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    content_before  TEXT NOT NULL DEFAULT '',
    synced          INTEGER NOT NULL DEFAULT 0,
    queued_at       INTEGER NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queued_pending ON queued_events(document_id, synced, timestamp);
CREATE INDEX IF NOT EXISTS idx_queued_doc_time ON queued_events(document_id, timestamp);
`

// Store is the SQLite-backed event buffer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertEvent appends a single queued event.
func (s *Store) InsertEvent(qe *QueuedEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO queued_events (id, document_id, session_id, event_type, timestamp, position, content, content_before, synced, queued_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qe.ID, qe.DocumentID, qe.SessionID, string(qe.Type), qe.Timestamp, qe.Position,
		qe.Content, qe.ContentBefore, boolToInt(qe.Synced), qe.QueuedAt, qe.RetryCount, qe.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert queued event: %w", err)
	}
	return nil
}

// InsertEvents appends a batch of queued events in one transaction: either
// every event is durable or none is.
func (s *Store) InsertEvents(qes []*QueuedEvent) error {
	if len(qes) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO queued_events (id, document_id, session_id, event_type, timestamp, position, content, content_before, synced, queued_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, qe := range qes {
		if _, err := stmt.Exec(
			qe.ID, qe.DocumentID, qe.SessionID, string(qe.Type), qe.Timestamp, qe.Position,
			qe.Content, qe.ContentBefore, boolToInt(qe.Synced), qe.QueuedAt, qe.RetryCount, qe.LastError,
		); err != nil {
			return fmt.Errorf("insert queued event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetPending returns unsynced events for a document ordered by timestamp
// ascending, capped at limit. A non-positive limit returns everything.
func (s *Store) GetPending(documentID string, limit int) ([]QueuedEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, document_id, session_id, event_type, timestamp, position, content, content_before, synced, queued_at, retry_count, last_error
		FROM queued_events
		WHERE document_id = ? AND synced = 0
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?`, documentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	return scanQueuedEvents(rows)
}

// MarkSynced flips the given events to synced and clears their error
// state, removing them from pending status.
func (s *Store) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.Exec(`
		UPDATE queued_events SET synced = 1, last_error = ''
		WHERE id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// BumpRetry increments the retry count and records the failure message on
// every event still pending for a document, and returns how many rows were
// touched.
func (s *Store) BumpRetry(documentID, message string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE queued_events SET retry_count = retry_count + 1, last_error = ?
		WHERE document_id = ? AND synced = 0`, message, documentID,
	)
	if err != nil {
		return 0, fmt.Errorf("bump retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of unsynced events for a document.
func (s *Store) PendingCount(documentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queued_events
		WHERE document_id = ? AND synced = 0`, documentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// FailedCount returns the number of events that exhausted maxRetries.
func (s *Store) FailedCount(documentID string, maxRetries int) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queued_events
		WHERE document_id = ? AND synced = 0 AND retry_count >= ?`, documentID, maxRetries,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed events: %w", err)
	}
	return n, nil
}

// DeleteFailed permanently discards events that exhausted maxRetries and
// returns the count discarded.
func (s *Store) DeleteFailed(documentID string, maxRetries int) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM queued_events
		WHERE document_id = ? AND synced = 0 AND retry_count >= ?`, documentID, maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("delete failed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// DocumentsWithPending returns the IDs of documents that still have
// unsynced events.
func (s *Store) DocumentsWithPending() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT document_id FROM queued_events
		WHERE synced = 0
		ORDER BY document_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents with pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

// ListEvents returns every event recorded for a document, synced or not,
// ordered by timestamp ascending. This is the local replay cache.
func (s *Store) ListEvents(documentID string) ([]event.WritingEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, session_id, event_type, timestamp, position, content, content_before, synced, queued_at, retry_count, last_error
		FROM queued_events
		WHERE document_id = ?
		ORDER BY timestamp ASC, rowid ASC`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	qes, err := scanQueuedEvents(rows)
	if err != nil {
		return nil, err
	}

	events := make([]event.WritingEvent, len(qes))
	for i, qe := range qes {
		events[i] = qe.WritingEvent
	}
	return events, nil
}

// CountEvents returns the total number of events recorded for a document.
func (s *Store) CountEvents(documentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queued_events WHERE document_id = ?`, documentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Documents returns every document ID present in the buffer.
func (s *Store) Documents() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT document_id FROM queued_events ORDER BY document_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

func scanQueuedEvents(rows *sql.Rows) ([]QueuedEvent, error) {
	var events []QueuedEvent

	for rows.Next() {
		var qe QueuedEvent
		var typ string
		var synced int

		if err := rows.Scan(&qe.ID, &qe.DocumentID, &qe.SessionID, &typ, &qe.Timestamp, &qe.Position,
			&qe.Content, &qe.ContentBefore, &synced, &qe.QueuedAt, &qe.RetryCount, &qe.LastError); err != nil {
			return nil, fmt.Errorf("scan queued event: %w", err)
		}

		qe.Type = event.Type(typ)
		qe.Synced = synced != 0
		events = append(events, qe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued events: %w", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
