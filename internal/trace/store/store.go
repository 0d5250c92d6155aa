// Package store persists trace events into an SQLite database.
//
// The store is a recorder.Sink. Events are batched in memory and written in
// one transaction per batch, so the traced program pays for an append, not
// for a database round trip. Unlike the in-memory buffer, the store is never
// bounded: it is the full durable capture of a long-running session.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"

	"github.com/kolkov/exectrace/internal/trace/event"
)

// DefaultBatchSize is the number of events buffered before a flush.
const DefaultBatchSize = 4096

const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
	session_id       TEXT    NOT NULL,
	seq              INTEGER NOT NULL,
	timestamp        REAL    NOT NULL,
	datetime         TEXT    NOT NULL,
	worker_id        INTEGER NOT NULL,
	event_type       TEXT    NOT NULL,
	filename         TEXT    NOT NULL,
	function_name    TEXT    NOT NULL,
	package          TEXT    NOT NULL,
	line_number      INTEGER NOT NULL,
	call_stack_depth INTEGER NOT NULL,
	source_line      TEXT    NOT NULL,
	arg              TEXT,
	PRIMARY KEY (session_id, seq)
);`

const insertSQL = `INSERT INTO trace_events VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Store writes the events of one session.
//
// Store is not safe for concurrent use; the recorder serializes calls.
type Store struct {
	db        *sql.DB
	session   string
	batchSize int

	pending []event.Event
	seq     int64
	closed  bool
}

// Open creates or opens the database at path and prepares the schema.
func Open(path, sessionID string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// A single connection keeps transactions on one SQLite handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	return &Store{
		db:        db,
		session:   sessionID,
		batchSize: DefaultBatchSize,
	}, nil
}

// SetBatchSize changes the flush threshold. Values below 1 are ignored.
func (s *Store) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Write queues e and flushes when the batch is full.
func (s *Store) Write(e event.Event) error {
	if s.closed {
		return errors.New("store closed")
	}
	s.pending = append(s.pending, e)
	if len(s.pending) >= s.batchSize {
		return s.Flush()
	}
	return nil
}

// Flush writes queued events in one transaction. Events of a failed batch
// are discarded.
func (s *Store) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = s.pending[:0]

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, e := range batch {
		s.seq++
		var arg any
		if e.Arg != nil {
			arg = *e.Arg
		}
		_, err := stmt.Exec(s.session, s.seq, e.Timestamp, e.Time.Format(time.RFC3339Nano),
			e.WorkerID, string(e.Kind), e.File, e.Function, e.Package, e.Line,
			e.Depth, e.Source, arg)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "insert event")
		}
	}

	return errors.Wrap(tx.Commit(), "commit events")
}

// Close flushes pending events and closes the database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.Flush()
	closeErr := s.db.Close()
	if flushErr != nil {
		return flushErr
	}
	return errors.Wrap(closeErr, "close database")
}

// ReadEvents loads the events of sessionID from the database at path in
// recording order. An empty sessionID selects every session.
func ReadEvents(path, sessionID string) ([]event.Event, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "stat database")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer db.Close()

	q := `SELECT timestamp, datetime, worker_id, event_type, filename, function_name,
		package, line_number, call_stack_depth, source_line, arg
		FROM trace_events`
	var args []any
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY session_id, seq`

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			e    event.Event
			when string
			kind string
			arg  sql.NullString
		)
		if err := rows.Scan(&e.Timestamp, &when, &e.WorkerID, &kind, &e.File,
			&e.Function, &e.Package, &e.Line, &e.Depth, &e.Source, &arg); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Kind = event.Kind(kind)
		e.Time, _ = time.Parse(time.RFC3339Nano, when)
		if arg.Valid {
			e.Arg = event.StringPtr(arg.String)
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "read events")
}
