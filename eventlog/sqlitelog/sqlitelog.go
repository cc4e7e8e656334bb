// Package sqlitelog provides a SQLite-backed eventlog.Log. It keeps the log
// durable across transport churn on a single node without requiring any
// external service.
package sqlitelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaykit/streamrpc/eventlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	event_id   INTEGER NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	payload    BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE TABLE IF NOT EXISTS sequences (
	session_id TEXT PRIMARY KEY,
	last_id    INTEGER NOT NULL
);
`

// Log is a SQLite implementation of eventlog.Log.
type Log struct {
	db *sql.DB

	// Serializes appends so per-session ID assignment stays monotonic even
	// though SQLite has no per-session sequence object.
	appendMu sync.Mutex
}

// Open opens (or creates) the database at path. ":memory:" opens a shared
// in-memory database, which is what tests want.
func Open(path string) (*Log, error) {
	dbPath := path
	if path == ":memory:" {
		// Separate connections to ":memory:" would each get their own
		// database; the shared cache URL form gives one.
		dbPath = "file::memory:?cache=shared"
	}
	if !strings.Contains(dbPath, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	connStr := dbPath + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Append(ctx context.Context, sessionID string, ev eventlog.Event) (uint64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	// IDs come from a per-session sequence row, not MAX(event_id).
	// Retention purges may delete every stored event for a live session;
	// the sequence keeps assigning past the deleted range so a client's
	// cursor stays valid.
	var next uint64
	row := tx.QueryRowContext(ctx, `
		INSERT INTO sequences (session_id, last_id) VALUES (?, 1)
		ON CONFLICT(session_id) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id`, sessionID)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, event_id, target, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, next, ev.Target, ev.Payload, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return next, nil
}

func (l *Log) Range(ctx context.Context, sessionID string, afterID uint64, fn func(ev eventlog.Event) error) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, target, payload, created_at FROM events WHERE session_id = ? AND event_id > ? ORDER BY event_id ASC`,
		sessionID, afterID)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev eventlog.Event
		if err := rows.Scan(&ev.ID, &ev.Target, &ev.Payload, &ev.At); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *Log) Purge(ctx context.Context, sessionID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("purge session events: %w", err)
	}
	// The session is gone for good; its ID space goes with it.
	if _, err := l.db.ExecContext(ctx, `DELETE FROM sequences WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("purge session sequence: %w", err)
	}
	return nil
}

func (l *Log) PurgeOlderThan(ctx context.Context, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age)
	if _, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("purge aged events: %w", err)
	}
	return nil
}

func (l *Log) Close() error { return l.db.Close() }

var _ eventlog.Log = (*Log)(nil)
