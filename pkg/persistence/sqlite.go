package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS hosts (
    host_id    TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    last_seen  INTEGER NOT NULL DEFAULT 0,
    changed    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id    TEXT NOT NULL,
    event      TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status  TEXT NOT NULL,
    misses     INTEGER NOT NULL DEFAULT 0,
    at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_host_at ON transitions(host_id, at);
`

// SQLiteStore keeps host records and a transition journal in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Save upserts host.
func (s *SQLiteStore) Save(ctx context.Context, host hoststate.Host) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO hosts (host_id, status, last_seen, changed) VALUES (?, ?, ?, ?)`,
		host.ID, host.Status.String(), unixNano(host.LastSeen), unixNano(host.Changed))
	if err != nil {
		return fmt.Errorf("sqlite save %s: %w", host.ID, err)
	}
	return nil
}

// Load returns every stored host ordered by id.
func (s *SQLiteStore) Load(ctx context.Context) ([]hoststate.Host, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT host_id, status, last_seen, changed FROM hosts ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	defer rows.Close()

	var hosts []hoststate.Host
	for rows.Next() {
		var r HostRecord
		var lastSeen, changed int64
		if err := rows.Scan(&r.HostID, &r.Status, &lastSeen, &changed); err != nil {
			return nil, fmt.Errorf("sqlite load: scan: %w", err)
		}
		r.LastSeen = fromUnixNano(lastSeen)
		r.Changed = fromUnixNano(changed)
		h, err := r.Host()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// Append journals tr.
func (s *SQLiteStore) Append(ctx context.Context, tr hoststate.Transition) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (host_id, event, from_status, to_status, misses, at) VALUES (?, ?, ?, ?, ?, ?)`,
		tr.HostID, tr.Event.String(), tr.From.String(), tr.To.String(), tr.Misses, unixNano(tr.At))
	if err != nil {
		return fmt.Errorf("sqlite append %s: %w", tr.HostID, err)
	}
	return nil
}

// JournalEntry is one stored transition.
type JournalEntry struct {
	HostID string
	Event  string
	From   string
	To     string
	Misses int
	At     time.Time
}

// History returns up to limit transitions of hostID, newest first. A
// non-positive limit returns all of them.
func (s *SQLiteStore) History(ctx context.Context, hostID string, limit int) ([]JournalEntry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT host_id, event, from_status, to_status, misses, at FROM transitions
		 WHERE host_id = ? ORDER BY at DESC, id DESC LIMIT ?`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var at int64
		if err := rows.Scan(&e.HostID, &e.Event, &e.From, &e.To, &e.Misses, &at); err != nil {
			return nil, fmt.Errorf("sqlite history: scan: %w", err)
		}
		e.At = fromUnixNano(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Journal = (*SQLiteStore)(nil)
)
