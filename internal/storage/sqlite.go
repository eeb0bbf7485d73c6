package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/tasuki/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE TABLE IF NOT EXISTS event_log (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	log_name TEXT NOT NULL,
	body     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS event_log_name_seq ON event_log (log_name, seq DESC);
`

// SQLiteDB is a single-file database shared by the SQLite store and log.
// The pool is limited to one connection, which makes that connection the
// only writer and serializes every transaction in this process.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, unavailable("sqlite schema", err)
	}
	return &SQLiteDB{db: db}, nil
}

// Ping checks that the database file is usable.
func (d *SQLiteDB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

// Close closes the database.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

// SQLiteStore keeps the document in the documents table of a SQLiteDB.
type SQLiteStore struct {
	db   *SQLiteDB
	name string
}

// NewSQLiteStore returns a store over db.
func NewSQLiteStore(db *SQLiteDB) *SQLiteStore {
	return &SQLiteStore{db: db, name: KeyState}
}

// Read returns the current snapshot, or an empty one if none was written.
func (s *SQLiteStore) Read(ctx context.Context) (model.Snapshot, error) {
	var (
		version int64
		body    string
	)
	err := s.db.db.QueryRowContext(ctx,
		`SELECT version, body FROM documents WHERE name = ?`, s.name,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return model.Snapshot{}, unavailable("sqlite read state", err)
	}
	return decodeDocument(version, []byte(body))
}

// WriteAtomic reads, mutates and writes inside one transaction.
func (s *SQLiteStore) WriteAtomic(ctx context.Context, fn MutateFunc) (model.Snapshot, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Snapshot{}, unavailable("sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		version int64
		body    string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, body FROM documents WHERE name = ?`, s.name,
	).Scan(&version, &body)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, unavailable("sqlite read state", err)
	}

	cur, err := decodeDocument(version, []byte(body))
	if err != nil {
		return model.Snapshot{}, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		err, _ = unwrapAbort(err)
		return model.Snapshot{}, err
	}
	data, err := json.Marshal(next.Runners)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("storage: encode state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (name, version, body, updated_at) VALUES (?, ?, ?, unixepoch())
		 ON CONFLICT (name) DO UPDATE SET version = excluded.version, body = excluded.body, updated_at = excluded.updated_at`,
		s.name, int64(next.Version), string(data), //nolint:gosec // versions stay far below MaxInt64
	); err != nil {
		return model.Snapshot{}, unavailable("sqlite write state", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Snapshot{}, unavailable("sqlite commit", err)
	}
	return next, nil
}

// Ping checks database availability.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SQLiteEventLog is the audit log in the event_log table.
type SQLiteEventLog struct {
	db   *SQLiteDB
	name string
	cap  int
}

// NewSQLiteEventLog returns a log that keeps at most cap rows.
func NewSQLiteEventLog(db *SQLiteDB, cap int) *SQLiteEventLog {
	if cap <= 0 {
		cap = DefaultEventCap
	}
	return &SQLiteEventLog{db: db, name: KeyEvents, cap: cap}
}

// Append inserts ev and trims the log in one transaction.
func (l *SQLiteEventLog) Append(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}

	tx, err := l.db.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_log (log_name, body) VALUES (?, ?)`, l.name, string(data),
	); err != nil {
		return unavailable("sqlite insert event", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_log WHERE log_name = ? AND seq NOT IN (
			SELECT seq FROM event_log WHERE log_name = ? ORDER BY seq DESC LIMIT ?
		)`, l.name, l.name, l.cap,
	); err != nil {
		return unavailable("sqlite trim events", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sqlite commit", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *SQLiteEventLog) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := l.db.db.QueryContext(ctx,
		`SELECT body FROM event_log WHERE log_name = ? ORDER BY seq DESC LIMIT ?`,
		l.name, clampLimit(limit, l.cap),
	)
	if err != nil {
		return nil, unavailable("sqlite read events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable("sqlite scan event", err)
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite read events", err)
	}
	return events, nil
}
