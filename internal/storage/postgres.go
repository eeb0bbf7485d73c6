package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/tasuki/internal/model"
)

// DB wraps a pgxpool.Pool shared by the Postgres store and event log.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDB connects to Postgres and verifies the connection.
func NewDB(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping pool", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// pgFailure classifies a Postgres error. Errors the server answered with
// are returned as-is; anything else means the server was not reachable.
func pgFailure(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return unavailable(op, err)
}

// PostgresStore keeps the document in one row of the documents table.
// WriteAtomic locks that row with SELECT ... FOR UPDATE, so concurrent
// writers from any number of processes queue up behind each other.
type PostgresStore struct {
	db   *DB
	name string
}

// NewPostgresStore returns a store over db. Migrations must have run.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db, name: KeyState}
}

// Read returns the current snapshot, or an empty one if the row is missing.
func (s *PostgresStore) Read(ctx context.Context) (model.Snapshot, error) {
	var (
		version int64
		body    []byte
	)
	err := s.db.pool.QueryRow(ctx,
		`SELECT version, body FROM documents WHERE name = $1`, s.name,
	).Scan(&version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return model.Snapshot{}, pgFailure("read state", err)
	}
	return decodeDocument(version, body)
}

// WriteAtomic runs fn under a row lock inside one transaction.
func (s *PostgresStore) WriteAtomic(ctx context.Context, fn MutateFunc) (model.Snapshot, error) {
	var result model.Snapshot
	err := WithRetry(ctx, writeRetries, writeBaseDelay, isPgRetriable, func() error {
		next, err := s.writeOnce(ctx, fn)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err == nil {
		return result, nil
	}
	if inner, ok := unwrapAbort(err); ok {
		return model.Snapshot{}, inner
	}
	if isPgRetriable(err) {
		return model.Snapshot{}, fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return model.Snapshot{}, err
}

func (s *PostgresStore) writeOnce(ctx context.Context, fn MutateFunc) (model.Snapshot, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return model.Snapshot{}, pgFailure("begin write", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, s.name,
	); err != nil {
		return model.Snapshot{}, pgFailure("ensure state row", err)
	}

	var (
		version int64
		body    []byte
	)
	if err := tx.QueryRow(ctx,
		`SELECT version, body FROM documents WHERE name = $1 FOR UPDATE`, s.name,
	).Scan(&version, &body); err != nil {
		return model.Snapshot{}, pgFailure("lock state row", err)
	}

	cur, err := decodeDocument(version, body)
	if err != nil {
		return model.Snapshot{}, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		return model.Snapshot{}, err
	}
	data, err := json.Marshal(next.Runners)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("storage: encode state: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET version = $2, body = $3, updated_at = now() WHERE name = $1`,
		s.name, int64(next.Version), string(data), //nolint:gosec // versions stay far below MaxInt64
	); err != nil {
		return model.Snapshot{}, pgFailure("write state", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Snapshot{}, pgFailure("commit state", err)
	}
	return next, nil
}

func decodeDocument(version int64, body []byte) (model.Snapshot, error) {
	snap := model.NewSnapshot()
	snap.Version = uint64(version) //nolint:gosec // column is never negative
	if len(body) > 0 {
		if err := json.Unmarshal(body, &snap.Runners); err != nil {
			return model.Snapshot{}, fmt.Errorf("storage: decode state: %w", err)
		}
	}
	if snap.Runners == nil {
		snap.Runners = make(map[string]model.Runner)
	}
	return snap, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// PostgresEventLog stores audit events in the event_log table.
type PostgresEventLog struct {
	db   *DB
	name string
	cap  int
}

// NewPostgresEventLog returns a log that keeps at most cap rows.
func NewPostgresEventLog(db *DB, cap int) *PostgresEventLog {
	if cap <= 0 {
		cap = DefaultEventCap
	}
	return &PostgresEventLog{db: db, name: KeyEvents, cap: cap}
}

// Append inserts ev and deletes rows past the cap in the same transaction.
func (l *PostgresEventLog) Append(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}

	tx, err := l.db.pool.Begin(ctx)
	if err != nil {
		return pgFailure("begin append event", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO event_log (log_name, body) VALUES ($1, $2)`, l.name, string(data),
	); err != nil {
		return pgFailure("insert event", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM event_log WHERE log_name = $1 AND seq <= (
			SELECT seq FROM event_log WHERE log_name = $1 ORDER BY seq DESC OFFSET $2 LIMIT 1
		)`, l.name, l.cap,
	); err != nil {
		return pgFailure("trim events", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pgFailure("commit event", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *PostgresEventLog) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := l.db.pool.Query(ctx,
		`SELECT body FROM event_log WHERE log_name = $1 ORDER BY seq DESC LIMIT $2`,
		l.name, clampLimit(limit, l.cap),
	)
	if err != nil {
		return nil, pgFailure("read events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, pgFailure("scan event", err)
		}
		var ev model.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pgFailure("read events", err)
	}
	return events, nil
}
