// Package storage persists room snapshots, the per-room update log and named blobs in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a snapshot or blob does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot is a room's full state plus the log clock it already includes.
type Snapshot struct {
	State []byte
	Clock int64
}

// Update is one row of a room's append-only log.
type Update struct {
	Clock int64
	Delta []byte
}

// Store wraps a SQLite database. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and ensures the tables exist. ":memory:" gives a private in-memory
// database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	maxConns := 4
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		dsn = "file::memory:?cache=private"
		maxConns = 1
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	s.logger.Info("Creating initial tables")
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id text not null primary key,
			state blob not null,
			clock integer not null default 0
		)`,
		`CREATE TABLE IF NOT EXISTS document_updates (
			doc_id text not null,
			clock integer not null,
			delta blob not null,
			primary key (doc_id, clock)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key text not null primary key,
			value blob not null
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of a room, or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, room string) (Snapshot, error) {
	var snap Snapshot
	if err := s.db.QueryRowContext(ctx,
		`SELECT state, clock FROM documents WHERE id = ?`, room,
	).Scan(&snap.State, &snap.Clock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot overwrites the snapshot of a room.
func (s *Store) SaveSnapshot(ctx context.Context, room string, snap Snapshot) error {
	return retryTransient(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO documents (id, state, clock) VALUES (?, ?, ?)`,
			room, snap.State, snap.Clock,
		); err != nil {
			return fmt.Errorf("failed to persist snapshot: %w", err)
		}
		return nil
	})
}

// AppendUpdate writes one log row. Rewriting an existing clock replaces it, so a retried append is idempotent.
func (s *Store) AppendUpdate(ctx context.Context, room string, update Update) error {
	return retryTransient(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO document_updates (doc_id, clock, delta) VALUES (?, ?, ?)`,
			room, update.Clock, update.Delta,
		); err != nil {
			return fmt.Errorf("failed to persist update: %w", err)
		}
		return nil
	})
}

// LoadUpdates returns log rows with after < clock <= through in ascending clock order. through <= 0 means no upper
// bound.
func (s *Store) LoadUpdates(ctx context.Context, room string, after, through int64) ([]Update, error) {
	query := `SELECT clock, delta FROM document_updates WHERE doc_id = ? AND clock > ? ORDER BY clock ASC`
	args := []any{room, after}
	if through > 0 {
		query = `SELECT clock, delta FROM document_updates WHERE doc_id = ? AND clock > ? AND clock <= ? ORDER BY clock ASC`
		args = append(args, through)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}()

	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Clock, &u.Delta); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate updates: %w", err)
	}
	return out, nil
}

// LastClock returns the highest logged clock for a room, or 0 when the log is empty.
func (s *Store) LastClock(ctx context.Context, room string) (int64, error) {
	var clock sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(clock) FROM document_updates WHERE doc_id = ?`, room,
	).Scan(&clock); err != nil {
		return 0, fmt.Errorf("failed to query last clock: %w", err)
	}
	return clock.Int64, nil
}

// GetBlob returns a named blob, or ErrNotFound.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	return value, nil
}

// PutBlob writes a named blob.
func (s *Store) PutBlob(ctx context.Context, key string, value []byte) error {
	return retryTransient(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO blobs (key, value) VALUES (?, ?)`, key, value,
		); err != nil {
			return fmt.Errorf("failed to persist blob: %w", err)
		}
		return nil
	})
}
