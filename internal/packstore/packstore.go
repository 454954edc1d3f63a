// Package packstore provides a WAL-mode SQLite-backed local history and
// upload queue of built packs, adapted from the teacher's alert queue
// (internal/queue/sqlite_queue.go): every pack written by a session is
// persisted here with submitted = 0 until internal/dashboard/client
// confirms the dashboard has it, giving at-least-once delivery across
// process restarts.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. Within one Store
// all access goes through a single pooled connection (see Open), so the
// session controller's Record calls and the dashboard reporter's
// Pending/Ack calls take turns on it.
//
// # At-least-once delivery
//
// The submitted column is set to 1 only when Ack is called. If the process
// crashes between Record and Ack, the pack is returned again by the next
// Pending call after restart.
package packstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed local record of every pack built by this
// host. It is safe for concurrent use.
type Store struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
//
// Open seeds the internal depth counter from the number of rows currently
// marked unsubmitted, so Depth() is accurate immediately after a
// crash-recovery restart.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("packstore: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises every session's Record call through it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("packstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("packstore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("packstore: apply schema: %w", err)
	}

	s := &Store{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM pack_history WHERE submitted = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("packstore: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS pack_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device       TEXT    NOT NULL,
    path         TEXT    NOT NULL,
    path_count   INTEGER NOT NULL,
    block_count  INTEGER NOT NULL,
    built_at     TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    submitted    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pack_history_pending
    ON pack_history (submitted, id);
`

// Built describes one pack written by the session controller.
type Built struct {
	Device     string
	Path       string
	PathCount  int
	BlockCount int
	BuiltAt    time.Time
}

// Record persists a newly built pack, marked unsubmitted.
func (s *Store) Record(ctx context.Context, b Built) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pack_history (device, path, path_count, block_count, built_at)
		 VALUES (?, ?, ?, ?, ?)`,
		b.Device, b.Path, b.PathCount, b.BlockCount, b.BuiltAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("packstore: record: %w", err)
	}
	s.depth.Add(1)
	return nil
}

// PendingPack is an unsubmitted pack record returned by Pending.
type PendingPack struct {
	ID int64
	Built
}

// Pending returns up to n unsubmitted packs in build order (oldest first).
// It does not mark them submitted; call Ack with the returned IDs after the
// dashboard confirms receipt. If n <= 0, Pending returns nil.
func (s *Store) Pending(ctx context.Context, n int) ([]PendingPack, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, path, path_count, block_count, built_at
		 FROM   pack_history
		 WHERE  submitted = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("packstore: pending query: %w", err)
	}
	defer rows.Close()

	var packs []PendingPack
	for rows.Next() {
		var (
			pp       PendingPack
			builtAtS string
		)
		if err := rows.Scan(&pp.ID, &pp.Device, &pp.Path, &pp.PathCount, &pp.BlockCount, &builtAtS); err != nil {
			return nil, fmt.Errorf("packstore: pending scan: %w", err)
		}
		pp.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAtS)
		if err != nil {
			pp.BuiltAt, _ = time.Parse(time.RFC3339, builtAtS)
		}
		packs = append(packs, pp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("packstore: pending rows: %w", err)
	}
	return packs, nil
}

// Ack marks the packs identified by ids as submitted. Idempotent: acking an
// already-submitted id is a no-op for that id.
func (s *Store) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE pack_history SET submitted = 1 WHERE id IN (%s) AND submitted = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("packstore: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unsubmitted) packs.
func (s *Store) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
