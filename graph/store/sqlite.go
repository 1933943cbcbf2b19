package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// It keeps every thread's checkpoint chain in a single-file database,
// which makes it the right default for a single-process orchestrator:
// zero setup, durable across restarts, WAL mode for concurrent reads.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type SQLiteStore[S any] struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite checkpoint store
// at the given path. ":memory:" yields a throwaway in-process database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state TEXT NOT NULL,
			next_node TEXT NOT NULL,
			step INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, checkpoint_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create thread_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON thread_checkpoints(thread_id, step)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_checkpoints (thread_id, checkpoint_id, state, next_node, step, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, string(stateJSON), cp.NextNode, cp.Step, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, state, next_node, step, created_at
		FROM thread_checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC, id DESC
		LIMIT 1`, threadID)
	return s.scan(row, threadID)
}

// Load implements Store.
func (s *SQLiteStore[S]) Load(ctx context.Context, threadID, checkpointID string) (Checkpoint[S], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, state, next_node, step, created_at
		FROM thread_checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID)
	return s.scan(row, threadID)
}

func (s *SQLiteStore[S]) scan(row *sql.Row, threadID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	var (
		cpID      string
		stateJSON string
		nextNode  string
		step      int
		createdAt time.Time
	)
	if err := row.Scan(&cpID, &stateJSON, &nextNode, &step, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var state S
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return Checkpoint[S]{
		ThreadID:     threadID,
		CheckpointID: cpID,
		State:        state,
		NextNode:     nextNode,
		Step:         step,
		CreatedAt:    createdAt,
	}, nil
}

// DeleteThread implements Store.
func (s *SQLiteStore[S]) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM thread_checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// PruneBefore implements Store. The head checkpoint of each thread is
// retained regardless of age.
func (s *SQLiteStore[S]) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM thread_checkpoints
		WHERE created_at < ?
		  AND id NOT IN (
			SELECT id FROM (
				SELECT id, MAX(step) FROM thread_checkpoints GROUP BY thread_id
			)
		  )`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore[S]) Close() error {
	return s.db.Close()
}
