package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for deployments where checkpoints
// must be shared across hosts or survive independently of the
// orchestrator machine.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time, e.g. "user:pass@tcp(localhost:3306)/orchestra?parseTime=true".
type MySQLStore[S any] struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL checkpoint store with the given DSN.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore[S]) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			state LONGTEXT NOT NULL,
			next_node VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			UNIQUE KEY uq_thread_checkpoint (thread_id, checkpoint_id),
			KEY idx_thread_step (thread_id, step)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create thread_checkpoints table: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *MySQLStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
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
func (s *MySQLStore[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, state, next_node, step, created_at
		FROM thread_checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC, id DESC
		LIMIT 1`, threadID)
	return s.scan(row, threadID)
}

// Load implements Store.
func (s *MySQLStore[S]) Load(ctx context.Context, threadID, checkpointID string) (Checkpoint[S], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, state, next_node, step, created_at
		FROM thread_checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID)
	return s.scan(row, threadID)
}

func (s *MySQLStore[S]) scan(row *sql.Row, threadID string) (Checkpoint[S], error) {
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
func (s *MySQLStore[S]) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM thread_checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// PruneBefore implements Store.
func (s *MySQLStore[S]) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE tc FROM thread_checkpoints tc
		LEFT JOIN (
			SELECT thread_id, MAX(step) AS max_step
			FROM thread_checkpoints
			GROUP BY thread_id
		) heads ON heads.thread_id = tc.thread_id AND heads.max_step = tc.step
		WHERE tc.created_at < ? AND heads.thread_id IS NULL`, cutoff.UTC())
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
func (s *MySQLStore[S]) Close() error {
	return s.db.Close()
}
