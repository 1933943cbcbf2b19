package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/workflow"
)

// timeLayout is fixed-width so stored timestamps compare
// lexicographically in chronological order.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id             TEXT PRIMARY KEY,
	issue_id       TEXT NOT NULL,
	worktree_path  TEXT NOT NULL,
	worktree_name  TEXT NOT NULL DEFAULT '',
	profile_id     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	current_stage  TEXT NOT NULL DEFAULT '',
	plan_only      INTEGER NOT NULL DEFAULT 0,
	external_plan  INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_active_worktree
	ON workflows(worktree_path)
	WHERE status IN ('pending', 'in_progress', 'blocked', 'planning');

CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);

CREATE TABLE IF NOT EXISTS workflow_events (
	id             TEXT PRIMARY KEY,
	workflow_id    TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	timestamp      TEXT NOT NULL,
	agent          TEXT NOT NULL DEFAULT '',
	event_type     TEXT NOT NULL,
	level          TEXT NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	correlation_id TEXT NOT NULL DEFAULT '',
	UNIQUE(workflow_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON workflow_events(timestamp);

CREATE TABLE IF NOT EXISTS token_usage (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id   TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL DEFAULT 0,
	recorded_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_recorded ON token_usage(recorded_at);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed workflow store at
// path. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create inserts a new workflow record. It rejects duplicate ids and a
// second active workflow on the same worktree, in one transaction.
func (s *SQLiteStore) Create(ctx context.Context, wf workflow.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, wf.ID).Scan(&exists)
	if err == nil {
		return &WorkflowConflictError{ID: wf.ID}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check workflow id: %w", err)
	}

	if wf.Status.IsActive() {
		var other string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM workflows WHERE worktree_path = ?
			 AND status IN ('pending', 'in_progress', 'blocked', 'planning')`,
			wf.WorktreePath).Scan(&other)
		if err == nil {
			return &WorkflowConflictError{ID: other, WorktreePath: wf.WorktreePath}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check worktree exclusivity: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows
			(id, issue_id, worktree_path, worktree_name, profile_id, status,
			 created_at, started_at, completed_at, failure_reason, current_stage,
			 plan_only, external_plan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.IssueID, wf.WorktreePath, wf.WorktreeName, wf.ProfileID,
		string(wf.Status), formatTime(wf.CreatedAt),
		nullableTime(wf.StartedAt), nullableTime(wf.CompletedAt),
		wf.FailureReason, wf.CurrentStage, boolToInt(wf.PlanOnly), boolToInt(wf.ExternalPlan))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return tx.Commit()
}

const workflowColumns = `id, issue_id, worktree_path, worktree_name, profile_id, status,
	created_at, started_at, completed_at, failure_reason, current_stage, plan_only, external_plan`

// Get returns the workflow with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, &WorkflowNotFoundError{ID: id}
	}
	return wf, err
}

// GetByWorktree returns the active workflow on a worktree, if any.
func (s *SQLiteStore) GetByWorktree(ctx context.Context, path string) (workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE worktree_path = ?
		 AND status IN ('pending', 'in_progress', 'blocked', 'planning')`, path)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, &WorkflowNotFoundError{ID: path}
	}
	return wf, err
}

// Update replaces the mutable fields of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, wf workflow.Workflow) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			issue_id = ?, worktree_path = ?, worktree_name = ?, profile_id = ?,
			status = ?, started_at = ?, completed_at = ?, failure_reason = ?,
			current_stage = ?, plan_only = ?, external_plan = ?
		WHERE id = ?`,
		wf.IssueID, wf.WorktreePath, wf.WorktreeName, wf.ProfileID,
		string(wf.Status), nullableTime(wf.StartedAt), nullableTime(wf.CompletedAt),
		wf.FailureReason, wf.CurrentStage, boolToInt(wf.PlanOnly), boolToInt(wf.ExternalPlan),
		wf.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &WorkflowNotFoundError{ID: wf.ID}
	}
	return nil
}

// SetStatus validates and applies a status transition atomically. It
// stamps started_at on the first move to in_progress and completed_at on
// any terminal status.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status workflow.Status, failureReason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var startedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, started_at FROM workflows WHERE id = ?`, id).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &WorkflowNotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read workflow status: %w", err)
	}

	if err := workflow.ValidateTransition(workflow.Status(current), status); err != nil {
		return err
	}

	now := formatTime(time.Now())
	newStarted := startedAt
	if status == workflow.StatusInProgress && !startedAt.Valid {
		newStarted = sql.NullString{String: now, Valid: true}
	}
	var completed sql.NullString
	if status.IsTerminal() || status == workflow.StatusFailed {
		completed = sql.NullString{String: now, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, failure_reason = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(status), failureReason, newStarted, completed, id)
	if err != nil {
		return fmt.Errorf("failed to set workflow status: %w", err)
	}
	return tx.Commit()
}

// ListActive returns all workflows holding their worktree, newest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]workflow.Workflow, error) {
	return s.ListByStatus(ctx,
		workflow.StatusPending, workflow.StatusInProgress,
		workflow.StatusBlocked, workflow.StatusPlanning)
}

// ListByStatus returns workflows in any of the given statuses.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status IN (`+placeholders+`)
		 ORDER BY COALESCE(started_at, created_at) DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// List returns one page of workflows matching the filter, newest first,
// plus the cursor for the next page ("" when exhausted).
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter, limit int, cursor string) ([]workflow.Workflow, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		ph := strings.Repeat("?,", len(filter.Statuses))
		conds = append(conds, "status IN ("+ph[:len(ph)-1]+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if cursor != "" {
		ts, id, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		key := formatTime(ts)
		conds = append(conds,
			"(COALESCE(started_at, created_at) < ? OR (COALESCE(started_at, created_at) = ? AND id < ?))")
		args = append(args, key, key, id)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY COALESCE(started_at, created_at) DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	wfs, err := collectWorkflows(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(wfs) > limit {
		wfs = wfs[:limit]
		last := wfs[limit-1]
		key := last.CreatedAt
		if last.StartedAt != nil {
			key = *last.StartedAt
		}
		next = EncodeCursor(key, last.ID)
	}
	return wfs, next, nil
}

// CountActive returns the number of workflows holding a worktree.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows
		 WHERE status IN ('pending', 'in_progress', 'blocked', 'planning')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workflows: %w", err)
	}
	return n, nil
}

// CountByFilter returns the number of workflows matching the filter.
func (s *SQLiteStore) CountByFilter(ctx context.Context, filter ListFilter) (int, error) {
	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		ph := strings.Repeat("?,", len(filter.Statuses))
		conds = append(conds, "status IN ("+ph[:len(ph)-1]+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}

	query := `SELECT COUNT(*) FROM workflows`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count workflows: %w", err)
	}
	return n, nil
}

// SaveEvent appends an event in one transaction. The (workflow_id,
// sequence) unique index rejects duplicate or out-of-band sequences.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event events.WorkflowEvent) error {
	var payload any
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events
			(id, workflow_id, sequence, timestamp, agent, event_type, level,
			 message, payload, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.WorkflowID, event.Sequence, formatTime(event.Timestamp),
		event.Agent, string(event.Type), string(event.Level), event.Message,
		payload, event.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetMaxEventSequence returns the highest sequence persisted for a
// workflow, or 0 when none exists.
func (s *SQLiteStore) GetMaxEventSequence(ctx context.Context, workflowID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM workflow_events WHERE workflow_id = ?`, workflowID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max event sequence: %w", err)
	}
	return maxSeq.Int64, nil
}

// Events returns the ordered event log after a sequence number.
func (s *SQLiteStore) Events(ctx context.Context, workflowID string, afterSequence int64) ([]events.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, sequence, timestamp, agent, event_type, level,
		       message, payload, correlation_id
		FROM workflow_events
		WHERE workflow_id = ? AND sequence > ?
		ORDER BY sequence ASC`, workflowID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.WorkflowEvent
	for rows.Next() {
		var ev events.WorkflowEvent
		var ts string
		var eventType, level string
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Sequence, &ts, &ev.Agent,
			&eventType, &level, &ev.Message, &payload, &ev.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = events.EventType(eventType)
		ev.Level = events.Level(level)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes events older than the cutoff at the given
// levels, for retention cleanup. It returns the number deleted.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time, levels ...events.Level) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}
	ph := strings.Repeat("?,", len(levels))
	args := []any{formatTime(cutoff)}
	for _, l := range levels {
		args = append(args, string(l))
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_events WHERE timestamp < ? AND level IN (`+ph[:len(ph)-1]+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SaveTokenUsage records one driver call's token consumption.
func (s *SQLiteStore) SaveTokenUsage(ctx context.Context, usage TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (workflow_id, model, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		usage.WorkflowID, usage.Model, usage.InputTokens, usage.OutputTokens,
		usage.CostUSD, formatTime(usage.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to save token usage: %w", err)
	}
	return nil
}

// UsageTrend aggregates token usage per day within [start, end), with a
// per-model breakdown for each day.
func (s *SQLiteStore) UsageTrend(ctx context.Context, start, end time.Time) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(recorded_at, 1, 10) AS day, model,
		       SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM token_usage
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY day, model
		ORDER BY day ASC`, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage trend: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	byDay := make(map[string]*DailyUsage)
	for rows.Next() {
		var day, model string
		var mu ModelUsage
		if err := rows.Scan(&day, &model, &mu.InputTokens, &mu.OutputTokens, &mu.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		du, ok := byDay[day]
		if !ok {
			out = append(out, DailyUsage{Date: day, ByModel: make(map[string]ModelUsage)})
			du = &out[len(out)-1]
			byDay[day] = du
		}
		du.InputTokens += mu.InputTokens
		du.OutputTokens += mu.OutputTokens
		du.CostUSD += mu.CostUSD
		du.ByModel[model] = mu
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (workflow.Workflow, error) {
	var wf workflow.Workflow
	var status, createdAt string
	var startedAt, completedAt sql.NullString
	var planOnly, externalPlan int

	err := row.Scan(&wf.ID, &wf.IssueID, &wf.WorktreePath, &wf.WorktreeName,
		&wf.ProfileID, &status, &createdAt, &startedAt, &completedAt,
		&wf.FailureReason, &wf.CurrentStage, &planOnly, &externalPlan)
	if err != nil {
		return workflow.Workflow{}, err
	}

	wf.Status = workflow.Status(status)
	wf.PlanOnly = planOnly != 0
	wf.ExternalPlan = externalPlan != 0
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return workflow.Workflow{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return workflow.Workflow{}, fmt.Errorf("failed to parse started_at: %w", err)
		}
		wf.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return workflow.Workflow{}, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		wf.CompletedAt = &t
	}
	return wf, nil
}

func collectWorkflows(rows *sql.Rows) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
