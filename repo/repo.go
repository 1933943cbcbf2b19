// Package repo persists workflow records, their append-only event logs,
// and token-usage aggregates.
package repo

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/workflow"
)

// WorkflowNotFoundError reports a lookup for an unknown workflow id.
type WorkflowNotFoundError struct {
	ID string
}

func (e *WorkflowNotFoundError) Error() string {
	return "workflow not found: " + e.ID
}

// WorkflowConflictError reports a uniqueness violation: a duplicate
// workflow id, or a second active workflow on the same worktree.
type WorkflowConflictError struct {
	ID           string
	WorktreePath string
}

func (e *WorkflowConflictError) Error() string {
	if e.WorktreePath != "" {
		return "a workflow is already active in worktree " + e.WorktreePath
	}
	return "workflow already exists: " + e.ID
}

// ListFilter narrows List and CountByFilter.
type ListFilter struct {
	Statuses []workflow.Status
	IssueID  string
}

// TokenUsage is one recorded driver call's token consumption.
type TokenUsage struct {
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ModelUsage is one model's share of a day's usage.
type ModelUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// DailyUsage is one day of aggregated token usage.
type DailyUsage struct {
	Date         string                `json:"date"` // YYYY-MM-DD
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	CostUSD      float64               `json:"cost_usd"`
	ByModel      map[string]ModelUsage `json:"by_model"`
}

// Store is the durable record of workflows and their event logs.
//
// Create, SetStatus, and SaveEvent each run in a single transaction;
// event sequence uniqueness is enforced by the backend.
type Store interface {
	Create(ctx context.Context, wf workflow.Workflow) error
	Get(ctx context.Context, id string) (workflow.Workflow, error)
	GetByWorktree(ctx context.Context, path string) (workflow.Workflow, error)
	Update(ctx context.Context, wf workflow.Workflow) error
	SetStatus(ctx context.Context, id string, status workflow.Status, failureReason string) error

	ListActive(ctx context.Context) ([]workflow.Workflow, error)
	ListByStatus(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error)
	List(ctx context.Context, filter ListFilter, limit int, cursor string) ([]workflow.Workflow, string, error)
	CountActive(ctx context.Context) (int, error)
	CountByFilter(ctx context.Context, filter ListFilter) (int, error)

	SaveEvent(ctx context.Context, event events.WorkflowEvent) error
	GetMaxEventSequence(ctx context.Context, workflowID string) (int64, error)
	Events(ctx context.Context, workflowID string, afterSequence int64) ([]events.WorkflowEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, levels ...events.Level) (int, error)

	SaveTokenUsage(ctx context.Context, usage TokenUsage) error
	UsageTrend(ctx context.Context, start, end time.Time) ([]DailyUsage, error)

	Close() error
}

// EncodeCursor packs a pagination position into an opaque token.
func EncodeCursor(sortKey time.Time, id string) string {
	raw := sortKey.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a token produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor: missing separator")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
