package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/workflow"
)

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"approved": {"type": "boolean"},
		"comments": {"type": "array", "items": {"type": "string"}},
		"severity": {"enum": ["low", "medium", "high"]}
	},
	"required": ["approved"]
}`)

// Reviewer judges the accumulated result of all executed batches.
type Reviewer struct {
	Driver driver.Driver

	// Diff supplies the accumulated change text of a worktree for the
	// review prompt. Nil reviews from the plan and step outputs alone.
	Diff func(ctx context.Context, worktree string) (string, error)
}

// Review asks the review driver for a verdict on the executed work and
// returns it with the driver session id.
func (r *Reviewer) Review(ctx context.Context, state workflow.ExecutionState) (*workflow.ReviewResult, string, error) {
	var diff string
	if r.Diff != nil {
		var err error
		if diff, err = r.Diff(ctx, state.WorktreePath); err != nil {
			return nil, "", fmt.Errorf("failed to collect diff for review: %w", err)
		}
	}

	raw, sessionID, err := r.Driver.Generate(ctx, []driver.Message{
		{Role: driver.RoleUser, Content: r.buildPrompt(state, diff)},
	}, reviewSchema)
	if err != nil {
		return nil, "", fmt.Errorf("review failed: %w", err)
	}

	var result workflow.ReviewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, "", fmt.Errorf("failed to decode review result: %w", err)
	}
	return &result, sessionID, nil
}

func (r *Reviewer) buildPrompt(state workflow.ExecutionState, diff string) string {
	var sb strings.Builder
	sb.WriteString("You are a code reviewer. Judge whether the executed work achieves the goal.\n\n")
	if state.Issue.ID != "" {
		fmt.Fprintf(&sb, "Issue %s: %s\n%s\n\n", state.Issue.ID, state.Issue.Title, state.Issue.Description)
	}
	if state.Plan != nil {
		fmt.Fprintf(&sb, "Goal: %s\n\n", state.Plan.Goal)
	}

	sb.WriteString("Executed batches:\n")
	for _, br := range state.BatchResults {
		fmt.Fprintf(&sb, "Batch %d (%s):\n", br.BatchNumber, br.Status)
		for _, sr := range br.CompletedSteps {
			fmt.Fprintf(&sb, "  - %s: %s", sr.StepID, sr.Status)
			if sr.Error != "" {
				fmt.Fprintf(&sb, " (%s)", sr.Error)
			}
			sb.WriteString("\n")
		}
	}
	if len(state.SkippedStepIDs) > 0 {
		sb.WriteString("\nSome steps were skipped by human resolution; judge whether the remaining work is still coherent.\n")
	}
	if diff != "" {
		sb.WriteString("\nAccumulated diff:\n```\n")
		sb.WriteString(diff)
		sb.WriteString("\n```\n")
	}
	sb.WriteString("\nRespond with approved, a list of comments for anything that must change, and an overall severity.")
	return sb.String()
}
