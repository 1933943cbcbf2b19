// Package agents implements the workflow stages: the architect that
// plans, the developer that executes batches, and the reviewer that
// judges the result.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/shell"
	"github.com/dshills/orchestra-go/workflow"
)

// DefaultPlanPathPattern places plan artifacts under the worktree.
// {date} expands to YYYY-MM-DD and {issue_key} to the slugged issue id.
const DefaultPlanPathPattern = "docs/plans/{date}-{issue_key}.md"

// planSchema describes the ExecutionPlan object the driver must return.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"total_estimated_minutes": {"type": "integer"},
		"tdd_approach": {"type": "boolean"},
		"batches": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"number": {"type": "integer"},
					"description": {"type": "string"},
					"risk_summary": {"enum": ["low", "medium", "high"]},
					"steps": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"description": {"type": "string"},
								"action_type": {"enum": ["code", "command", "validation", "manual"]},
								"file_path": {"type": "string"},
								"code_change": {"type": "string"},
								"command": {"type": "string"},
								"validation_command": {"type": "string"},
								"fallback_commands": {"type": "array", "items": {"type": "string"}},
								"depends_on": {"type": "array", "items": {"type": "string"}},
								"risk_level": {"enum": ["low", "medium", "high"]},
								"expect_exit_code": {"type": "integer"},
								"expected_output_pattern": {"type": "string"},
								"cwd": {"type": "string"}
							},
							"required": ["id", "description", "action_type", "risk_level"]
						}
					}
				},
				"required": ["number", "steps", "risk_summary"]
			}
		}
	},
	"required": ["goal", "batches"]
}`)

// Architect turns an issue into an execution plan and writes the plan
// artifact under the worktree.
type Architect struct {
	Driver driver.Driver

	// Writer confines plan artifacts to a fixed root. Nil derives a
	// writer from the worktree passed to Plan; an empty worktree skips
	// the artifact entirely.
	Writer *shell.FileWriter

	// PlanPathPattern overrides DefaultPlanPathPattern when set.
	PlanPathPattern string

	// Clock is replaceable in tests. Nil means time.Now.
	Clock func() time.Time
}

// Plan calls the planning driver and returns the generated plan, the
// plan artifact path (relative to the worktree), and the driver session
// id for continuity.
func (a *Architect) Plan(ctx context.Context, issue workflow.Issue, design, worktree string) (*workflow.ExecutionPlan, string, string, error) {
	prompt := a.buildPrompt(issue, design)
	raw, sessionID, err := a.Driver.Generate(ctx, []driver.Message{
		{Role: driver.RoleUser, Content: prompt},
	}, planSchema)
	if err != nil {
		return nil, "", "", fmt.Errorf("planning failed: %w", err)
	}

	var plan workflow.ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, "", "", fmt.Errorf("failed to decode execution plan: %w", err)
	}

	planPath := a.planPath(issue)
	writer := a.Writer
	if writer == nil && worktree != "" {
		writer = shell.NewFileWriter(worktree)
	}
	if writer != nil {
		if err := writer.Write(planPath, RenderPlan(issue, &plan)); err != nil {
			return nil, "", "", fmt.Errorf("failed to write plan artifact: %w", err)
		}
	}
	return &plan, planPath, sessionID, nil
}

// FixPlan synthesizes a single-batch plan addressing review comments.
func (a *Architect) FixPlan(ctx context.Context, state workflow.ExecutionState, comments []string) (*workflow.ExecutionPlan, string, error) {
	var sb strings.Builder
	sb.WriteString("The following changes were implemented for this goal:\n")
	if state.Plan != nil {
		sb.WriteString(state.Plan.Goal)
	}
	sb.WriteString("\n\nA code review rejected the result with these comments:\n")
	for _, c := range comments {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	sb.WriteString("\nProduce an execution plan with EXACTLY ONE batch containing the steps needed to address the review comments.")

	messages := []driver.Message{{Role: driver.RoleUser, Content: sb.String()}}
	raw, sessionID, err := a.Driver.Generate(ctx, messages, planSchema)
	if err != nil {
		return nil, "", fmt.Errorf("fix planning failed: %w", err)
	}

	var plan workflow.ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, "", fmt.Errorf("failed to decode fix plan: %w", err)
	}
	if len(plan.Batches) > 1 {
		// Collapse to a single batch; fix plans run in one pass.
		merged := workflow.Batch{Number: 1, Description: "review fixes"}
		for _, b := range plan.Batches {
			merged.Steps = append(merged.Steps, b.Steps...)
			merged.RiskSummary = workflow.MaxRisk(merged.RiskSummary, b.RiskSummary)
		}
		plan.Batches = []workflow.Batch{merged}
	}
	return &plan, sessionID, nil
}

func (a *Architect) buildPrompt(issue workflow.Issue, design string) string {
	var sb strings.Builder
	sb.WriteString("You are a software architect. Produce an execution plan for this issue.\n\n")
	sb.WriteString("Issue ")
	sb.WriteString(issue.ID)
	sb.WriteString(": ")
	sb.WriteString(issue.Title)
	sb.WriteString("\n\n")
	sb.WriteString(issue.Description)
	if design != "" {
		sb.WriteString("\n\nDesign document:\n")
		sb.WriteString(design)
	}
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- Break the work into batches of steps; each step is one file write, one command, or one validation.\n")
	sb.WriteString("- Grade every step's risk: low, medium, or high.\n")
	sb.WriteString("- Keep low-risk batches at 5 steps or fewer, medium at 3 or fewer; high-risk steps go in their own batch.\n")
	sb.WriteString("- Use depends_on to order steps that build on each other.\n")
	return sb.String()
}

func (a *Architect) planPath(issue workflow.Issue) string {
	pattern := a.PlanPathPattern
	if pattern == "" {
		pattern = DefaultPlanPathPattern
	}
	clock := a.Clock
	if clock == nil {
		clock = time.Now
	}
	path := strings.ReplaceAll(pattern, "{date}", clock().UTC().Format("2006-01-02"))
	return strings.ReplaceAll(path, "{issue_key}", Slug(issue.ID))
}

// Slug lowercases s and collapses runs of non-alphanumerics to single
// hyphens.
func Slug(s string) string {
	var sb strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && sb.Len() > 0 {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

// RenderPlan formats the plan artifact written under the worktree.
func RenderPlan(issue workflow.Issue, plan *workflow.ExecutionPlan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Execution Plan: %s\n\n", issue.Title)
	fmt.Fprintf(&sb, "Issue: %s\n\n", issue.ID)
	fmt.Fprintf(&sb, "Goal: %s\n\n", plan.Goal)
	if plan.TotalEstimatedMinutes > 0 {
		fmt.Fprintf(&sb, "Estimated: %d minutes\n\n", plan.TotalEstimatedMinutes)
	}
	for _, b := range plan.Batches {
		fmt.Fprintf(&sb, "## Batch %d (%s risk)\n\n", b.Number, b.RiskSummary)
		if b.Description != "" {
			sb.WriteString(b.Description)
			sb.WriteString("\n\n")
		}
		for _, s := range b.Steps {
			fmt.Fprintf(&sb, "- **%s** [%s/%s]: %s\n", s.ID, s.ActionType, s.RiskLevel, s.Description)
			if s.Command != "" {
				fmt.Fprintf(&sb, "  - command: `%s`\n", s.Command)
			}
			if s.FilePath != "" {
				fmt.Fprintf(&sb, "  - file: `%s`\n", s.FilePath)
			}
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(&sb, "  - depends on: %s\n", strings.Join(s.DependsOn, ", "))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
