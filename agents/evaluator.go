package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/workflow"
)

// CommentDecision classifies one review comment.
type CommentDecision string

const (
	DecisionImplement CommentDecision = "implement"
	DecisionReject    CommentDecision = "reject"
	DecisionDefer     CommentDecision = "defer"
)

var evaluationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"comment": {"type": "string"},
					"decision": {"enum": ["implement", "reject", "defer"]},
					"reason": {"type": "string"}
				},
				"required": ["comment", "decision"]
			}
		}
	},
	"required": ["items"]
}`)

// Evaluation is one classified review comment.
type Evaluation struct {
	Comment  string          `json:"comment"`
	Decision CommentDecision `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}

// Evaluator triages review comments before the fix loop acts on them.
type Evaluator struct {
	Driver driver.Driver
}

// Evaluate classifies each comment and returns the ones to implement,
// the full classification, and the driver session id.
func (e *Evaluator) Evaluate(ctx context.Context, state workflow.ExecutionState, comments []string) ([]string, []Evaluation, string, error) {
	if len(comments) == 0 {
		return nil, nil, "", nil
	}

	var sb strings.Builder
	sb.WriteString("Triage these code review comments. For each, decide whether to implement it now, reject it as wrong, or defer it as out of scope.\n\n")
	if state.Plan != nil {
		fmt.Fprintf(&sb, "Goal: %s\n\n", state.Plan.Goal)
	}
	for _, c := range comments {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}

	raw, sessionID, err := e.Driver.Generate(ctx, []driver.Message{
		{Role: driver.RoleUser, Content: sb.String()},
	}, evaluationSchema)
	if err != nil {
		return nil, nil, "", fmt.Errorf("evaluation failed: %w", err)
	}

	var out struct {
		Items []Evaluation `json:"items"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, "", fmt.Errorf("failed to decode evaluation: %w", err)
	}

	var implement []string
	for _, item := range out.Items {
		if item.Decision == DecisionImplement {
			implement = append(implement, item.Comment)
		}
	}
	return implement, out.Items, sessionID, nil
}
