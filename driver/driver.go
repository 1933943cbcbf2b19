// Package driver defines the LLM driver contract the orchestrator
// consumes: structured generation for planning and review, and agentic
// execution streaming fine-grained progress events.
package driver

import (
	"context"
	"encoding/json"

	"github.com/dshills/orchestra-go/events"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of driver input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports one call's token consumption for cost tracking.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Recorder receives usage reports. Implementations must not block.
type Recorder func(Usage)

// AgenticExecutionError reports an error event on an agentic stream.
type AgenticExecutionError struct {
	Message string
}

func (e *AgenticExecutionError) Error() string {
	return "agentic execution failed: " + e.Message
}

// ConfigurationError reports missing adapter prerequisites such as API
// keys.
type ConfigurationError struct {
	Driver  string
	Missing string
}

func (e *ConfigurationError) Error() string {
	return e.Driver + " driver is not configured: missing " + e.Missing
}

// Driver produces structured outputs and streams agentic progress.
//
// Generate returns a JSON object conforming to the given schema plus a
// session id callers thread back for conversation continuity.
// ExecuteAgentic runs a free-form coding task in cwd; the returned
// channel closes when the task ends.
type Driver interface {
	Generate(ctx context.Context, messages []Message, schema json.RawMessage) (json.RawMessage, string, error)
	ExecuteAgentic(ctx context.Context, prompt, cwd string) (<-chan events.StreamEvent, error)
}
