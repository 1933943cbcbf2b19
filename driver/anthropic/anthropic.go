// Package anthropic adapts Anthropic's Claude API to the driver
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/events"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const maxTokens = 8192

// Driver calls the Anthropic Messages API. Safe for concurrent use.
type Driver struct {
	client   *anthropic.Client
	model    string
	recorder driver.Recorder
}

// New creates a Driver. An empty apiKey falls back to the
// ANTHROPIC_API_KEY environment variable; an empty model uses
// DefaultModel. The recorder may be nil.
func New(apiKey, model string, recorder driver.Recorder) (*Driver, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, &driver.ConfigurationError{Driver: "anthropic", Missing: "ANTHROPIC_API_KEY"}
		}
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Driver{client: &client, model: model, recorder: recorder}, nil
}

// Generate implements driver.Driver. The schema is appended to the
// prompt as an output-format instruction; Claude's reply is cleaned of
// markdown fences and validated as JSON.
func (d *Driver) Generate(ctx context.Context, messages []driver.Message, schema json.RawMessage) (json.RawMessage, string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(messages, schema),
	}

	message, err := d.client.Messages.New(ctx, params)
	if err != nil {
		return nil, "", fmt.Errorf("anthropic generate failed: %w", err)
	}

	if d.recorder != nil {
		d.recorder(driver.Usage{
			Model:        d.model,
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		})
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	object, err := extractJSON(text.String())
	if err != nil {
		return nil, "", err
	}
	return object, message.ID, nil
}

// ExecuteAgentic implements driver.Driver. The task runs as a single
// generation; output arrives on the stream as agent_output events, one
// per paragraph, followed by channel close.
func (d *Driver) ExecuteAgentic(ctx context.Context, prompt, cwd string) (<-chan events.StreamEvent, error) {
	full := fmt.Sprintf("Working directory: %s\n\n%s", cwd, prompt)

	message, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(full)),
		},
	})
	if err != nil {
		return nil, &driver.AgenticExecutionError{Message: err.Error()}
	}

	if d.recorder != nil {
		d.recorder(driver.Usage{
			Model:        d.model,
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		})
	}

	ch := make(chan events.StreamEvent, 8)
	go func() {
		defer close(ch)
		for _, block := range message.Content {
			if block.Type != "text" {
				continue
			}
			for _, chunk := range strings.Split(block.Text, "\n\n") {
				if strings.TrimSpace(chunk) == "" {
					continue
				}
				select {
				case ch <- events.StreamEvent{Subtype: events.StreamAgentOutput, Content: chunk, Agent: "anthropic"}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func toAnthropicMessages(messages []driver.Message, schema json.RawMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i, m := range messages {
		content := m.Content
		if i == len(messages)-1 && len(schema) > 0 {
			content += "\n\nRespond ONLY with a JSON object matching this schema, no markdown, no extra text:\n" + string(schema)
		}
		switch m.Role {
		case driver.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	return out
}

// extractJSON strips markdown fences and validates the remainder parses.
func extractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("driver response is not valid JSON: %.200s", text)
	}
	return json.RawMessage(text), nil
}
