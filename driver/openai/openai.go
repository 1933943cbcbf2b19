// Package openai adapts OpenAI's chat completions API to the driver
// contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/events"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// Driver calls OpenAI chat completions. Safe for concurrent use.
type Driver struct {
	client   *openai.Client
	model    string
	recorder driver.Recorder
}

// New creates a Driver. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable; an empty model uses
// DefaultModel. The recorder may be nil.
func New(apiKey, model string, recorder driver.Recorder) (*Driver, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, &driver.ConfigurationError{Driver: "openai", Missing: "OPENAI_API_KEY"}
		}
	}
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Driver{client: &client, model: model, recorder: recorder}, nil
}

// Generate implements driver.Driver using JSON-object response format.
func (d *Driver) Generate(ctx context.Context, messages []driver.Message, schema json.RawMessage) (json.RawMessage, string, error) {
	completion, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(d.model),
		Messages: toOpenAIMessages(messages, schema),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		},
		Temperature: openai.Float(1.0),
	})
	if err != nil {
		return nil, "", fmt.Errorf("openai generate failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, "", fmt.Errorf("no response from openai")
	}

	if d.recorder != nil {
		d.recorder(driver.Usage{
			Model:        d.model,
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		})
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, "", fmt.Errorf("driver response is not valid JSON: %.200s", content)
	}
	return json.RawMessage(content), completion.ID, nil
}

// ExecuteAgentic implements driver.Driver as a single generation whose
// output is replayed as agent_output events.
func (d *Driver) ExecuteAgentic(ctx context.Context, prompt, cwd string) (<-chan events.StreamEvent, error) {
	full := fmt.Sprintf("Working directory: %s\n\n%s", cwd, prompt)

	completion, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(full),
					},
				},
			},
		},
	})
	if err != nil {
		return nil, &driver.AgenticExecutionError{Message: err.Error()}
	}
	if len(completion.Choices) == 0 {
		return nil, &driver.AgenticExecutionError{Message: "no response from openai"}
	}

	if d.recorder != nil {
		d.recorder(driver.Usage{
			Model:        d.model,
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		})
	}

	ch := make(chan events.StreamEvent, 8)
	go func() {
		defer close(ch)
		for _, chunk := range strings.Split(completion.Choices[0].Message.Content, "\n\n") {
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			select {
			case ch <- events.StreamEvent{Subtype: events.StreamAgentOutput, Content: chunk, Agent: "openai"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func toOpenAIMessages(messages []driver.Message, schema json.RawMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i, m := range messages {
		content := m.Content
		if i == len(messages)-1 && len(schema) > 0 {
			content += "\n\nRespond ONLY with a JSON object matching this schema:\n" + string(schema)
		}
		switch m.Role {
		case driver.RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(content),
					},
				},
			})
		case driver.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(content),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(content),
					},
				},
			})
		}
	}
	return out
}
