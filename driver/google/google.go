// Package google adapts Google's Gemini API to the driver contract.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/dshills/orchestra-go/driver"
	"github.com/dshills/orchestra-go/events"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

// Driver calls the Gemini API. Close releases the underlying client.
type Driver struct {
	client   *genai.Client
	model    string
	recorder driver.Recorder
}

// New creates a Driver. An empty apiKey falls back to the
// GOOGLE_API_KEY environment variable; an empty model uses
// DefaultModel. The recorder may be nil.
func New(ctx context.Context, apiKey, model string, recorder driver.Recorder) (*Driver, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, &driver.ConfigurationError{Driver: "google", Missing: "GOOGLE_API_KEY"}
		}
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &Driver{client: client, model: model, recorder: recorder}, nil
}

// Close releases the underlying client.
func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Generate implements driver.Driver with JSON response MIME type.
func (d *Driver) Generate(ctx context.Context, messages []driver.Message, schema json.RawMessage) (json.RawMessage, string, error) {
	model := d.client.GenerativeModel(d.model)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(flattenMessages(messages, schema)))
	if err != nil {
		return nil, "", fmt.Errorf("google generate failed: %w", err)
	}
	d.recordUsage(resp)

	text := extractText(resp)
	text = strings.TrimSpace(text)
	if !json.Valid([]byte(text)) {
		return nil, "", fmt.Errorf("driver response is not valid JSON: %.200s", text)
	}
	return json.RawMessage(text), uuid.NewString(), nil
}

// ExecuteAgentic implements driver.Driver as a single generation whose
// output is replayed as agent_output events.
func (d *Driver) ExecuteAgentic(ctx context.Context, prompt, cwd string) (<-chan events.StreamEvent, error) {
	model := d.client.GenerativeModel(d.model)

	full := fmt.Sprintf("Working directory: %s\n\n%s", cwd, prompt)
	resp, err := model.GenerateContent(ctx, genai.Text(full))
	if err != nil {
		return nil, &driver.AgenticExecutionError{Message: err.Error()}
	}
	d.recordUsage(resp)

	ch := make(chan events.StreamEvent, 8)
	go func() {
		defer close(ch)
		for _, chunk := range strings.Split(extractText(resp), "\n\n") {
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			select {
			case ch <- events.StreamEvent{Subtype: events.StreamAgentOutput, Content: chunk, Agent: "google"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (d *Driver) recordUsage(resp *genai.GenerateContentResponse) {
	if d.recorder == nil || resp == nil || resp.UsageMetadata == nil {
		return
	}
	d.recorder(driver.Usage{
		Model:        d.model,
		InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
	})
}

// flattenMessages folds a conversation into one prompt; Gemini's
// GenerateContent takes a single text part here.
func flattenMessages(messages []driver.Message, schema json.RawMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(strings.ToUpper(string(m.Role)))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	if len(schema) > 0 {
		sb.WriteString("Respond ONLY with a JSON object matching this schema:\n")
		sb.Write(schema)
	}
	return sb.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
