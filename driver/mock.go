package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/orchestra-go/events"
)

// Mock is a scripted Driver for tests. Generate pops responses in order;
// ExecuteAgentic replays a fixed stream.
type Mock struct {
	mu        sync.Mutex
	responses []json.RawMessage
	calls     int
	stream    []events.StreamEvent
	err       error

	// LastMessages captures the most recent Generate input for
	// assertions.
	LastMessages []Message
}

// NewMock creates a Mock returning the given responses in sequence.
func NewMock(responses ...json.RawMessage) *Mock {
	return &Mock{responses: responses}
}

// Fail makes every call return err.
func (m *Mock) Fail(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStream sets the events ExecuteAgentic replays.
func (m *Mock) WithStream(evs ...events.StreamEvent) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = evs
	return m
}

// Calls returns how many Generate calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Driver.
func (m *Mock) Generate(ctx context.Context, messages []Message, schema json.RawMessage) (json.RawMessage, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, "", m.err
	}
	m.LastMessages = messages
	if m.calls >= len(m.responses) {
		return nil, "", fmt.Errorf("mock driver exhausted after %d calls", m.calls)
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, fmt.Sprintf("mock-session-%d", m.calls), nil
}

// ExecuteAgentic implements Driver.
func (m *Mock) ExecuteAgentic(ctx context.Context, prompt, cwd string) (<-chan events.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan events.StreamEvent, len(m.stream))
	for _, ev := range m.stream {
		ch <- ev
	}
	close(ch)
	return ch, nil
}
