package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/orchestra-go/events"
)

func TestMockGenerateSequence(t *testing.T) {
	mock := NewMock(json.RawMessage(`{"a": 1}`), json.RawMessage(`{"b": 2}`))
	ctx := context.Background()

	raw, session, err := mock.Generate(ctx, []Message{{Role: RoleUser, Content: "first"}}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(raw))
	assert.Equal(t, "mock-session-1", session)

	raw, session, err = mock.Generate(ctx, []Message{{Role: RoleUser, Content: "second"}}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b": 2}`, string(raw))
	assert.Equal(t, "mock-session-2", session)
	assert.Equal(t, 2, mock.Calls())
	assert.Equal(t, "second", mock.LastMessages[0].Content)

	_, _, err = mock.Generate(ctx, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestMockFail(t *testing.T) {
	mock := NewMock(json.RawMessage(`{}`)).Fail(assert.AnError)

	_, _, err := mock.Generate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, assert.AnError)

	_, err = mock.ExecuteAgentic(context.Background(), "prompt", ".")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMockExecuteAgenticReplaysStream(t *testing.T) {
	mock := NewMock().WithStream(
		events.StreamEvent{Subtype: events.StreamThinking, Content: "planning"},
		events.StreamEvent{Subtype: events.StreamToolCall, ToolName: "write_file"},
		events.StreamEvent{Subtype: events.StreamAgentOutput, Content: "done"},
	)

	ch, err := mock.ExecuteAgentic(context.Background(), "do the thing", "/tmp")
	require.NoError(t, err)

	var got []events.StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, events.StreamThinking, got[0].Subtype)
	assert.Equal(t, "write_file", got[1].ToolName)
	assert.Equal(t, "done", got[2].Content)
}
