package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket records frames and optionally fails writes.
type fakeSocket struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
	closed bool
}

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, v.(Frame))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) received() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestHub_EmptySubscriptionMeansAll(t *testing.T) {
	hub := NewHub()
	sock := &fakeSocket{}
	hub.register(sock)

	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-2", Type: EventWorkflowStarted})

	assert.Len(t, sock.received(), 2)
}

func TestHub_SubscriptionFiltering(t *testing.T) {
	hub := NewHub()
	sock := &fakeSocket{}
	conn := hub.register(sock)
	conn.Subscribe("wf-1")

	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-2", Type: EventWorkflowStarted})

	frames := sock.received()
	require.Len(t, frames, 1)
	payload := frames[0].Payload.(WorkflowEvent)
	assert.Equal(t, "wf-1", payload.WorkflowID)

	// Unsubscribing the only workflow falls back to "all".
	conn.Unsubscribe("wf-1")
	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-3", Type: EventWorkflowStarted})
	assert.Len(t, sock.received(), 2)
}

func TestHub_SubscribeAllOverridesFilter(t *testing.T) {
	hub := NewHub()
	sock := &fakeSocket{}
	conn := hub.register(sock)
	conn.Subscribe("wf-1")
	conn.SubscribeAll()

	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-9", Type: EventWorkflowStarted})
	assert.Len(t, sock.received(), 1)
}

func TestHub_SendErrorRemovesConnection(t *testing.T) {
	hub := NewHub()
	healthy := &fakeSocket{}
	broken := &fakeSocket{fail: true}
	hub.register(healthy)
	hub.register(broken)

	hub.Broadcast(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})

	assert.Equal(t, 1, hub.Count(), "failing connection removed")
	assert.True(t, broken.closed)
	assert.Len(t, healthy.received(), 1)
}

func TestHub_BroadcastStream(t *testing.T) {
	hub := NewHub()
	sock := &fakeSocket{}
	hub.register(sock)

	hub.BroadcastStream(StreamEvent{
		WorkflowID: "wf-1",
		Subtype:    StreamToolCall,
		ToolName:   "Edit",
		Content:    "editing main.go",
	})

	frames := sock.received()
	require.Len(t, frames, 1)
	assert.Equal(t, "event", frames[0].Type)
	payload := frames[0].Payload.(WorkflowEvent)
	assert.Equal(t, EventStream, payload.Type)
	assert.Equal(t, LevelTrace, payload.Level)
	assert.Zero(t, payload.Sequence, "stream events are unsequenced")
	assert.Equal(t, "claude_tool_call", payload.Payload["subtype"])
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	a, b := &fakeSocket{}, &fakeSocket{}
	hub.register(a)
	hub.register(b)

	hub.Close()

	assert.Zero(t, hub.Count())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
