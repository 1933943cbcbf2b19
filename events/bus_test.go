package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBroadcaster captures fan-out calls for assertions.
type recordingBroadcaster struct {
	mu      sync.Mutex
	events  []WorkflowEvent
	streams []StreamEvent
}

func (r *recordingBroadcaster) Broadcast(e WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingBroadcaster) BroadcastStream(e StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, e)
}

func (r *recordingBroadcaster) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), len(r.streams)
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelInfo, LevelFor(EventWorkflowStarted))
	assert.Equal(t, LevelInfo, LevelFor(EventApprovalRequired))
	assert.Equal(t, LevelInfo, LevelFor(EventReviewCompleted))
	assert.Equal(t, LevelDebug, LevelFor(EventTaskStarted))
	assert.Equal(t, LevelDebug, LevelFor(EventFileModified))
	assert.Equal(t, LevelDebug, LevelFor(EventAgentMessage))
	assert.Equal(t, LevelDebug, LevelFor(EventSystemWarning))
	assert.Equal(t, LevelTrace, LevelFor(EventStream))
}

func TestSequencer(t *testing.T) {
	t.Run("starts at one and is monotonic", func(t *testing.T) {
		s := NewSequencer(nil)
		for want := int64(1); want <= 3; want++ {
			got, err := s.Next("wf-1")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		// Independent counters per workflow.
		got, err := s.Next("wf-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("seeds from persisted maximum", func(t *testing.T) {
		s := NewSequencer(func(id string) (int64, error) { return 41, nil })
		got, err := s.Next("wf-1")
		require.NoError(t, err)
		assert.Equal(t, int64(42), got)
	})

	t.Run("seed errors propagate", func(t *testing.T) {
		boom := errors.New("db down")
		s := NewSequencer(func(id string) (int64, error) { return 0, boom })
		_, err := s.Next("wf-1")
		assert.ErrorIs(t, err, boom)
	})
}

func TestBus_Emit(t *testing.T) {
	t.Run("subscribers receive events in registration order", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)
		var order []string
		bus.Subscribe(func(e WorkflowEvent) { order = append(order, "first") })
		bus.Subscribe(func(e WorkflowEvent) { order = append(order, "second") })

		_, err := bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("fills ID, timestamp, level, and sequence", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)

		first, err := bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
		require.NoError(t, err)
		second, err := bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventStageStarted})
		require.NoError(t, err)

		assert.NotEmpty(t, first.ID)
		assert.False(t, first.Timestamp.IsZero())
		assert.Equal(t, LevelInfo, first.Level)
		assert.Equal(t, int64(1), first.Sequence)
		assert.Equal(t, int64(2), second.Sequence)
	})

	t.Run("panicking subscriber never escapes", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)
		var delivered bool
		bus.Subscribe(func(e WorkflowEvent) { panic("handler bug") })
		bus.Subscribe(func(e WorkflowEvent) { delivered = true })

		_, err := bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
		require.NoError(t, err)
		assert.True(t, delivered, "later subscribers still run")
	})

	t.Run("unsubscribed handlers stop receiving", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)
		var calls int
		id := bus.Subscribe(func(e WorkflowEvent) { calls++ })

		_, _ = bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
		bus.Unsubscribe(id)
		_, _ = bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventStageStarted})

		assert.Equal(t, 1, calls)
	})

	t.Run("broadcasts to sockets asynchronously", func(t *testing.T) {
		rec := &recordingBroadcaster{}
		bus := NewBus(NewSequencer(nil), rec, nil)

		_, err := bus.Emit(WorkflowEvent{WorkflowID: "wf-1", Type: EventWorkflowStarted})
		require.NoError(t, err)
		drain(t, bus)

		evs, _ := rec.counts()
		assert.Equal(t, 1, evs)
	})
}

func TestBus_EmitStream(t *testing.T) {
	t.Run("retention disabled keeps stream events out of the log", func(t *testing.T) {
		rec := &recordingBroadcaster{}
		bus := NewBus(NewSequencer(nil), rec, nil)
		var persisted []WorkflowEvent
		bus.Subscribe(func(e WorkflowEvent) { persisted = append(persisted, e) })

		require.NoError(t, bus.EmitStream(StreamEvent{WorkflowID: "wf-1", Subtype: StreamThinking, Content: "hmm"}))
		drain(t, bus)

		assert.Empty(t, persisted, "no persisted record when retention is off")
		_, streams := rec.counts()
		assert.Equal(t, 1, streams, "sockets still receive the stream event")
	})

	t.Run("retention enabled persists with a sequence", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)
		bus.Configure(7, false)
		var persisted []WorkflowEvent
		bus.Subscribe(func(e WorkflowEvent) { persisted = append(persisted, e) })

		require.NoError(t, bus.EmitStream(StreamEvent{WorkflowID: "wf-1", Subtype: StreamThinking, Content: "hmm"}))
		drain(t, bus)

		require.Len(t, persisted, 1)
		assert.Equal(t, EventStream, persisted[0].Type)
		assert.Equal(t, LevelTrace, persisted[0].Level)
		assert.Equal(t, int64(1), persisted[0].Sequence)
	})

	t.Run("persisted stream events reach sockets exactly once", func(t *testing.T) {
		rec := &recordingBroadcaster{}
		bus := NewBus(NewSequencer(nil), rec, nil)
		bus.Configure(7, false)
		var persisted []WorkflowEvent
		bus.Subscribe(func(e WorkflowEvent) { persisted = append(persisted, e) })

		require.NoError(t, bus.EmitStream(StreamEvent{WorkflowID: "wf-1", Subtype: StreamThinking, Content: "hmm"}))
		drain(t, bus)

		require.Len(t, persisted, 1, "still persisted via the subscriber path")
		evs, streams := rec.counts()
		assert.Equal(t, 1, streams, "one stream frame to sockets")
		assert.Zero(t, evs, "no second fan-out of the converted event")
	})

	t.Run("tool results are suppressed unless opted in", func(t *testing.T) {
		bus := NewBus(NewSequencer(nil), nil, nil)
		bus.Configure(7, false)
		var persisted []WorkflowEvent
		bus.Subscribe(func(e WorkflowEvent) { persisted = append(persisted, e) })

		require.NoError(t, bus.EmitStream(StreamEvent{WorkflowID: "wf-1", Subtype: StreamToolResult, Content: "output"}))
		assert.Empty(t, persisted)

		bus.Configure(7, true)
		require.NoError(t, bus.EmitStream(StreamEvent{WorkflowID: "wf-1", Subtype: StreamToolResult, Content: "output"}))
		assert.Len(t, persisted, 1)
		drain(t, bus)
	})
}
