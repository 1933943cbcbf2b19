package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/orchestra-go/graph/emit"
)

// Handler receives every workflow event synchronously, in registration
// order. Handlers must be non-blocking; anything needing I/O should
// schedule it as a background task.
type Handler func(WorkflowEvent)

// Broadcaster fans events out to connected sockets. Implementations must
// never block the caller for long; send failures drop the connection.
type Broadcaster interface {
	Broadcast(event WorkflowEvent)
	BroadcastStream(event StreamEvent)
}

// Bus delivers workflow events to in-process subscribers synchronously
// and to sockets asynchronously. A failing subscriber is logged and
// never blocks the emitter.
type Bus struct {
	mu          sync.Mutex
	handlers    []registration
	nextID      int
	broadcaster Broadcaster
	sequencer   *Sequencer
	logger      emit.Emitter

	traceRetentionDays int
	includeToolResults bool

	broadcasts sync.WaitGroup
}

type registration struct {
	id int
	fn Handler
}

// NewBus creates a Bus. The broadcaster and logger may be nil; the
// sequencer is required so every emitted event carries a per-workflow
// sequence.
func NewBus(sequencer *Sequencer, broadcaster Broadcaster, logger emit.Emitter) *Bus {
	if logger == nil {
		logger = emit.NewNullEmitter()
	}
	return &Bus{sequencer: sequencer, broadcaster: broadcaster, logger: logger}
}

// Configure sets retention policy for stream events. Zero days disables
// persistence of stream events entirely.
func (b *Bus) Configure(traceRetentionDays int, includeToolResults bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traceRetentionDays = traceRetentionDays
	b.includeToolResults = includeToolResults
}

// Subscribe registers a handler and returns a token for Unsubscribe.
func (b *Bus) Subscribe(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, registration{id: b.nextID, fn: h})
	return b.nextID
}

// Unsubscribe removes a previously registered handler. Unknown tokens
// are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.handlers {
		if reg.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Emit assigns the event an ID, timestamp, level, and per-workflow
// sequence (when unset), delivers it to every subscriber, then
// dispatches a fire-and-forget socket broadcast. It returns the
// completed event.
//
// Subscriber panics are recovered and logged with the event type; they
// never escape Emit.
func (b *Bus) Emit(event WorkflowEvent) (WorkflowEvent, error) {
	return b.emit(event, true)
}

func (b *Bus) emit(event WorkflowEvent, broadcast bool) (WorkflowEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelFor(event.Type)
	}
	if event.Sequence == 0 && b.sequencer != nil {
		seq, err := b.sequencer.Next(event.WorkflowID)
		if err != nil {
			return event, fmt.Errorf("failed to issue event sequence: %w", err)
		}
		event.Sequence = seq
	}

	for _, reg := range b.snapshot() {
		b.deliver(reg, event)
	}

	b.mu.Lock()
	broadcaster := b.broadcaster
	b.mu.Unlock()
	if broadcast && broadcaster != nil {
		b.broadcasts.Add(1)
		go func() {
			defer b.broadcasts.Done()
			broadcaster.Broadcast(event)
		}()
	}
	return event, nil
}

// EmitStream routes an ephemeral stream event. It always fans out to
// streaming sockets; when trace retention is enabled it additionally
// converts the event to a WorkflowEvent and routes it through Emit.
// Tool-result events are excluded from persistence unless opted in.
func (b *Bus) EmitStream(event StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	broadcaster := b.broadcaster
	retain := b.traceRetentionDays > 0
	includeToolResults := b.includeToolResults
	b.mu.Unlock()

	if broadcaster != nil {
		b.broadcasts.Add(1)
		go func() {
			defer b.broadcasts.Done()
			broadcaster.BroadcastStream(event)
		}()
	}

	if !retain || (event.Subtype == StreamToolResult && !includeToolResults) {
		return nil
	}

	// The stream frame already reached the hub; broadcasting the
	// converted event would deliver it twice.
	_, err := b.emit(WorkflowEvent{
		WorkflowID: event.WorkflowID,
		Timestamp:  event.Timestamp,
		Agent:      event.Agent,
		Type:       EventStream,
		Level:      LevelTrace,
		Message:    event.Content,
		Payload: map[string]any{
			"subtype":    string(event.Subtype),
			"tool_name":  event.ToolName,
			"tool_input": event.ToolInput,
		},
	}, false)
	return err
}

// Shutdown waits for pending socket broadcasts to drain or for the
// context to expire.
func (b *Bus) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.broadcasts.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) snapshot() []registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]registration, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) deliver(reg registration, event WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Emit(emit.Event{
				ThreadID: event.WorkflowID,
				Msg:      "event_handler_panic",
				Meta: map[string]any{
					"error":      fmt.Sprint(r),
					"event_type": string(event.Type),
					"handler_id": reg.id,
				},
			})
		}
	}()
	reg.fn(event)
}
