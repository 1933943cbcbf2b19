// Package emit defines the observability event contract for the graph
// engine along with a few ready-made emitters (log, null, OTel).
package emit

import "time"

// Event is an observability event produced by the engine while running a
// workflow thread: node entered/completed, checkpoint saved, interrupt
// reached, resume, terminal.
type Event struct {
	// ThreadID identifies the workflow run that produced this event.
	ThreadID string

	// Step is the engine's node-execution counter (1-indexed). Zero for
	// thread-level events such as resume.
	Step int

	// NodeID is the node the event concerns. Empty for thread-level events.
	NodeID string

	// Msg is a short machine-friendly label, e.g. "node_completed",
	// "interrupt", "checkpoint_saved".
	Msg string

	// When records when the event was produced.
	When time.Time

	// Meta carries additional structured data. Common keys:
	// "checkpoint_id", "next_node", "duration_ms", "error".
	Meta map[string]any
}

// Emitter receives engine events.
//
// Implementations must be non-blocking and must never panic; slow or
// failing backends should buffer, drop, or offload asynchronously. The
// engine calls Emit inline on the workflow goroutine.
type Emitter interface {
	Emit(event Event)
}
