package server

import (
	"time"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/graph"
	"github.com/dshills/orchestra-go/graph/emit"
)

// GraphEmitter bridges engine observability events onto the workflow
// event bus: node completions become stage events, node durations feed
// the latency histogram. Engine thread ids are workflow ids, so the
// mapping is direct.
type GraphEmitter struct {
	bus     *events.Bus
	metrics *Metrics
	next    emit.Emitter

	// stage, when set, records the workflow's current stage.
	stage func(workflowID, node string)
}

// NewGraphEmitter creates the bridge. next receives every event
// unchanged and may be nil.
func NewGraphEmitter(bus *events.Bus, metrics *Metrics, next emit.Emitter) *GraphEmitter {
	return &GraphEmitter{bus: bus, metrics: metrics, next: next}
}

// OnStage registers a callback invoked whenever a workflow enters a new
// stage.
func (g *GraphEmitter) OnStage(fn func(workflowID, node string)) {
	g.stage = fn
}

// Emit implements emit.Emitter.
func (g *GraphEmitter) Emit(ev emit.Event) {
	if g.next != nil {
		g.next.Emit(ev)
	}

	switch ev.Msg {
	case "node_completed":
		if ms, ok := ev.Meta["duration_ms"].(int64); ok {
			g.metrics.ObserveNodeLatency(ev.NodeID, time.Duration(ms)*time.Millisecond)
		}
		g.publish(ev.ThreadID, events.EventStageCompleted, ev.NodeID, "stage completed: "+ev.NodeID)
		if next, ok := ev.Meta["next_node"].(string); ok && next != graph.End {
			g.enterStage(ev.ThreadID, next)
		}
	case "resume":
		g.enterStage(ev.ThreadID, ev.NodeID)
	}
}

func (g *GraphEmitter) enterStage(workflowID, node string) {
	if g.stage != nil {
		g.stage(workflowID, node)
	}
	g.publish(workflowID, events.EventStageStarted, node, "stage started: "+node)
}

func (g *GraphEmitter) publish(workflowID string, t events.EventType, node, msg string) {
	if g.bus == nil {
		return
	}
	_, _ = g.bus.Emit(events.WorkflowEvent{
		WorkflowID: workflowID,
		Agent:      node,
		Type:       t,
		Message:    msg,
		Payload:    map[string]any{"node": node},
	})
}
