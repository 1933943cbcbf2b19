package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/orchestra-go/graph/emit"
	"github.com/dshills/orchestra-go/graph/store"
)

// Engine executes a workflow graph with durable checkpoints and
// cooperative suspension.
//
// The engine runs one node at a time: execute the node, merge its delta
// through the reducer, persist a checkpoint, route to the next node.
// Nodes registered via InterruptBefore are never entered automatically —
// when routing reaches one, the engine checkpoints and returns an
// interrupted Outcome. The caller later injects a state delta with Resume,
// which re-enters the interrupt node with the merged state.
//
// A thread (identified by threadID) is one durable run of the graph.
// Checkpoints are keyed by (threadID, checkpointID); LoadLatest gives the
// resume point after a crash or an interrupt.
//
// Type parameter S is the state type shared across the workflow.
type Engine[S any] struct {
	mu sync.RWMutex

	reducer    Reducer[S]
	nodes      map[string]Node[S]
	edges      []Edge[S]
	startNode  string
	interrupts map[string]bool
	store      store.Store[S]
	emitter    emit.Emitter
	opts       Options
}

// Options configures engine execution behavior. Zero values are valid.
type Options struct {
	// MaxSteps bounds node executions per thread to catch unbounded
	// loops. 0 disables the limit.
	MaxSteps int
}

// Outcome is the result of driving a thread until it suspends or finishes.
type Outcome[S any] struct {
	// State is the accumulated state at the suspension or terminal point.
	State S

	// Interrupted is true when the thread stopped at an interrupt-before
	// node and is waiting for a Resume.
	Interrupted bool

	// NextNode is the interrupt node awaiting entry, or End when the
	// thread finished.
	NextNode string

	// Step is the number of node executions committed so far.
	Step int

	// CheckpointID identifies the last durable checkpoint.
	CheckpointID string
}

// Done reports whether the thread reached the End sentinel.
func (o Outcome[S]) Done() bool {
	return !o.Interrupted && o.NextNode == End
}

// New creates an Engine.
//
// The reducer and store are required for Run; the emitter may be nil.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts Options) *Engine[S] {
	return &Engine[S]{
		reducer:    reducer,
		nodes:      make(map[string]Node[S]),
		edges:      make([]Edge[S], 0),
		interrupts: make(map[string]bool),
		store:      st,
		emitter:    emitter,
		opts:       opts,
	}
}

// Add registers a node. IDs must be unique and non-empty.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if nodeID == End {
		return &EngineError{Message: "node ID is reserved: " + End}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: CodeDuplicateNode}
	}
	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry node. The node must already be registered.
func (e *Engine[S]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: CodeNodeNotFound}
	}
	e.startNode = nodeID
	return nil
}

// Connect registers an edge. A nil predicate makes the edge static.
// Outgoing edges are evaluated in registration order; first match wins.
// To may be End.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// InterruptBefore marks nodes as human gates: execution checkpoints and
// suspends immediately before entering them. All IDs must be registered.
func (e *Engine[S]) InterruptBefore(nodeIDs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range nodeIDs {
		if _, exists := e.nodes[id]; !exists {
			return &EngineError{Message: "interrupt node does not exist: " + id, Code: CodeNodeNotFound}
		}
		e.interrupts[id] = true
	}
	return nil
}

// Run starts a fresh thread from the configured start node and drives it
// until it finishes, suspends at an interrupt, or fails.
func (e *Engine[S]) Run(ctx context.Context, threadID string, initial S) (Outcome[S], error) {
	var zero Outcome[S]
	if err := e.validate(); err != nil {
		return zero, err
	}
	return e.loop(ctx, threadID, initial, e.startNode, 0, false)
}

// Resume continues a suspended thread from its latest checkpoint. The
// delta (typically a human decision such as an approval flag or a blocker
// resolution) is merged into the checkpointed state through the reducer,
// and the interrupt node is then entered with the merged state.
//
// Resume also works after a crash: the thread continues from whatever
// node the latest checkpoint names.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, delta S) (Outcome[S], error) {
	var zero Outcome[S]
	if err := e.validate(); err != nil {
		return zero, err
	}

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return zero, &EngineError{
			Message: "cannot resume thread " + threadID + ": " + err.Error(),
			Code:    CodeStoreError,
		}
	}
	return e.resumeFrom(ctx, cp, delta)
}

// ResumeFrom continues a thread from a specific checkpoint instead of the
// latest one. Execution committed after that checkpoint is abandoned.
func (e *Engine[S]) ResumeFrom(ctx context.Context, threadID, checkpointID string, delta S) (Outcome[S], error) {
	var zero Outcome[S]
	if err := e.validate(); err != nil {
		return zero, err
	}

	cp, err := e.store.Load(ctx, threadID, checkpointID)
	if err != nil {
		return zero, &EngineError{
			Message: "cannot resume thread " + threadID + " from checkpoint " + checkpointID + ": " + err.Error(),
			Code:    CodeStoreError,
		}
	}
	return e.resumeFrom(ctx, cp, delta)
}

func (e *Engine[S]) resumeFrom(ctx context.Context, cp store.Checkpoint[S], delta S) (Outcome[S], error) {
	var zero Outcome[S]
	if cp.NextNode == End {
		// Thread already finished; resuming is a no-op.
		return Outcome[S]{State: cp.State, NextNode: End, Step: cp.Step, CheckpointID: cp.CheckpointID}, nil
	}

	merged := e.reducer(cp.State, delta)

	e.emit(emit.Event{
		ThreadID: cp.ThreadID,
		Step:     cp.Step,
		NodeID:   cp.NextNode,
		Msg:      "resume",
		Meta:     map[string]any{"checkpoint_id": cp.CheckpointID},
	})

	out, err := e.loop(ctx, cp.ThreadID, merged, cp.NextNode, cp.Step, true)
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (e *Engine[S]) validate() error {
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: CodeMissingReducer}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: CodeMissingStore}
	}
	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt)", Code: CodeNoStartNode}
	}
	return nil
}

// loop is the run-until-suspended driver shared by Run and Resume.
// enterFirst suppresses the interrupt check for the first node so that a
// resumed thread actually enters the gate it was suspended before.
func (e *Engine[S]) loop(ctx context.Context, threadID string, state S, node string, step int, enterFirst bool) (Outcome[S], error) {
	var zero Outcome[S]

	for {
		if node == End {
			cpID, err := e.checkpoint(ctx, threadID, state, End, step)
			if err != nil {
				return zero, err
			}
			e.emit(emit.Event{ThreadID: threadID, Step: step, Msg: "thread_completed"})
			return Outcome[S]{State: state, NextNode: End, Step: step, CheckpointID: cpID}, nil
		}

		select {
		case <-ctx.Done():
			// The last committed checkpoint remains authoritative; a
			// cancelled node produces no delta.
			return zero, ctx.Err()
		default:
		}

		if e.isInterrupt(node) && !enterFirst {
			cpID, err := e.checkpoint(ctx, threadID, state, node, step)
			if err != nil {
				return zero, err
			}
			e.emit(emit.Event{
				ThreadID: threadID,
				Step:     step,
				NodeID:   node,
				Msg:      "interrupt",
				Meta:     map[string]any{"checkpoint_id": cpID},
			})
			return Outcome[S]{State: state, Interrupted: true, NextNode: node, Step: step, CheckpointID: cpID}, nil
		}
		enterFirst = false

		step++
		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return zero, &EngineError{Message: "workflow exceeded MaxSteps limit", Code: CodeMaxStepsExceeded}
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[node]
		e.mu.RUnlock()
		if !exists {
			return zero, &EngineError{Message: "node not found during execution: " + node, Code: CodeNodeNotFound}
		}

		started := time.Now()
		result := nodeImpl.Run(ctx, state)
		if result.Err != nil {
			return zero, result.Err
		}

		state = e.reducer(state, result.Delta)

		next, err := e.route(node, result.Route, state)
		if err != nil {
			return zero, err
		}

		cpID, err := e.checkpoint(ctx, threadID, state, next, step)
		if err != nil {
			return zero, err
		}

		e.emit(emit.Event{
			ThreadID: threadID,
			Step:     step,
			NodeID:   node,
			Msg:      "node_completed",
			Meta: map[string]any{
				"checkpoint_id": cpID,
				"next_node":     next,
				"duration_ms":   time.Since(started).Milliseconds(),
			},
		})

		node = next
	}
}

func (e *Engine[S]) route(from string, explicit Next, state S) (string, error) {
	if explicit.Terminal {
		return End, nil
	}
	if explicit.To != "" {
		return explicit.To, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To, nil
		}
	}
	return "", &EngineError{Message: "no valid route from node: " + from, Code: CodeNoRoute}
}

func (e *Engine[S]) checkpoint(ctx context.Context, threadID string, state S, next string, step int) (string, error) {
	snapshot, err := deepCopy(state)
	if err != nil {
		return "", &EngineError{Message: "failed to snapshot state: " + err.Error(), Code: CodeStoreError}
	}

	cp := store.Checkpoint[S]{
		ThreadID:     threadID,
		CheckpointID: uuid.NewString(),
		State:        snapshot,
		NextNode:     next,
		Step:         step,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		return "", &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: CodeStoreError}
	}
	return cp.CheckpointID, nil
}

func (e *Engine[S]) isInterrupt(node string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interrupts[node]
}

func (e *Engine[S]) emit(event emit.Event) {
	if e.emitter == nil {
		return
	}
	event.When = time.Now().UTC()
	e.emitter.Emit(event)
}
