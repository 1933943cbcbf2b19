package graph

import "context"

// Node is a single stage in a workflow graph. It receives the accumulated
// state, performs its work, and returns a NodeResult carrying a partial
// state update and an optional explicit routing decision.
//
// Side effects (LLM calls, subprocesses, file writes) are permitted and
// should honor ctx cancellation. A node that wants the workflow to remain
// durable and human-resolvable should encode failures into its Delta (for
// example as a blocker report) rather than returning an error; a non-nil
// Err halts the run.
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult is the output of one node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node. It is
	// merged into the accumulated state via the engine's reducer.
	Delta S

	// Route optionally overrides edge-based routing. Leave the zero
	// value to let the engine evaluate outgoing edges instead.
	Route Next

	// Err halts the workflow when non-nil.
	Err error
}

// Next is an explicit routing decision returned by a node.
//
// The zero value means "no decision": the engine falls back to the edges
// registered for the node.
type Next struct {
	// To names the next node, or End to finish the workflow.
	To string

	// Terminal stops the workflow. Equivalent to Goto(End).
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}
