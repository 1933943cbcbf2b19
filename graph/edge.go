// Package graph provides the stage-graph execution engine: named nodes
// connected by static and conditional edges, reducer-merged state deltas,
// durable per-step checkpoints, and cooperative suspension at nodes marked
// interrupt-before.
package graph

// End is the sentinel routing target that finishes a workflow. It may be
// used as the To of an edge or inside a Next returned by a node.
const End = "__end__"

// Edge is a connection between two nodes in the workflow graph.
//
// An edge with a nil predicate is static: it always matches. An edge with
// a predicate is conditional: it matches only when When(state) is true.
// Outgoing edges are evaluated in registration order and the first match
// wins, so a static edge acts as a fallback when listed last.
//
// Explicit routing via NodeResult.Route takes precedence over edges.
type Edge[S any] struct {
	// From is the source node ID.
	From string

	// To is the destination node ID, or End.
	To string

	// When is an optional traversal condition. Nil means unconditional.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge should be traversed.
//
// Predicates must be pure: deterministic and free of side effects. The
// engine may re-evaluate them after a resume against the checkpointed
// state.
type Predicate[S any] func(state S) bool
