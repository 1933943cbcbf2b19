// Package store provides persistence backends for graph checkpoints.
//
// A checkpoint is a full snapshot of workflow state taken after every node
// execution and at every interrupt point, keyed by (thread ID, checkpoint
// ID). The engine resumes a thread from its latest checkpoint, or from a
// specific checkpoint when time travel is wanted.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Checkpoint is a durable snapshot of a thread's execution.
//
// NextNode is the node the engine will enter when the thread resumes; for
// a finished thread it is the End sentinel. Step is the number of node
// executions committed so far and is monotonic within a thread.
type Checkpoint[S any] struct {
	// ThreadID identifies the workflow run this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// CheckpointID uniquely identifies this snapshot within the thread.
	CheckpointID string `json:"checkpoint_id"`

	// State is the accumulated state after Step node executions.
	// Must be JSON-serializable.
	State S `json:"state"`

	// NextNode is where execution continues on resume.
	NextNode string `json:"next_node"`

	// Step counts committed node executions, monotonic per thread.
	Step int `json:"step"`

	// CreatedAt records when this snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoints for workflow threads.
//
// Implementations must be safe for concurrent use: distinct workflow
// threads save checkpoints from independent goroutines.
type Store[S any] interface {
	// Save persists a checkpoint. Saving makes it the thread's head:
	// LoadLatest returns the checkpoint with the highest Step, ties
	// broken by insertion order.
	Save(ctx context.Context, cp Checkpoint[S]) error

	// LoadLatest returns the head checkpoint for a thread.
	// Returns ErrNotFound if the thread has no checkpoints.
	LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error)

	// Load returns a specific checkpoint by ID.
	// Returns ErrNotFound if it does not exist.
	Load(ctx context.Context, threadID, checkpointID string) (Checkpoint[S], error)

	// DeleteThread removes all checkpoints for a thread. Deleting an
	// unknown thread is not an error.
	DeleteThread(ctx context.Context, threadID string) error

	// PruneBefore deletes non-head checkpoints created before the
	// cutoff, returning the number removed. The head checkpoint of
	// every thread is always retained so resume stays possible.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
