package workflow

import "fmt"

// Status is the persisted workflow lifecycle status. Values are
// wire-stable.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusAborted    Status = "aborted"
	StatusPlanning   Status = "planning"
)

// transitions is the allowed-edge matrix. Terminal statuses have no
// entry. Same-state transitions are always invalid.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusFailed, StatusPlanning, StatusCancelled},
	StatusFailed:     {StatusInProgress},
	StatusPlanning:   {StatusInProgress},
}

// InvalidStateTransitionError reports a status edge outside the matrix.
type InvalidStateTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid workflow status transition: %s -> %s", e.From, e.To)
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusAborted:
		return true
	}
	return false
}

// IsActive reports whether the workflow still holds its worktree.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusPlanning:
		return true
	}
	return false
}

// ValidateTransition returns an InvalidStateTransitionError when the
// src→tgt edge is not in the matrix, nil otherwise.
func ValidateTransition(src, tgt Status) error {
	if src == tgt {
		return &InvalidStateTransitionError{From: src, To: tgt}
	}
	for _, allowed := range transitions[src] {
		if allowed == tgt {
			return nil
		}
	}
	return &InvalidStateTransitionError{From: src, To: tgt}
}
