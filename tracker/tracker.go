// Package tracker adapts issue trackers to the one lookup the
// orchestrator needs.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/orchestra-go/workflow"
)

// Tracker resolves an issue id to its title and description.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (workflow.Issue, error)
}

// Noop synthesizes an issue from its id, for profiles without a tracker
// integration. The workflow's task title and description, when supplied
// at start time, override the synthesized fields upstream.
type Noop struct{}

// GetIssue implements Tracker.
func (Noop) GetIssue(ctx context.Context, id string) (workflow.Issue, error) {
	if id == "" {
		return workflow.Issue{}, fmt.Errorf("empty issue id")
	}
	return workflow.Issue{ID: id, Title: id}, nil
}

// Static serves issues from an in-memory map. Intended for tests and
// local development.
type Static struct {
	mu     sync.RWMutex
	issues map[string]workflow.Issue
}

// NewStatic creates a Static tracker with the given issues.
func NewStatic(issues ...workflow.Issue) *Static {
	s := &Static{issues: make(map[string]workflow.Issue, len(issues))}
	for _, i := range issues {
		s.issues[i.ID] = i
	}
	return s
}

// Add registers or replaces an issue.
func (s *Static) Add(issue workflow.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.ID] = issue
}

// GetIssue implements Tracker.
func (s *Static) GetIssue(ctx context.Context, id string) (workflow.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[id]
	if !ok {
		return workflow.Issue{}, fmt.Errorf("issue not found: %s", id)
	}
	return issue, nil
}
