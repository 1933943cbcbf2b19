package events

import "sync"

// SeedFunc returns the highest sequence already persisted for a
// workflow, or 0 when none exists. The sequencer calls it once per
// workflow, on first use.
type SeedFunc func(workflowID string) (int64, error)

// Sequencer issues strictly monotonic per-workflow sequence numbers
// starting at 1. Seeding from storage keeps sequences contiguous across
// process restarts.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]int64
	seed SeedFunc
}

// NewSequencer creates a Sequencer. A nil seed starts every workflow
// at 1.
func NewSequencer(seed SeedFunc) *Sequencer {
	return &Sequencer{next: make(map[string]int64), seed: seed}
}

// Next returns the next sequence number for the workflow.
func (s *Sequencer) Next(workflowID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.next[workflowID]
	if !ok {
		if s.seed != nil {
			seeded, err := s.seed(workflowID)
			if err != nil {
				return 0, err
			}
			n = seeded
		}
	}
	n++
	s.next[workflowID] = n
	return n, nil
}

// Forget drops the counter for a workflow, typically after its record is
// deleted.
func (s *Sequencer) Forget(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, workflowID)
}
