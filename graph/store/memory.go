package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// Checkpoints survive only as long as the process; use SQLiteStore or
// MySQLStore for durability. MemStore is the default for tests and for
// callers that opt out of persistence.
type MemStore[S any] struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint[S]
}

// NewMemStore creates an empty in-memory checkpoint store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		threads: make(map[string][]Checkpoint[S]),
	}
}

// Save implements Store.
func (m *MemStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], cp)
	return nil
}

// LoadLatest implements Store.
func (m *MemStore[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.threads[threadID]
	if len(cps) == 0 {
		return zero, ErrNotFound
	}

	// Highest step wins; insertion order breaks ties.
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.Step >= best.Step {
			best = cp
		}
	}
	return best, nil
}

// Load implements Store.
func (m *MemStore[S]) Load(ctx context.Context, threadID, checkpointID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cp := range m.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			return cp, nil
		}
	}
	return zero, ErrNotFound
}

// DeleteThread implements Store.
func (m *MemStore[S]) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.threads, threadID)
	return nil
}

// PruneBefore implements Store.
func (m *MemStore[S]) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for threadID, cps := range m.threads {
		if len(cps) == 0 {
			continue
		}
		headIdx := 0
		for i, cp := range cps {
			if cp.Step >= cps[headIdx].Step {
				headIdx = i
			}
		}
		kept := cps[:0:0]
		for i, cp := range cps {
			if i == headIdx || !cp.CreatedAt.Before(cutoff) {
				kept = append(kept, cp)
			} else {
				pruned++
			}
		}
		m.threads[threadID] = kept
	}
	return pruned, nil
}
