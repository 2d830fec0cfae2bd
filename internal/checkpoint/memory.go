package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. It enforces the same duplicate-step rule as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[int]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[int]*Checkpoint)}
}

// Save stores a copy of the checkpoint, rejecting duplicate steps.
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.sessions[cp.SessionID]
	if !ok {
		steps = make(map[int]*Checkpoint)
		s.sessions[cp.SessionID] = steps
	}
	if _, exists := steps[cp.Step]; exists {
		return fmt.Errorf("save checkpoint %s/%d: %w", cp.SessionID, cp.Step, ErrDuplicateStep)
	}

	stored := &Checkpoint{
		SessionID: cp.SessionID,
		Step:      cp.Step,
		StateBlob: append([]byte(nil), cp.StateBlob...),
		Label:     cp.Label,
		CreatedAt: cp.CreatedAt,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	steps[cp.Step] = stored
	return nil
}

// Latest returns the highest-step checkpoint for a session.
func (s *MemoryStore) Latest(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.sessions[sessionID]
	if !ok || len(steps) == 0 {
		return nil, ErrNotFound
	}
	max := -1
	for step := range steps {
		if step > max {
			max = step
		}
	}
	return copyOf(steps[max]), nil
}

// Get returns the checkpoint at an exact step.
func (s *MemoryStore) Get(_ context.Context, sessionID string, step int) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.sessions[sessionID][step]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(cp), nil
}

// List returns all checkpoints for a session ordered by step.
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.sessions[sessionID]
	cps := make([]*Checkpoint, 0, len(steps))
	for _, cp := range steps {
		cps = append(cps, copyOf(cp))
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Step < cps[j].Step })
	return cps, nil
}

// DeleteSession removes every checkpoint for a session.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func copyOf(cp *Checkpoint) *Checkpoint {
	return &Checkpoint{
		SessionID: cp.SessionID,
		Step:      cp.Step,
		StateBlob: append([]byte(nil), cp.StateBlob...),
		Label:     cp.Label,
		CreatedAt: cp.CreatedAt,
	}
}

var _ Store = (*MemoryStore)(nil)
