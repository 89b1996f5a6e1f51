// Package memory provides an in-memory CheckpointStore, the default for
// tests and single-run tooling.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aden-hive/hive-sub001/store"
)

// MemoryCheckpointStore implements store.CheckpointStore in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*store.Checkpoint // id → checkpoint
	byExecution map[string][]string          // execution_id → ids, append order
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*store.Checkpoint),
		byExecution: make(map[string][]string),
	}
}

// Save stores a deep copy of the checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, checkpoint *store.Checkpoint) (string, error) {
	cp := clone(checkpoint)
	if cp.ID == "" {
		cp.ID = store.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.ID]; !exists {
		s.byExecution[cp.ExecutionID] = append(s.byExecution[cp.ExecutionID], cp.ID)
	}
	s.checkpoints[cp.ID] = cp
	return cp.ID, nil
}

// Load retrieves a checkpoint by id.
func (s *MemoryCheckpointStore) Load(_ context.Context, checkpointID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(cp), nil
}

// LatestFor returns the most recently created checkpoint of an execution.
func (s *MemoryCheckpointStore) LatestFor(_ context.Context, executionID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byExecution[executionID]
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	latest := s.checkpoints[ids[0]]
	for _, id := range ids[1:] {
		if cp := s.checkpoints[id]; cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	return clone(latest), nil
}

// ListFor returns all checkpoints of an execution, oldest first.
func (s *MemoryCheckpointStore) ListFor(_ context.Context, executionID string) ([]*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byExecution[executionID]
	out := make([]*store.Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.checkpoints[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Prune drops all but the `keep` most recent checkpoints of an execution.
func (s *MemoryCheckpointStore) Prune(_ context.Context, executionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byExecution[executionID]
	if len(ids) <= keep {
		return nil
	}
	// Append order is creation order.
	for _, id := range ids[:len(ids)-keep] {
		delete(s.checkpoints, id)
	}
	s.byExecution[executionID] = append([]string(nil), ids[len(ids)-keep:]...)
	return nil
}

// Delete removes all checkpoints of an execution.
func (s *MemoryCheckpointStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byExecution[executionID] {
		delete(s.checkpoints, id)
	}
	delete(s.byExecution, executionID)
	return nil
}

func clone(cp *store.Checkpoint) *store.Checkpoint {
	out := *cp
	if cp.State != nil {
		out.State = make(map[string]any, len(cp.State))
		for k, v := range cp.State {
			out.State[k] = v
		}
	}
	if cp.VisitCounts != nil {
		out.VisitCounts = make(map[string]int, len(cp.VisitCounts))
		for k, v := range cp.VisitCounts {
			out.VisitCounts[k] = v
		}
	}
	if cp.PendingClientRequest != nil {
		req := *cp.PendingClientRequest
		out.PendingClientRequest = &req
	}
	return &out
}
