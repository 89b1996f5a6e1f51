// Package state provides the shared key-value substrate executions run on.
//
// Values are partitioned by scope: execution scope is strictly private to one
// execution, stream scope is shared by executions of one stream, and global
// scope is shared runtime-wide. Writes carry an isolation policy: ISOLATED
// forces execution scope, SHARED is last-writer-wins, and SYNCHRONIZED
// serializes read-modify-write cycles on the same (scope, key) pair.
package state

import (
	"fmt"
	"sync"
)

// Scope partitions the key space.
type Scope string

const (
	// ScopeExecution keys are visible only to their owning execution.
	ScopeExecution Scope = "execution"
	// ScopeStream keys are shared by executions of one stream.
	ScopeStream Scope = "stream"
	// ScopeGlobal keys are shared runtime-wide.
	ScopeGlobal Scope = "global"
)

// Isolation is the write policy for cross-execution state.
type Isolation string

const (
	// IsolationIsolated forces the write into execution scope.
	IsolationIsolated Isolation = "isolated"
	// IsolationShared writes without a per-key lock; concurrent writers
	// race and the last one wins, but single writes are never torn.
	IsolationShared Isolation = "shared"
	// IsolationSynchronized holds a per-key exclusive lock for the
	// duration of a read-modify-write cycle.
	IsolationSynchronized Isolation = "synchronized"
)

type lockKey struct {
	scope Scope
	id    string
	key   string
}

// Store is the runtime's shared state. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	execution map[string]map[string]any
	stream    map[string]map[string]any
	global    map[string]any

	locksMu sync.Mutex
	locks   map[lockKey]*sync.Mutex
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		execution: make(map[string]map[string]any),
		stream:    make(map[string]map[string]any),
		global:    make(map[string]any),
		locks:     make(map[lockKey]*sync.Mutex),
	}
}

func (s *Store) bucket(scope Scope, id string) (map[string]any, error) {
	switch scope {
	case ScopeExecution:
		m, ok := s.execution[id]
		if !ok {
			m = make(map[string]any)
			s.execution[id] = m
		}
		return m, nil
	case ScopeStream:
		m, ok := s.stream[id]
		if !ok {
			m = make(map[string]any)
			s.stream[id] = m
		}
		return m, nil
	case ScopeGlobal:
		return s.global, nil
	default:
		return nil, fmt.Errorf("unknown state scope: %s", scope)
	}
}

// Get returns the value for (scope, id, key).
func (s *Store) Get(scope Scope, id, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m map[string]any
	switch scope {
	case ScopeExecution:
		m = s.execution[id]
	case ScopeStream:
		m = s.stream[id]
	case ScopeGlobal:
		m = s.global
	}
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Put writes value under (scope, id, key) honoring the isolation policy.
// ISOLATED forces execution scope regardless of the requested scope.
func (s *Store) Put(scope Scope, id, key string, value any, iso Isolation) error {
	if iso == IsolationIsolated {
		scope = ScopeExecution
	}
	if iso == IsolationSynchronized {
		lock := s.keyLock(scope, id, key)
		lock.Lock()
		defer lock.Unlock()
	}
	return s.put(scope, id, key, value)
}

// put performs the atomic single-write primitive shared by all policies.
func (s *Store) put(scope Scope, id, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(scope, id)
	if err != nil {
		return err
	}
	m[key] = value
	return nil
}

// Delete removes (scope, id, key).
func (s *Store) Delete(scope Scope, id, key string, iso Isolation) error {
	if iso == IsolationIsolated {
		scope = ScopeExecution
	}
	if iso == IsolationSynchronized {
		lock := s.keyLock(scope, id, key)
		lock.Lock()
		defer lock.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case ScopeExecution:
		delete(s.execution[id], key)
	case ScopeStream:
		delete(s.stream[id], key)
	case ScopeGlobal:
		delete(s.global, key)
	default:
		return fmt.Errorf("unknown state scope: %s", scope)
	}
	return nil
}

// Update runs fn as a read-modify-write cycle under SYNCHRONIZED isolation:
// writers on the same (scope, id, key) are serialized, ISOLATED writes to
// other keys are never blocked.
func (s *Store) Update(scope Scope, id, key string, fn func(old any, ok bool) any) error {
	lock := s.keyLock(scope, id, key)
	lock.Lock()
	defer lock.Unlock()

	old, ok := s.Get(scope, id, key)
	return s.put(scope, id, key, fn(old, ok))
}

func (s *Store) keyLock(scope Scope, id, key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	k := lockKey{scope, id, key}
	lock, ok := s.locks[k]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[k] = lock
	}
	return lock
}

// Snapshot copies the full execution-scoped namespace of one execution.
// Used by the checkpoint store.
func (s *Store) Snapshot(executionID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.execution[executionID]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Restore replaces the execution-scoped namespace of one execution.
// Used when resuming from a checkpoint.
func (s *Store) Restore(executionID string, snapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		m[k] = v
	}
	s.execution[executionID] = m
}

// DropExecution discards all execution-scoped state for an execution.
func (s *Store) DropExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execution, executionID)

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	for k := range s.locks {
		if k.scope == ScopeExecution && k.id == executionID {
			delete(s.locks, k)
		}
	}
}
