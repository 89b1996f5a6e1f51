package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionScopeIsPrivate(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Put(ScopeExecution, "e1", "k", "v1", IsolationIsolated))
	require.NoError(t, s.Put(ScopeExecution, "e2", "k", "v2", IsolationIsolated))

	v, ok := s.Get(ScopeExecution, "e1", "k")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	v, ok = s.Get(ScopeExecution, "e2", "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestIsolatedForcesExecutionScope(t *testing.T) {
	t.Parallel()

	s := New()
	// A global-scope request under ISOLATED lands in execution scope.
	require.NoError(t, s.Put(ScopeGlobal, "e1", "k", "v", IsolationIsolated))

	_, ok := s.Get(ScopeGlobal, "", "k")
	assert.False(t, ok)

	v, ok := s.Get(ScopeExecution, "e1", "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestStreamAndGlobalScopes(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Put(ScopeStream, "s1", "k", 1, IsolationShared))
	require.NoError(t, s.Put(ScopeGlobal, "", "k", 2, IsolationShared))

	v, _ := s.Get(ScopeStream, "s1", "k")
	assert.Equal(t, 1, v)
	v, _ = s.Get(ScopeGlobal, "", "k")
	assert.Equal(t, 2, v)

	_, ok := s.Get(ScopeStream, "s2", "k")
	assert.False(t, ok)
}

func TestSynchronizedUpdateSerializesWriters(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Put(ScopeGlobal, "", "counter", 0, IsolationShared))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ScopeGlobal, "", "counter", func(old any, ok bool) any {
				return old.(int) + 1
			})
		}()
	}
	wg.Wait()

	v, _ := s.Get(ScopeGlobal, "", "counter")
	assert.Equal(t, writers, v, "synchronized read-modify-write must not lose updates")
}

func TestSharedWritesLastWriterWins(t *testing.T) {
	t.Parallel()

	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Put(ScopeGlobal, "", "k", n, IsolationShared)
		}(i)
	}
	wg.Wait()

	// Whatever won, the value is a complete write, never torn.
	v, ok := s.Get(ScopeGlobal, "", "k")
	require.True(t, ok)
	n, isInt := v.(int)
	require.True(t, isInt)
	assert.GreaterOrEqual(t, n, 0)
	assert.Less(t, n, 20)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Put(ScopeExecution, "e1", "a", 1, IsolationIsolated))
	require.NoError(t, s.Put(ScopeExecution, "e1", "b", "two", IsolationIsolated))

	snap := s.Snapshot("e1")
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, snap)

	// Mutating the snapshot does not touch the store.
	snap["a"] = 99
	v, _ := s.Get(ScopeExecution, "e1", "a")
	assert.Equal(t, 1, v)

	s.Restore("e2", snap)
	v, _ = s.Get(ScopeExecution, "e2", "a")
	assert.Equal(t, 99, v)
}

func TestDeleteAndDrop(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Put(ScopeExecution, "e1", "k", "v", IsolationIsolated))
	require.NoError(t, s.Delete(ScopeExecution, "e1", "k", IsolationSynchronized))
	_, ok := s.Get(ScopeExecution, "e1", "k")
	assert.False(t, ok)

	require.NoError(t, s.Put(ScopeExecution, "e1", "k2", "v", IsolationIsolated))
	s.DropExecution("e1")
	assert.Empty(t, s.Snapshot("e1"))
}
