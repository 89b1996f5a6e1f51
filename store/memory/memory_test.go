package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aden-hive/hive-sub001/store"
)

func cp(execID, id string, at time.Time) *store.Checkpoint {
	return &store.Checkpoint{
		ID:          id,
		ExecutionID: execID,
		CreatedAt:   at,
		ResumeNode:  "n",
		State:       map[string]any{"k": "v"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	id, err := s.Save(ctx, cp("e1", "", time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, map[string]any{"k": "v"}, got.State)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatestForPicksMostRecent(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	base := time.Now()

	_, err := s.Save(ctx, cp("e1", "cp_a", base))
	require.NoError(t, err)
	_, err = s.Save(ctx, cp("e1", "cp_b", base.Add(time.Second)))
	require.NoError(t, err)

	latest, err := s.LatestFor(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "cp_b", latest.ID)

	_, err = s.LatestFor(ctx, "e2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListForOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	base := time.Now()

	_, _ = s.Save(ctx, cp("e1", "cp_b", base.Add(time.Second)))
	_, _ = s.Save(ctx, cp("e1", "cp_a", base))

	all, err := s.ListFor(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cp_a", all[0].ID)
	assert.Equal(t, "cp_b", all[1].ID)
}

func TestDeleteRemovesExecution(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	id, _ := s.Save(ctx, cp("e1", "", time.Now()))
	require.NoError(t, s.Delete(ctx, "e1"))

	_, err := s.Load(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	all, err := s.ListFor(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStoredCopyIsIsolated(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	original := cp("e1", "cp_a", time.Now())
	_, err := s.Save(ctx, original)
	require.NoError(t, err)
	original.State["k"] = "mutated"

	got, err := s.Load(ctx, "cp_a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.State["k"])
}

func TestPruneKeepsMostRecent(t *testing.T) {
	t.Parallel()

	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		_, err := s.Save(ctx, cp("e1", "cp_"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	require.NoError(t, s.Prune(ctx, "e1", 2))

	list, err := s.ListFor(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cp_d", list[0].ID)
	assert.Equal(t, "cp_e", list[1].ID)

	_, err = s.Load(ctx, "cp_a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Pruning below one checkpoint still keeps the latest.
	require.NoError(t, s.Prune(ctx, "e1", 0))
	latest, err := s.LatestFor(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "cp_e", latest.ID)

	// Unknown executions are a no-op.
	require.NoError(t, s.Prune(ctx, "e9", 3))
}
