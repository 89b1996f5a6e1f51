package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aden-hive/hive-sub001/store"
)

func newTestStore(t *testing.T) *SqliteCheckpointStore {
	t.Helper()
	s, err := NewSqliteCheckpointStore(SqliteOptions{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func checkpoint(id string, at time.Time) *store.Checkpoint {
	return &store.Checkpoint{
		ID:          id,
		ExecutionID: "exec-123",
		CreatedAt:   at,
		ResumeNode:  "node-a",
		State:       map[string]any{"foo": "bar", "step": float64(3)},
		VisitCounts: map[string]int{"node-a": 2},
	}
}

func TestSqliteCheckpointStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.Save(ctx, checkpoint("cp-1", base))
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", id)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-123", loaded.ExecutionID)
	assert.Equal(t, "node-a", loaded.ResumeNode)
	assert.Equal(t, "bar", loaded.State["foo"])
	assert.Equal(t, float64(3), loaded.State["step"])
	assert.Equal(t, 2, loaded.VisitCounts["node-a"])
	assert.True(t, base.Equal(loaded.CreatedAt))
}

func TestSqliteCheckpointStore_SaveUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	first := checkpoint("cp-1", base)
	_, err := s.Save(ctx, first)
	require.NoError(t, err)

	second := checkpoint("cp-1", base.Add(time.Second))
	second.ResumeNode = "node-b"
	_, err = s.Save(ctx, second)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", loaded.ResumeNode)

	all, err := s.ListFor(ctx, "exec-123")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSqliteCheckpointStore_Load_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSqliteCheckpointStore_TamperedPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, checkpoint("cp-1", time.Now().UTC()))
	require.NoError(t, err)

	// Rewrite the stored payload without touching the checksum.
	_, err = s.db.ExecContext(ctx,
		`UPDATE checkpoints SET payload = replace(payload, 'node-a', 'node-x') WHERE id = ?`, id)
	require.NoError(t, err)

	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestSqliteCheckpointStore_LatestFor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, checkpoint("cp-1", base))
	require.NoError(t, err)
	_, err = s.Save(ctx, checkpoint("cp-2", base.Add(time.Second)))
	require.NoError(t, err)

	latest, err := s.LatestFor(ctx, "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", latest.ID)

	_, err = s.LatestFor(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSqliteCheckpointStore_ListForAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, checkpoint("cp-1", base))
	require.NoError(t, err)
	_, err = s.Save(ctx, checkpoint("cp-2", base.Add(time.Second)))
	require.NoError(t, err)

	all, err := s.ListFor(ctx, "exec-123")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cp-1", all[0].ID)
	assert.Equal(t, "cp-2", all[1].ID)

	require.NoError(t, s.Delete(ctx, "exec-123"))

	all, err = s.ListFor(ctx, "exec-123")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSqliteCheckpointStore_GeneratesID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Save(context.Background(), checkpoint("", time.Now().UTC()))
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	loaded, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, loaded.ID)
}
