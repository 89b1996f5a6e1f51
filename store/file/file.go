// Package file provides a filesystem CheckpointStore.
//
// On-disk layout, per execution:
//
//	<root>/<execution_id>/index.json
//	<root>/<execution_id>/snapshots/<checkpoint_id>.json
//
// Every file is written to a temporary path, fsynced, then renamed into
// place, so a crash never leaves a partially written snapshot or index.
// Each snapshot carries a sha256 of its canonical checkpoint encoding;
// a corrupted or missing index is rebuilt from the snapshot files.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aden-hive/hive-sub001/store"
)

// FileCheckpointStore implements store.CheckpointStore on the local
// filesystem.
type FileCheckpointStore struct {
	root string

	// mu serializes index read-modify-write cycles. Snapshot writes are
	// already atomic on their own.
	mu sync.Mutex
}

var _ store.CheckpointStore = (*FileCheckpointStore)(nil)

type snapshotFile struct {
	Checkpoint *store.Checkpoint `json:"checkpoint"`
	SHA256     string            `json:"sha256"`
}

type indexFile struct {
	Checkpoints []store.IndexEntry `json:"checkpoints"`
}

// NewFileCheckpointStore creates a store rooted at path, creating the
// directory if needed.
func NewFileCheckpointStore(path string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &FileCheckpointStore{root: path}, nil
}

func (s *FileCheckpointStore) executionDir(executionID string) string {
	return filepath.Join(s.root, executionID)
}

func (s *FileCheckpointStore) snapshotsDir(executionID string) string {
	return filepath.Join(s.executionDir(executionID), "snapshots")
}

func (s *FileCheckpointStore) snapshotPath(executionID, checkpointID string) string {
	return filepath.Join(s.snapshotsDir(executionID), checkpointID+".json")
}

func (s *FileCheckpointStore) indexPath(executionID string) string {
	return filepath.Join(s.executionDir(executionID), "index.json")
}

// Save persists the snapshot, then updates the execution index. The
// snapshot rename is the durability point: if the index update fails
// afterwards, the index is rebuilt from snapshots on the next read.
func (s *FileCheckpointStore) Save(_ context.Context, checkpoint *store.Checkpoint) (string, error) {
	cp := *checkpoint
	if cp.ID == "" {
		cp.ID = store.NewID()
	}
	if cp.ExecutionID == "" {
		return "", errors.New("checkpoint has no execution id")
	}

	if err := os.MkdirAll(s.snapshotsDir(cp.ExecutionID), 0o755); err != nil {
		return "", fmt.Errorf("create snapshots dir: %w", err)
	}

	sum, err := cp.Checksum()
	if err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(snapshotFile{Checkpoint: &cp, SHA256: sum}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writeAtomic(s.snapshotPath(cp.ExecutionID, cp.ID), payload); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	if err := s.appendIndex(cp.ExecutionID, store.IndexEntry{
		ID:         cp.ID,
		CreatedAt:  cp.CreatedAt,
		ResumeNode: cp.ResumeNode,
	}); err != nil {
		// Snapshot is durable; the index will be reconciled on read.
		return cp.ID, nil
	}
	return cp.ID, nil
}

func (s *FileCheckpointStore) appendIndex(executionID string, entry store.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(executionID)
	if err != nil {
		// Rebuild a best-effort index before appending.
		idx = &indexFile{}
		if rebuilt, rerr := s.rebuildIndex(executionID); rerr == nil {
			idx = rebuilt
		}
	}
	for _, e := range idx.Checkpoints {
		if e.ID == entry.ID {
			return s.writeIndex(executionID, idx)
		}
	}
	idx.Checkpoints = append(idx.Checkpoints, entry)
	return s.writeIndex(executionID, idx)
}

func (s *FileCheckpointStore) readIndex(executionID string) (*indexFile, error) {
	data, err := os.ReadFile(s.indexPath(executionID))
	if err != nil {
		return nil, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: unreadable index for %s: %v", store.ErrCorrupt, executionID, err)
	}
	return &idx, nil
}

func (s *FileCheckpointStore) writeIndex(executionID string, idx *indexFile) error {
	sort.SliceStable(idx.Checkpoints, func(i, j int) bool {
		return idx.Checkpoints[i].CreatedAt.Before(idx.Checkpoints[j].CreatedAt)
	})
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return writeAtomic(s.indexPath(executionID), data)
}

// rebuildIndex reconstructs an index by scanning the snapshots directory.
func (s *FileCheckpointStore) rebuildIndex(executionID string) (*indexFile, error) {
	entries, err := os.ReadDir(s.snapshotsDir(executionID))
	if err != nil {
		return nil, err
	}
	idx := &indexFile{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		cp, err := s.readSnapshot(executionID, id)
		if err != nil {
			continue
		}
		idx.Checkpoints = append(idx.Checkpoints, store.IndexEntry{
			ID:         cp.ID,
			CreatedAt:  cp.CreatedAt,
			ResumeNode: cp.ResumeNode,
		})
	}
	sort.SliceStable(idx.Checkpoints, func(i, j int) bool {
		return idx.Checkpoints[i].CreatedAt.Before(idx.Checkpoints[j].CreatedAt)
	})
	return idx, nil
}

func (s *FileCheckpointStore) readSnapshot(executionID, checkpointID string) (*store.Checkpoint, error) {
	data, err := os.ReadFile(s.snapshotPath(executionID, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, checkpointID, err)
	}
	if snap.Checkpoint == nil {
		return nil, fmt.Errorf("%w: %s: empty snapshot", store.ErrCorrupt, checkpointID)
	}
	sum, err := snap.Checkpoint.Checksum()
	if err != nil {
		return nil, err
	}
	if sum != snap.SHA256 {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", store.ErrCorrupt, checkpointID)
	}
	return snap.Checkpoint, nil
}

// Load retrieves a checkpoint by id, searching all execution directories.
func (s *FileCheckpointStore) Load(_ context.Context, checkpointID string) (*store.Checkpoint, error) {
	executions, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint root: %w", err)
	}
	for _, e := range executions {
		if !e.IsDir() {
			continue
		}
		cp, err := s.readSnapshot(e.Name(), checkpointID)
		if err == nil {
			return cp, nil
		}
		if errors.Is(err, store.ErrCorrupt) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

// LatestFor returns the most recent checkpoint from the index, falling
// back to a snapshot scan when the index is corrupt or missing.
func (s *FileCheckpointStore) LatestFor(ctx context.Context, executionID string) (*store.Checkpoint, error) {
	idx, err := s.readIndex(executionID)
	if err != nil {
		idx, err = s.rebuildIndex(executionID)
		if err != nil {
			return nil, store.ErrNotFound
		}
	}
	if len(idx.Checkpoints) == 0 {
		return nil, store.ErrNotFound
	}
	latest := idx.Checkpoints[0]
	for _, e := range idx.Checkpoints[1:] {
		if e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	return s.readSnapshot(executionID, latest.ID)
}

// ListFor returns all checkpoints of an execution, oldest first.
func (s *FileCheckpointStore) ListFor(_ context.Context, executionID string) ([]*store.Checkpoint, error) {
	idx, err := s.readIndex(executionID)
	if err != nil {
		idx, err = s.rebuildIndex(executionID)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
	}
	out := make([]*store.Checkpoint, 0, len(idx.Checkpoints))
	for _, e := range idx.Checkpoints {
		cp, err := s.readSnapshot(executionID, e.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prune drops all but the `keep` most recent checkpoints of an
// execution, removing their snapshot files and rewriting the index.
func (s *FileCheckpointStore) Prune(_ context.Context, executionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(executionID)
	if err != nil {
		idx, err = s.rebuildIndex(executionID)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
	}
	if len(idx.Checkpoints) <= keep {
		return nil
	}
	// writeIndex keeps entries sorted oldest first.
	cut := len(idx.Checkpoints) - keep
	for _, e := range idx.Checkpoints[:cut] {
		if err := os.Remove(s.snapshotPath(executionID, e.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot %s: %w", e.ID, err)
		}
	}
	idx.Checkpoints = append([]store.IndexEntry(nil), idx.Checkpoints[cut:]...)
	return s.writeIndex(executionID, idx)
}

var _ store.Pruner = (*FileCheckpointStore)(nil)

// Delete removes all snapshots and the index of an execution.
func (s *FileCheckpointStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.executionDir(executionID)); err != nil {
		return fmt.Errorf("delete execution checkpoints: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temporary file, fsyncs it, and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
