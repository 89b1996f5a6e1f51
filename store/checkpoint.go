// Package store defines the checkpoint model and the CheckpointStore
// contract implemented by the memory, file, sqlite, redis and postgres
// backends.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a checkpoint or execution has no data.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a checkpoint fails checksum verification
	// or its index cannot be read.
	ErrCorrupt = errors.New("corrupt checkpoint")
)

// ClientRequest describes the pending human-input request a paused
// execution is waiting on.
type ClientRequest struct {
	NodeID string `json:"node_id"`
	Prompt string `json:"prompt,omitempty"`
}

// Checkpoint is a durable snapshot sufficient to resume an execution at a
// named node.
type Checkpoint struct {
	ID          string    `json:"checkpoint_id"`
	ExecutionID string    `json:"execution_id"`
	StreamID    string    `json:"stream_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// ResumeNode is the node the execution re-enters on resume.
	ResumeNode string `json:"resume_node"`

	// State is the execution-scoped state snapshot.
	State map[string]any `json:"state_snapshot"`

	// VisitCounts restores loop bookkeeping on resume.
	VisitCounts map[string]int `json:"visit_counts,omitempty"`

	// PendingClientRequest is set when the checkpoint was taken at a
	// client_input pause.
	PendingClientRequest *ClientRequest `json:"pending_client_request,omitempty"`

	// ParentID chains checkpoints; empty for the first checkpoint of an
	// execution.
	ParentID string `json:"parent_checkpoint,omitempty"`
}

// NewID returns a fresh checkpoint id.
func NewID() string {
	return "cp_" + uuid.New().String()
}

// Canonical returns the canonical JSON encoding of the checkpoint, the
// byte form all backends hash and persist.
func (c *Checkpoint) Canonical() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Checksum returns the hex sha256 of the canonical encoding.
func (c *Checkpoint) Checksum() (string, error) {
	data, err := c.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a canonical checkpoint payload and verifies it against the
// given hex sha256 checksum. An empty checksum skips verification.
func Decode(id string, payload []byte, checksum string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if checksum != "" {
		got, err := cp.Checksum()
		if err != nil {
			return nil, err
		}
		if got != checksum {
			return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, id)
		}
	}
	return &cp, nil
}

// IndexEntry is the per-checkpoint record kept in an execution's index.
type IndexEntry struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ResumeNode string    `json:"resume_node"`
}

// Pruner is optionally implemented by backends that can discard the
// oldest checkpoints of an execution, keeping the most recent `keep`.
type Pruner interface {
	Prune(ctx context.Context, executionID string, keep int) error
}

// CheckpointStore is the persistence contract for execution snapshots.
// A successfully returned Save is durable. Implementations must verify
// content integrity on Load and return ErrCorrupt on mismatch.
type CheckpointStore interface {
	// Save persists the checkpoint atomically and returns its id.
	Save(ctx context.Context, checkpoint *Checkpoint) (string, error)

	// Load retrieves a checkpoint by id, verifying its checksum.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// LatestFor returns the most recent checkpoint of an execution, or
	// ErrNotFound when the execution has none.
	LatestFor(ctx context.Context, executionID string) (*Checkpoint, error)

	// ListFor returns all checkpoints of an execution, oldest first.
	ListFor(ctx context.Context, executionID string) ([]*Checkpoint, error)

	// Delete removes all snapshots and the index of an execution.
	Delete(ctx context.Context, executionID string) error
}
