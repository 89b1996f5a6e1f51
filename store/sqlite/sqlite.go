// Package sqlite provides a SQLite-backed CheckpointStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aden-hive/hive-sub001/store"
)

// SqliteCheckpointStore implements store.CheckpointStore using SQLite.
type SqliteCheckpointStore struct {
	db        *sql.DB
	tableName string
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// SqliteOptions configuration for the SQLite connection.
type SqliteOptions struct {
	Path      string
	TableName string // Default "checkpoints"
}

// NewSqliteCheckpointStore opens (or creates) the database and its schema.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	s := &SqliteCheckpointStore{db: db, tableName: tableName}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the checkpoints table if it doesn't exist.
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			resume_node TEXT NOT NULL,
			payload TEXT NOT NULL,
			checksum TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_execution_id ON %s (execution_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}

// Save stores a checkpoint with its checksum.
func (s *SqliteCheckpointStore) Save(ctx context.Context, checkpoint *store.Checkpoint) (string, error) {
	cp := *checkpoint
	if cp.ID == "" {
		cp.ID = store.NewID()
	}

	payload, err := cp.Canonical()
	if err != nil {
		return "", err
	}
	sum, err := cp.Checksum()
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, execution_id, resume_node, payload, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			execution_id = excluded.execution_id,
			resume_node = excluded.resume_node,
			payload = excluded.payload,
			checksum = excluded.checksum,
			created_at = excluded.created_at
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		cp.ID, cp.ExecutionID, cp.ResumeNode, string(payload), sum, cp.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Load retrieves a checkpoint by id, verifying its checksum.
func (s *SqliteCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT payload, checksum FROM %s WHERE id = ?`, s.tableName)

	var payload, sum string
	err := s.db.QueryRowContext(ctx, query, checkpointID).Scan(&payload, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return store.Decode(checkpointID, []byte(payload), sum)
}

// LatestFor returns the most recent checkpoint of an execution.
func (s *SqliteCheckpointStore) LatestFor(ctx context.Context, executionID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, payload, checksum FROM %s
		WHERE execution_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, s.tableName)

	var id, payload, sum string
	err := s.db.QueryRowContext(ctx, query, executionID).Scan(&id, &payload, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return store.Decode(id, []byte(payload), sum)
}

// ListFor returns all checkpoints of an execution, oldest first.
func (s *SqliteCheckpointStore) ListFor(ctx context.Context, executionID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, payload, checksum FROM %s
		WHERE execution_id = ?
		ORDER BY created_at ASC, id ASC
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		var id, payload, sum string
		if err := rows.Scan(&id, &payload, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := store.Decode(id, []byte(payload), sum)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes all checkpoints of an execution.
func (s *SqliteCheckpointStore) Delete(ctx context.Context, executionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE execution_id = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
