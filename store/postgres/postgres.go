// Package postgres provides a PostgreSQL-backed CheckpointStore.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aden-hive/hive-sub001/store"
)

// DBPool defines the interface for the database connection pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL.
type PostgresCheckpointStore struct {
	pool      DBPool
	tableName string
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// PostgresOptions configuration for the Postgres connection.
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "checkpoints"
}

// NewPostgresCheckpointStore creates a store backed by a new connection pool.
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresCheckpointStore{pool: pool, tableName: tableName}, nil
}

// NewPostgresCheckpointStoreWithPool wraps an existing pool.
// Useful for testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresCheckpointStore{pool: pool, tableName: tableName}
}

// InitSchema creates the checkpoints table if it doesn't exist.
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			resume_node TEXT NOT NULL,
			payload JSONB NOT NULL,
			checksum TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_execution_id ON %s (execution_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresCheckpointStore) Close() {
	s.pool.Close()
}

// Save stores a checkpoint with its checksum.
func (s *PostgresCheckpointStore) Save(ctx context.Context, checkpoint *store.Checkpoint) (string, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			resume_node = EXCLUDED.resume_node,
			payload = EXCLUDED.payload,
			checksum = EXCLUDED.checksum,
			created_at = EXCLUDED.created_at
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		cp.ID, cp.ExecutionID, cp.ResumeNode, string(payload), sum, cp.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Load retrieves a checkpoint by id, verifying its checksum.
func (s *PostgresCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT payload, checksum FROM %s WHERE id = $1`, s.tableName)

	var payload []byte
	var sum string
	err := s.pool.QueryRow(ctx, query, checkpointID).Scan(&payload, &sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return store.Decode(checkpointID, payload, sum)
}

// LatestFor returns the most recent checkpoint of an execution.
func (s *PostgresCheckpointStore) LatestFor(ctx context.Context, executionID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, payload, checksum FROM %s
		WHERE execution_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, s.tableName)

	var id, sum string
	var payload []byte
	err := s.pool.QueryRow(ctx, query, executionID).Scan(&id, &payload, &sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return store.Decode(id, payload, sum)
}

// ListFor returns all checkpoints of an execution, oldest first.
func (s *PostgresCheckpointStore) ListFor(ctx context.Context, executionID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, payload, checksum FROM %s
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		var id, sum string
		var payload []byte
		if err := rows.Scan(&id, &payload, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := store.Decode(id, payload, sum)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes all checkpoints of an execution.
func (s *PostgresCheckpointStore) Delete(ctx context.Context, executionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE execution_id = $1`, s.tableName)
	if _, err := s.pool.Exec(ctx, query, executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
