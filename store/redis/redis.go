// Package redis provides a Redis-backed CheckpointStore.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aden-hive/hive-sub001/store"
)

// RedisCheckpointStore implements store.CheckpointStore using Redis.
// Checkpoints are stored as JSON strings keyed by id, with a per-execution
// set indexing them.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisOptions configuration for the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "hive:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

// NewRedisCheckpointStore creates a new Redis checkpoint store.
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "hive:"
	}

	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// NewRedisCheckpointStoreWithClient wraps an existing client. Useful for
// tests against miniredis.
func NewRedisCheckpointStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCheckpointStore {
	if prefix == "" {
		prefix = "hive:"
	}
	return &RedisCheckpointStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

func (s *RedisCheckpointStore) checkpointKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s", s.prefix, id)
}

func (s *RedisCheckpointStore) checksumKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s:sha256", s.prefix, id)
}

func (s *RedisCheckpointStore) executionKey(id string) string {
	return fmt.Sprintf("%sexecution:%s:checkpoints", s.prefix, id)
}

// Save stores a checkpoint and indexes it under its execution.
func (s *RedisCheckpointStore) Save(ctx context.Context, checkpoint *store.Checkpoint) (string, error) {
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

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(cp.ID), payload, s.ttl)
	pipe.Set(ctx, s.checksumKey(cp.ID), sum, s.ttl)
	if cp.ExecutionID != "" {
		execKey := s.executionKey(cp.ExecutionID)
		pipe.SAdd(ctx, execKey, cp.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, execKey, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return cp.ID, nil
}

// Load retrieves a checkpoint by id, verifying its checksum.
func (s *RedisCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	payload, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	sum, err := s.client.Get(ctx, s.checksumKey(checkpointID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load checkpoint checksum: %w", err)
	}
	return store.Decode(checkpointID, payload, sum)
}

// LatestFor returns the most recent checkpoint of an execution.
func (s *RedisCheckpointStore) LatestFor(ctx context.Context, executionID string) (*store.Checkpoint, error) {
	all, err := s.ListFor(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, store.ErrNotFound
	}
	return all[len(all)-1], nil
}

// ListFor returns all checkpoints of an execution, oldest first.
func (s *RedisCheckpointStore) ListFor(ctx context.Context, executionID string) ([]*store.Checkpoint, error) {
	ids, err := s.client.SMembers(ctx, s.executionKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints from redis: %w", err)
	}

	out := make([]*store.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // expired member
			}
			return nil, err
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes all checkpoints of an execution.
func (s *RedisCheckpointStore) Delete(ctx context.Context, executionID string) error {
	execKey := s.executionKey(executionID)
	ids, err := s.client.SMembers(ctx, execKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints for delete: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(id))
		pipe.Del(ctx, s.checksumKey(id))
	}
	pipe.Del(ctx, execKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoints from redis: %w", err)
	}
	return nil
}
