package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps TaskMemory as JSON under <prefix><taskID>. Entries
// expire after the configured TTL so abandoned tasks are evicted.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func (s *RedisStore) key(taskID string) string {
	return s.cfg.KeyPrefix + taskID
}

// Get returns the task's memory, or nil when none exists.
func (s *RedisStore) Get(ctx context.Context, taskID string) (*TaskMemory, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", taskID, err)
	}
	var mem TaskMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		return nil, fmt.Errorf("decoding memory for %s: %w", taskID, err)
	}
	return &mem, nil
}

// Put replaces the task's memory and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, mem *TaskMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encoding memory for %s: %w", mem.TaskID, err)
	}
	if err := s.client.Set(ctx, s.key(mem.TaskID), data, s.cfg.TTL.Duration()).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", mem.TaskID, err)
	}
	return nil
}

// Delete removes the task's memory.
func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", taskID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Backend == BackendRedis {
		// Return a nil interface on failure, not a nil *RedisStore.
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return NewMemStore(), nil
}
