package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "parley:snapshot:"

// RedisBackend stores the encoded snapshot under a namespaced key, with the
// previous generation kept under a sibling backup key. Useful when several
// bot instances share a Redis and the local filesystem is ephemeral.
type RedisBackend struct {
	client    *redis.Client
	key       string
	backupKey string
}

// NewRedisBackend creates a backend namespaced by name (e.g. the bot id).
func NewRedisBackend(client *redis.Client, name string) *RedisBackend {
	if name == "" {
		name = "default"
	}
	return &RedisBackend{
		client:    client,
		key:       snapshotKeyPrefix + name,
		backupKey: snapshotKeyPrefix + name + ":bak",
	}
}

func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis read snapshot: %w", err)
	}
	return data, nil
}

func (b *RedisBackend) ReadBackup(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.backupKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis read snapshot backup: %w", err)
	}
	return data, nil
}

func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	current, err := b.client.Get(ctx, b.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis read current snapshot: %w", err)
	}

	pipe := b.client.TxPipeline()
	if current != nil {
		pipe.Set(ctx, b.backupKey, current, 0)
	}
	pipe.Set(ctx, b.key, data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write snapshot: %w", err)
	}
	return nil
}

func (b *RedisBackend) Size(ctx context.Context) (int64, error) {
	n, err := b.client.StrLen(ctx, b.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis snapshot size: %w", err)
	}
	return n, nil
}
