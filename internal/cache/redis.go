package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// RedisBackend keeps each window in a Redis list of JSON entries. A separate
// marker key records presence, since Redis drops empty lists.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps a connected client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func markerKey(key string) string {
	return key + ":present"
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]model.ContextEntry, bool, error) {
	var (
		items  *redis.StringSliceCmd
		exists *redis.IntCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		exists = pipe.Exists(ctx, markerKey(key))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("loading window: %w", err)
	}
	if exists.Val() == 0 {
		return nil, false, nil
	}

	raw := items.Val()
	entries := make([]model.ContextEntry, 0, len(raw))
	for _, item := range raw {
		var e model.ContextEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, false, fmt.Errorf("decoding window entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

func (b *RedisBackend) Store(ctx context.Context, key string, entries []model.ContextEntry, ttl time.Duration) error {
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding window entry: %w", err)
		}
		values = append(values, data)
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
			pipe.Expire(ctx, key, ttl)
		}
		pipe.Set(ctx, markerKey(key), "1", ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing window: %w", err)
	}
	return nil
}

func (b *RedisBackend) Push(ctx context.Context, key string, entry model.ContextEntry, limit int, ttl time.Duration) error {
	exists, err := b.client.Exists(ctx, markerKey(key)).Result()
	if err != nil {
		return fmt.Errorf("checking window: %w", err)
	}
	if exists == 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding window entry: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-limit), -1)
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, markerKey(key), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pushing window entry: %w", err)
	}
	return nil
}

func (b *RedisBackend) Touch(ctx context.Context, key string, ttl time.Duration) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, markerKey(key), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refreshing window ttl: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key, markerKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting window: %w", err)
	}
	return nil
}
