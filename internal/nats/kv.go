package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chatstream/internal/cache"
	"github.com/capitalize-ai/chatstream/internal/model"
)

const casRetries = 5

var _ cache.Backend = (*ContextBucket)(nil)

// ContextBucket stores context windows in a JetStream key-value bucket.
// Expiry is the bucket's TTL, so the ttl arguments are ignored; rewriting a
// key restarts its age.
type ContextBucket struct {
	kv jetstream.KeyValue
}

// EnsureContextBucket opens the bucket, creating it with the given TTL when
// missing.
func EnsureContextBucket(ctx context.Context, client *Client, bucket string, ttl time.Duration) (*ContextBucket, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Recent conversation turns per session",
			History:     1,
			TTL:         ttl,
			Storage:     jetstream.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket: %w", err)
	}
	return &ContextBucket{kv: kv}, nil
}

// kvKey maps a cache key onto the key alphabet JetStream accepts.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (b *ContextBucket) get(ctx context.Context, key string) ([]model.ContextEntry, uint64, bool, error) {
	entry, err := b.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("reading window: %w", err)
	}
	var entries []model.ContextEntry
	if err := json.Unmarshal(entry.Value(), &entries); err != nil {
		return nil, 0, false, fmt.Errorf("decoding window: %w", err)
	}
	return entries, entry.Revision(), true, nil
}

func (b *ContextBucket) Load(ctx context.Context, key string) ([]model.ContextEntry, bool, error) {
	entries, _, ok, err := b.get(ctx, key)
	return entries, ok, err
}

func (b *ContextBucket) Store(ctx context.Context, key string, entries []model.ContextEntry, _ time.Duration) error {
	data, err := encodeWindow(entries)
	if err != nil {
		return err
	}
	if _, err := b.kv.Put(ctx, kvKey(key), data); err != nil {
		return fmt.Errorf("storing window: %w", err)
	}
	return nil
}

func (b *ContextBucket) Push(ctx context.Context, key string, entry model.ContextEntry, limit int, _ time.Duration) error {
	return b.update(ctx, key, func(entries []model.ContextEntry) []model.ContextEntry {
		return appendTrim(entries, entry, limit)
	})
}

func (b *ContextBucket) Touch(ctx context.Context, key string, _ time.Duration) error {
	return b.update(ctx, key, func(entries []model.ContextEntry) []model.ContextEntry {
		return entries
	})
}

func (b *ContextBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("deleting window: %w", err)
	}
	return nil
}

// update rewrites a present window with compare-and-set on its revision,
// retrying when another writer got there first.
func (b *ContextBucket) update(ctx context.Context, key string, fn func([]model.ContextEntry) []model.ContextEntry) error {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		entries, rev, ok, err := b.get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		data, err := encodeWindow(fn(entries))
		if err != nil {
			return err
		}
		if _, err = b.kv.Update(ctx, kvKey(key), data, rev); err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("updating window: %w", lastErr)
}

func encodeWindow(entries []model.ContextEntry) ([]byte, error) {
	if entries == nil {
		entries = []model.ContextEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encoding window: %w", err)
	}
	return data, nil
}

func appendTrim(entries []model.ContextEntry, entry model.ContextEntry, limit int) []model.ContextEntry {
	entries = append(entries, entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
