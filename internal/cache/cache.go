// Package cache keeps a bounded, expiring window of recent turns per session
// in front of the message store.
package cache

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	DefaultSize      = 20
	DefaultTTL       = 30 * time.Minute
	DefaultKeyPrefix = "chat:context:"

	// fillTimeout bounds a rebuild shared by concurrent readers.
	fillTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/capitalize-ai/chatstream/internal/cache")

// Loader reads recent messages from the durable log.
type Loader interface {
	LoadRecent(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error)
}

// Config sizes the window.
type Config struct {
	Size      int
	TTL       time.Duration
	KeyPrefix string
}

// ContextCache is a cache-aside sliding window of the last Size turns of
// each session. The message store stays authoritative; the window can be
// dropped at any time and is rebuilt on the next Get.
type ContextCache struct {
	backend Backend
	loader  Loader
	size    int
	ttl     time.Duration
	prefix  string
	fills   singleflight.Group
	logger  *logger.Logger
}

// New creates a ContextCache. Zero config fields take defaults.
func New(backend Backend, loader Loader, cfg Config, log *logger.Logger) *ContextCache {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &ContextCache{
		backend: backend,
		loader:  loader,
		size:    cfg.Size,
		ttl:     cfg.TTL,
		prefix:  cfg.KeyPrefix,
		logger:  log.With(zap.String("component", "context_cache")),
	}
}

// Size returns the maximum number of entries per window.
func (c *ContextCache) Size() int {
	return c.size
}

func (c *ContextCache) key(sessionID string) string {
	return c.prefix + sessionID
}

// Get returns the session's window, oldest first. A present window is
// returned as stored with its TTL refreshed; a missing one is rebuilt from
// the last Size messages. Backend failures fall back to the store. A rebuild
// is shared by concurrent readers and is not cut short when the reader that
// started it goes away.
func (c *ContextCache) Get(ctx context.Context, sessionID string) ([]model.ContextEntry, error) {
	ctx, span := tracer.Start(ctx, "cache.Get")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	key := c.key(sessionID)
	entries, ok, err := c.backend.Load(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheLookup("error")
		c.logger.Warn("context window read failed, using message store",
			zap.String("session_id", sessionID), zap.Error(err))
		return c.loadFromStore(ctx, sessionID)
	case ok:
		metrics.RecordCacheLookup("hit")
		span.SetAttributes(attribute.Bool("cache.hit", true))
		if err := c.backend.Touch(ctx, key, c.ttl); err != nil {
			c.logger.Warn("context window ttl refresh failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return entries, nil
	}

	metrics.RecordCacheLookup("miss")
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err, _ := c.fills.Do(key, func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()

		entries, err := c.loadFromStore(fillCtx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := c.backend.Store(fillCtx, key, entries, c.ttl); err != nil {
			c.logger.Warn("context window write failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]model.ContextEntry)), nil
}

// loadFromStore maps the last Size messages to entries. Assistant turns
// that never completed are left out of the window.
func (c *ContextCache) loadFromStore(ctx context.Context, sessionID string) ([]model.ContextEntry, error) {
	msgs, err := c.loader.LoadRecent(ctx, sessionID, c.size)
	if err != nil {
		return nil, err
	}
	entries := make([]model.ContextEntry, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role == model.RoleAssistant && msgs[i].Status != model.MessageComplete {
			continue
		}
		entries = append(entries, model.EntryFromMessage(&msgs[i]))
	}
	return entries, nil
}

// Append adds a turn at the newest end of the window, trims it to Size and
// refreshes the TTL. The window is loaded first if missing. An entry whose
// message is already in the window is not added again.
func (c *ContextCache) Append(ctx context.Context, sessionID string, entry model.ContextEntry) error {
	ctx, span := tracer.Start(ctx, "cache.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("entry.role", string(entry.Role)),
	)

	window, err := c.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	key := c.key(sessionID)
	if entry.MessageID != "" && slices.ContainsFunc(window, func(e model.ContextEntry) bool {
		return e.MessageID == entry.MessageID
	}) {
		return c.backend.Touch(ctx, key, c.ttl)
	}
	return c.backend.Push(ctx, key, entry, c.size, c.ttl)
}

// Invalidate drops the session's window.
func (c *ContextCache) Invalidate(ctx context.Context, sessionID string) error {
	return c.backend.Delete(ctx, c.key(sessionID))
}
