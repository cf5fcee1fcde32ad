package cache

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// Backend stores context windows as ordered lists with a TTL.
//
// A window is either present (possibly empty) or absent. Push and Touch on
// an absent window leave it absent so the next Load rebuilds it from the
// message store.
type Backend interface {
	// Load returns the window oldest first and whether it is present.
	Load(ctx context.Context, key string) ([]model.ContextEntry, bool, error)

	// Store replaces the window and sets its TTL.
	Store(ctx context.Context, key string, entries []model.ContextEntry, ttl time.Duration) error

	// Push appends entry, keeps only the newest limit entries and refreshes the TTL.
	Push(ctx context.Context, key string, entry model.ContextEntry, limit int, ttl time.Duration) error

	// Touch refreshes the TTL.
	Touch(ctx context.Context, key string, ttl time.Duration) error

	// Delete drops the window.
	Delete(ctx context.Context, key string) error
}

type memoryWindow struct {
	entries []model.ContextEntry
	expires time.Time
}

// MemoryBackend is a process-local Backend.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]*memoryWindow
	now   func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]*memoryWindow),
		now:   time.Now,
	}
}

func (b *MemoryBackend) live(key string) (*memoryWindow, bool) {
	w, ok := b.items[key]
	if !ok {
		return nil, false
	}
	if !b.now().Before(w.expires) {
		delete(b.items, key)
		return nil, false
	}
	return w, true
}

func (b *MemoryBackend) Load(_ context.Context, key string) ([]model.ContextEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]model.ContextEntry{}, w.entries...), true, nil
}

func (b *MemoryBackend) Store(_ context.Context, key string, entries []model.ContextEntry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = &memoryWindow{
		entries: append([]model.ContextEntry{}, entries...),
		expires: b.now().Add(ttl),
	}
	return nil
}

func (b *MemoryBackend) Push(_ context.Context, key string, entry model.ContextEntry, limit int, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.live(key)
	if !ok {
		return nil
	}
	w.entries = append(w.entries, entry)
	if len(w.entries) > limit {
		w.entries = append([]model.ContextEntry{}, w.entries[len(w.entries)-limit:]...)
	}
	w.expires = b.now().Add(ttl)
	return nil
}

func (b *MemoryBackend) Touch(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.live(key); ok {
		w.expires = b.now().Add(ttl)
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
	return nil
}
