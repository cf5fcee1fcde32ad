// Package memory provides in-process session and message stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
)

// Store keeps sessions and messages in maps guarded by one RWMutex.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*model.ChatSession
	messages  map[string]*model.ChatMessage
	bySession map[string][]string
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*model.ChatSession),
		messages:  make(map[string]*model.ChatMessage),
		bySession: make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// Create stores a new active session.
func (s *Store) Create(_ context.Context, ownerID, title string, metadata map[string]any) (*model.ChatSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	now := s.now()
	sess := &model.ChatSession{
		ID:        id.String(),
		OwnerID:   ownerID,
		Title:     title,
		Metadata:  metadata,
		Status:    model.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return cloneSession(sess), nil
}

// Get returns a session in any status.
func (s *Store) Get(_ context.Context, id string) (*model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return cloneSession(sess), nil
}

// ListActive returns a page of the owner's active sessions.
func (s *Store) ListActive(_ context.Context, ownerID string, filter store.ListFilter, page store.Page) (*model.SessionPage, error) {
	page = page.Normalize()
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))

	s.mu.RLock()
	var matched []model.ChatSession
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID || !sess.Active() {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(sess.Title), keyword) {
			continue
		}
		matched = append(matched, *cloneSession(sess))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := min(page.Offset(), total)
	end := min(start+page.Size, total)

	return &model.SessionPage{
		Sessions: matched[start:end],
		Total:    total,
		Page:     page.Number,
		Size:     page.Size,
		HasMore:  end < total,
	}, nil
}

// Rename updates the session title.
func (s *Store) Rename(_ context.Context, id, title string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(id)
	if err != nil {
		return nil, err
	}
	sess.Title = title
	sess.UpdatedAt = s.now()
	return cloneSession(sess), nil
}

// SoftDelete marks the session deleted.
func (s *Store) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if !sess.Active() {
		return nil
	}
	sess.Status = model.SessionDeleted
	sess.UpdatedAt = s.now()
	return nil
}

// Touch bumps the last-update timestamp.
func (s *Store) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(id)
	if err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}

func (s *Store) activeLocked(id string) (*model.ChatSession, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if !sess.Active() {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrGone)
	}
	return sess, nil
}

// Append adds a message to the session log.
func (s *Store) Append(_ context.Context, msg *model.ChatMessage) (*model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if existing, ok := s.messages[msg.ID]; ok {
			return cloneMessage(existing), nil
		}
	}
	if _, err := s.activeLocked(msg.SessionID); err != nil {
		return nil, err
	}

	stored := cloneMessage(msg)
	if stored.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("appending message: %w", err)
		}
		stored.ID = id.String()
	}
	if stored.Category == "" {
		stored.Category = model.CategoryFor(stored.Photos, stored.Files)
	}
	if stored.Status == "" {
		stored.Status = model.MessageComplete
	}

	stored.CreatedAt = s.now()
	ids := s.bySession[stored.SessionID]
	if n := len(ids); n > 0 {
		if last := s.messages[ids[n-1]].CreatedAt; stored.CreatedAt.Before(last) {
			stored.CreatedAt = last
		}
	}

	s.messages[stored.ID] = stored
	s.bySession[stored.SessionID] = append(ids, stored.ID)

	return cloneMessage(stored), nil
}

// ListBySession returns a page of messages ending before the cursor.
func (s *Store) ListBySession(_ context.Context, sessionID string, limit int, before string) ([]model.ChatMessage, bool, error) {
	limit = store.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	end := len(ids)
	if before != "" {
		end = -1
		for i, id := range ids {
			if id == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, false, fmt.Errorf("message %s: %w", before, model.ErrNotFound)
		}
	}
	start := max(end-limit, 0)

	out := make([]model.ChatMessage, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, *cloneMessage(s.messages[id]))
	}
	return out, start > 0, nil
}

// LoadRecent returns the n most recent messages in ascending order.
func (s *Store) LoadRecent(_ context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	ids = ids[max(len(ids)-n, 0):]

	out := make([]model.ChatMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneMessage(s.messages[id]))
	}
	return out, nil
}

// UpdateContent replaces message content and status.
func (s *Store) UpdateContent(_ context.Context, id, content string, status model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if msg.Status != model.MessagePending {
		return fmt.Errorf("message %s is %s: %w", id, msg.Status, model.ErrConflict)
	}
	msg.Content = content
	msg.Status = status
	return nil
}

func cloneSession(s *model.ChatSession) *model.ChatSession {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneMessage(m *model.ChatMessage) *model.ChatMessage {
	c := *m
	if m.Photos != nil {
		c.Photos = append([]string(nil), m.Photos...)
	}
	if m.Files != nil {
		c.Files = append([]map[string]any(nil), m.Files...)
	}
	return &c
}
