// Package store defines the durable storage contracts for sessions and
// messages.
package store

import (
	"context"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const (
	// DefaultPageSize applies when a listing asks for no explicit size.
	DefaultPageSize = 20
	// MaxPageSize caps any listing.
	MaxPageSize = 100
)

// ListFilter narrows a session listing.
type ListFilter struct {
	// Keyword matches titles case-insensitively. Empty matches all.
	Keyword string
}

// Page selects a window of results. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize fills defaults and clamps the page size.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// ClampLimit applies the listing defaults to a message limit.
func ClampLimit(limit int) int {
	if limit < 1 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// SessionStore persists chat sessions. It does not authorize callers.
type SessionStore interface {
	// Create stores a new active session and returns it with ID and timestamps set.
	Create(ctx context.Context, ownerID, title string, metadata map[string]any) (*model.ChatSession, error)

	// Get returns a session in any status, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.ChatSession, error)

	// ListActive returns the owner's active sessions, most recently updated first.
	ListActive(ctx context.Context, ownerID string, filter ListFilter, page Page) (*model.SessionPage, error)

	// Rename updates the title and last-update timestamp.
	Rename(ctx context.Context, id, title string) (*model.ChatSession, error)

	// SoftDelete marks the session deleted. Deleting twice is a no-op.
	SoftDelete(ctx context.Context, id string) error

	// Touch bumps the last-update timestamp of an active session.
	Touch(ctx context.Context, id string) error
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// Append stores a message, assigning ID and CreatedAt when unset. The
	// session must exist and be active. Appending an ID that is already
	// stored returns the stored message unchanged.
	Append(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error)

	// ListBySession returns up to limit messages older than the before cursor
	// (a message ID), or the latest messages when before is empty, in
	// ascending creation order. The bool reports whether older messages exist.
	ListBySession(ctx context.Context, sessionID string, limit int, before string) ([]model.ChatMessage, bool, error)

	// LoadRecent returns the n most recent messages in ascending order.
	LoadRecent(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error)

	// UpdateContent sets the content and status of a pending message. A
	// message that is no longer pending fails with model.ErrConflict.
	UpdateContent(ctx context.Context, id, content string, status model.MessageStatus) error
}

// Store combines both stores, as every backend implements them together.
type Store interface {
	SessionStore
	MessageStore
	Close()
}
