// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// DefaultSessionTitle is used when no title is given and none can be derived.
const DefaultSessionTitle = "New chat"

// SessionStatus is the lifecycle state of a session. It only moves from
// active to deleted.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionDeleted SessionStatus = "deleted"
)

// ChatSession represents a conversation owned by one user.
type ChatSession struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    SessionStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Active reports whether the session still accepts messages.
func (s *ChatSession) Active() bool {
	return s.Status == SessionActive
}

// CreateSessionRequest is the request to create a new session.
type CreateSessionRequest struct {
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RenameSessionRequest is the request to change a session title.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

// SessionPage is one page of a session listing.
type SessionPage struct {
	Sessions []ChatSession `json:"sessions"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	Size     int           `json:"size"`
	HasMore  bool          `json:"has_more"`
}
