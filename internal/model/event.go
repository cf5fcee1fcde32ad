package model

import (
	"time"
)

// StreamEvent is one frame of a streamed reply.
type StreamEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	Finish    bool   `json:"finish"`
}

// ErrorEvent is sent in place of the finish frame when a stream fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventType represents the type of session event.
type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventSessionDeleted  EventType = "session.deleted"
	EventAccessDenied    EventType = "access.denied"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.failed"
)

// SessionEvent is an audit or lifecycle record published for a session.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
