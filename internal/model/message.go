package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Category classifies a message by its attachments.
type Category string

const (
	CategoryText          Category = "text"
	CategoryTextWithPhoto Category = "text_with_photo"
	CategoryTextWithFile  Category = "text_with_file"
)

// MessageStatus tracks whether an assistant reply was fully generated.
// User messages are always complete.
type MessageStatus string

const (
	MessagePending  MessageStatus = "pending"
	MessageComplete MessageStatus = "complete"
	MessagePartial  MessageStatus = "partial"
)

// ChatMessage represents one turn in a session.
type ChatMessage struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Category  Category         `json:"category"`
	Photos    []string         `json:"photos,omitempty"`
	Files     []map[string]any `json:"files,omitempty"`
	Status    MessageStatus    `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// CategoryFor derives the message category from its attachments. Photos win
// over files when both are present.
func CategoryFor(photos []string, files []map[string]any) Category {
	switch {
	case len(photos) > 0:
		return CategoryTextWithPhoto
	case len(files) > 0:
		return CategoryTextWithFile
	default:
		return CategoryText
	}
}

// SendRequest is the request to send a user message and stream the reply.
// An empty SessionID starts a new session.
type SendRequest struct {
	SessionID string           `json:"session_id,omitempty"`
	Content   string           `json:"content"`
	Photos    []string         `json:"photos,omitempty"`
	Files     []map[string]any `json:"files,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages   []ChatMessage `json:"messages"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
