package model

// ContextEntry is one turn of the prompt history kept in the context cache.
type ContextEntry struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

// EntryFromMessage maps a stored message to its context entry.
func EntryFromMessage(m *ChatMessage) ContextEntry {
	return ContextEntry{
		Role:      m.Role,
		Content:   m.Content,
		MessageID: m.ID,
	}
}
