package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
)

const messageColumns = `id, session_id, role, content, category, photos::text, files::text, status, created_at`

// Append inserts a message into an active session. created_at never goes
// backwards within a session.
func (s *Store) Append(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error) {
	if msg.ID != "" {
		existing, err := s.getMessage(ctx, msg.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	stored := *msg
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
	photos, err := marshalJSON(stored.Photos, "[]")
	if err != nil {
		return nil, fmt.Errorf("encoding photos: %w", err)
	}
	files, err := marshalJSON(stored.Files, "[]")
	if err != nil {
		return nil, fmt.Errorf("encoding files: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, category, photos, files, status, created_at)
		SELECT $1, s.id, $3, $4, $5, $6::jsonb, $7::jsonb, $8,
		       GREATEST($9::timestamptz, COALESCE(
		           (SELECT max(m.created_at) FROM chat_messages m WHERE m.session_id = s.id), $9::timestamptz))
		FROM chat_sessions s
		WHERE s.id = $2 AND s.status = 'active'
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`,
		stored.ID, stored.SessionID, string(stored.Role), stored.Content, string(stored.Category),
		photos, files, string(stored.Status), s.now()).Scan(&stored.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if existing, getErr := s.getMessage(ctx, stored.ID); getErr == nil {
			return existing, nil
		}
		return nil, s.inactive(ctx, stored.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return &stored, nil
}

// ListBySession returns a page of messages ending before the cursor.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int, before string) ([]model.ChatMessage, bool, error) {
	limit = store.ClampLimit(limit)

	var cursor int64
	if before != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT seq FROM chat_messages WHERE id = $1 AND session_id = $2`,
			before, sessionID).Scan(&cursor)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("message %s: %w", before, model.ErrNotFound)
		}
		if err != nil {
			return nil, false, fmt.Errorf("resolving cursor: %w", err)
		}
	}

	msgs, err := s.newestFirst(ctx, sessionID, cursor, limit+1)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	return msgs, hasMore, nil
}

// LoadRecent returns the n most recent messages in ascending order.
func (s *Store) LoadRecent(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.newestFirst(ctx, sessionID, 0, n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// UpdateContent replaces message content and status.
func (s *Store) UpdateContent(ctx context.Context, id, content string, status model.MessageStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_messages SET content = $2, status = $3 WHERE id = $1 AND status = $4`,
		id, content, string(status), string(model.MessagePending))
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	msg, err := s.getMessage(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("message %s is %s: %w", id, msg.Status, model.ErrConflict)
}

func (s *Store) newestFirst(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]model.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE session_id = $1 AND ($2::bigint = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`,
		sessionID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) getMessage(ctx context.Context, id string) (*model.ChatMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return msg, nil
}

func scanMessage(row pgx.Row) (*model.ChatMessage, error) {
	var (
		msg                    model.ChatMessage
		role, category, status string
		photos, files          string
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &category, &photos, &files, &status, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = model.Role(role)
	msg.Category = model.Category(category)
	msg.Status = model.MessageStatus(status)
	if err := json.Unmarshal([]byte(photos), &msg.Photos); err != nil {
		return nil, fmt.Errorf("decoding photos: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &msg.Files); err != nil {
		return nil, fmt.Errorf("decoding files: %w", err)
	}
	if len(msg.Photos) == 0 {
		msg.Photos = nil
	}
	if len(msg.Files) == 0 {
		msg.Files = nil
	}
	return &msg, nil
}
