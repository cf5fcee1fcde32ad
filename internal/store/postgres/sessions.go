package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
)

const sessionColumns = `id, owner_id, title, metadata::text, status, created_at, updated_at`

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new active session.
func (s *Store) Create(ctx context.Context, ownerID, title string, metadata map[string]any) (*model.ChatSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	md, err := marshalJSON(metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	now := s.now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, owner_id, title, metadata, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 'active', $5, $5)
		RETURNING `+sessionColumns,
		id.String(), ownerID, title, md, now)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// Get returns a session in any status.
func (s *Store) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// ListActive returns a page of the owner's active sessions.
func (s *Store) ListActive(ctx context.Context, ownerID string, filter store.ListFilter, page store.Page) (*model.SessionPage, error) {
	page = page.Normalize()
	pattern := likePattern(filter.Keyword)

	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM chat_sessions
		WHERE owner_id = $1 AND status = 'active' AND ($2 = '' OR title ILIKE $2)`,
		ownerID, pattern).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE owner_id = $1 AND status = 'active' AND ($2 = '' OR title ILIKE $2)
		ORDER BY updated_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		ownerID, pattern, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.ChatSession, 0, page.Size)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return &model.SessionPage{
		Sessions: sessions,
		Total:    total,
		Page:     page.Number,
		Size:     page.Size,
		HasMore:  page.Offset()+len(sessions) < total,
	}, nil
}

// Rename updates the session title.
func (s *Store) Rename(ctx context.Context, id, title string) (*model.ChatSession, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE chat_sessions SET title = $2, updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING `+sessionColumns,
		id, title, s.now())
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.inactive(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("renaming session: %w", err)
	}
	return sess, nil
}

// SoftDelete marks the session deleted.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET status = 'deleted', updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, s.now())
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// Touch bumps the last-update timestamp.
func (s *Store) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, s.now())
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactive(ctx, id)
	}
	return nil
}

// inactive explains why an update that required an active session matched
// no row.
func (s *Store) inactive(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return fmt.Errorf("session %s: %w", id, model.ErrGone)
	}
	return fmt.Errorf("session %s: concurrent update", id)
}

func scanSession(row pgx.Row) (*model.ChatSession, error) {
	var (
		sess     model.ChatSession
		metadata string
		status   string
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &metadata, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(sess.Metadata) == 0 {
		sess.Metadata = nil
	}
	return &sess, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(keyword) + "%"
}
