// Package service provides the chat operations exposed to clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/relay"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/internal/validate"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const maxKeywordLength = 50

// Guard authorizes a caller against a session.
type Guard interface {
	CheckOwner(ctx context.Context, sessionID, callerID string) (*model.ChatSession, error)
	CheckOwnerAllowDeleted(ctx context.Context, sessionID, callerID string) (*model.ChatSession, error)
}

// Window is the context window of a session.
type Window interface {
	Invalidate(ctx context.Context, sessionID string) error
}

// Publisher receives session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

// ChatService handles session and message operations for authenticated
// callers.
type ChatService struct {
	store  store.Store
	guard  Guard
	window Window
	relay  *relay.Relay
	events Publisher
	logger *logger.Logger
}

// NewChatService creates a chat service. events may be nil.
func NewChatService(st store.Store, g Guard, window Window, r *relay.Relay, events Publisher, log *logger.Logger) *ChatService {
	return &ChatService{
		store:  st,
		guard:  g,
		window: window,
		relay:  r,
		events: events,
		logger: log.With(zap.String("component", "chat_service")),
	}
}

// CreateSession creates an empty session owned by the caller.
func (s *ChatService) CreateSession(ctx context.Context, callerID string, req *model.CreateSessionRequest) (*model.ChatSession, error) {
	if callerID == "" {
		return nil, model.ErrUnauthenticated
	}
	if err := validate.CreateSessionRequest(req); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = model.DefaultSessionTitle
	}

	sess, err := s.store.Create(ctx, callerID, title, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	metrics.SessionsCreated.WithLabelValues("explicit").Inc()
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("owner_id", callerID),
		zap.String("mode", "explicit"),
	)
	s.publish(ctx, &model.SessionEvent{SessionID: sess.ID, ActorID: callerID, Type: model.EventSessionCreated})

	return sess, nil
}

// GetSession returns one of the caller's active sessions.
func (s *ChatService) GetSession(ctx context.Context, callerID, sessionID string) (*model.ChatSession, error) {
	if err := validate.ID("session_id", sessionID); err != nil {
		return nil, err
	}
	return s.guard.CheckOwner(ctx, sessionID, callerID)
}

// ListSessions returns a page of the caller's active sessions, optionally
// filtered by a title keyword.
func (s *ChatService) ListSessions(ctx context.Context, callerID, keyword string, page store.Page) (*model.SessionPage, error) {
	if callerID == "" {
		return nil, model.ErrUnauthenticated
	}
	keyword = strings.TrimSpace(keyword)
	if utf8.RuneCountInString(keyword) > maxKeywordLength {
		return nil, model.Invalid("keyword", fmt.Sprintf("exceeds %d characters", maxKeywordLength))
	}

	result, err := s.store.ListActive(ctx, callerID, store.ListFilter{Keyword: keyword}, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return result, nil
}

// RenameSession changes the title of one of the caller's sessions.
func (s *ChatService) RenameSession(ctx context.Context, callerID, sessionID string, req *model.RenameSessionRequest) (*model.ChatSession, error) {
	if err := validate.ID("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := validate.Title(req.Title); err != nil {
		return nil, err
	}
	if _, err := s.guard.CheckOwner(ctx, sessionID, callerID); err != nil {
		return nil, err
	}

	sess, err := s.store.Rename(ctx, sessionID, strings.TrimSpace(req.Title))
	if err != nil {
		return nil, fmt.Errorf("renaming session: %w", err)
	}
	return sess, nil
}

// DeleteSession soft-deletes one of the caller's sessions. Deleting an
// already deleted session succeeds. A reply still streaming is cancelled.
func (s *ChatService) DeleteSession(ctx context.Context, callerID, sessionID string) error {
	if err := validate.ID("session_id", sessionID); err != nil {
		return err
	}
	sess, err := s.guard.CheckOwnerAllowDeleted(ctx, sessionID, callerID)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return nil
	}

	if err := s.store.SoftDelete(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := s.relay.Cancel(sessionID, callerID); err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("failed to cancel reply", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := s.window.Invalidate(ctx, sessionID); err != nil {
		s.logger.Warn("failed to drop context window", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("session deleted", zap.String("session_id", sessionID), zap.String("owner_id", callerID))
	s.publish(ctx, &model.SessionEvent{SessionID: sessionID, ActorID: callerID, Type: model.EventSessionDeleted})
	return nil
}

// ListMessages returns a page of a session's messages in ascending order.
// cursor is the ID of the oldest message the client already has.
func (s *ChatService) ListMessages(ctx context.Context, callerID, sessionID, cursor string, limit int) (*model.ListMessagesResponse, error) {
	if err := validate.ID("session_id", sessionID); err != nil {
		return nil, err
	}
	if cursor != "" {
		if err := validate.ID("cursor", cursor); err != nil {
			return nil, err
		}
	}
	if _, err := s.guard.CheckOwner(ctx, sessionID, callerID); err != nil {
		return nil, err
	}

	msgs, hasMore, err := s.store.ListBySession(ctx, sessionID, store.ClampLimit(limit), cursor)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	resp := &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore}
	if resp.Messages == nil {
		resp.Messages = []model.ChatMessage{}
	}
	if hasMore && len(msgs) > 0 {
		resp.NextCursor = msgs[0].ID
	}
	return resp, nil
}

// Send starts a reply. See relay.Relay.Send.
func (s *ChatService) Send(ctx context.Context, callerID string, req *model.SendRequest) (*relay.Stream, error) {
	return s.relay.Send(ctx, callerID, req)
}

// Cancel stops the reply streaming in one of the caller's sessions.
func (s *ChatService) Cancel(ctx context.Context, callerID, sessionID string) error {
	if err := validate.ID("session_id", sessionID); err != nil {
		return err
	}
	if _, err := s.guard.CheckOwner(ctx, sessionID, callerID); err != nil {
		return err
	}
	return s.relay.Cancel(sessionID, callerID)
}

func (s *ChatService) publish(ctx context.Context, event *model.SessionEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}
