// Package guard authorizes callers against the sessions they address.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const auditTimeout = 2 * time.Second

// SessionGetter reads sessions in any status.
type SessionGetter interface {
	Get(ctx context.Context, id string) (*model.ChatSession, error)
}

// Auditor records denied access attempts.
type Auditor interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

// OwnershipGuard checks that a session exists, is active and belongs to the
// caller.
type OwnershipGuard struct {
	sessions SessionGetter
	audit    Auditor
	logger   *logger.Logger
}

// New creates a guard. audit may be nil.
func New(sessions SessionGetter, audit Auditor, log *logger.Logger) *OwnershipGuard {
	return &OwnershipGuard{
		sessions: sessions,
		audit:    audit,
		logger:   log.With(zap.String("component", "ownership_guard")),
	}
}

// CheckOwner returns the session if it is active and owned by callerID.
// Otherwise it fails with model.ErrNotFound, model.ErrGone or
// model.ErrForbidden. Callers must treat Gone and Forbidden alike when
// answering clients.
func (g *OwnershipGuard) CheckOwner(ctx context.Context, sessionID, callerID string) (*model.ChatSession, error) {
	return g.check(ctx, sessionID, callerID, false)
}

// CheckOwnerAllowDeleted is CheckOwner that also accepts the caller's own
// deleted sessions.
func (g *OwnershipGuard) CheckOwnerAllowDeleted(ctx context.Context, sessionID, callerID string) (*model.ChatSession, error) {
	return g.check(ctx, sessionID, callerID, true)
}

func (g *OwnershipGuard) check(ctx context.Context, sessionID, callerID string, allowDeleted bool) (*model.ChatSession, error) {
	if callerID == "" {
		return nil, model.ErrUnauthenticated
	}

	sess, err := g.sessions.Get(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		g.deny(ctx, sessionID, callerID, "not_found")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("checking session owner: %w", err)
	}

	owner := sess.OwnerID == callerID
	switch {
	case !sess.Active() && allowDeleted && owner:
		return sess, nil
	case !sess.Active():
		g.deny(ctx, sessionID, callerID, "gone")
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrGone)
	case !owner:
		g.deny(ctx, sessionID, callerID, "forbidden")
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrForbidden)
	}
	return sess, nil
}

func (g *OwnershipGuard) deny(ctx context.Context, sessionID, callerID, reason string) {
	metrics.AccessDenied.WithLabelValues(reason).Inc()
	if reason == "not_found" {
		return
	}

	g.logger.Warn("session access denied",
		zap.String("session_id", sessionID),
		zap.String("caller_id", callerID),
		zap.String("reason", reason),
	)

	if g.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := g.audit.Publish(auditCtx, &model.SessionEvent{
		SessionID: sessionID,
		ActorID:   callerID,
		Type:      model.EventAccessDenied,
		Reason:    reason,
	})
	if err != nil {
		g.logger.Warn("failed to publish access audit event", zap.Error(err))
	}
}
