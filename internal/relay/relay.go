// Package relay runs one send end to end: persist the user turn, stream the
// generated reply to the caller and persist the reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/validate"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	DefaultBuffer         = 64
	DefaultSendTimeout    = 10 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/capitalize-ai/chatstream/internal/relay")

// Sessions creates and touches sessions.
type Sessions interface {
	Create(ctx context.Context, ownerID, title string, metadata map[string]any) (*model.ChatSession, error)
	Touch(ctx context.Context, id string) error
}

// Messages is the durable message log.
type Messages interface {
	Append(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error)
	UpdateContent(ctx context.Context, id, content string, status model.MessageStatus) error
}

// Window is the per-session context window.
type Window interface {
	Get(ctx context.Context, sessionID string) ([]model.ContextEntry, error)
	Append(ctx context.Context, sessionID string, entry model.ContextEntry) error
	Invalidate(ctx context.Context, sessionID string) error
}

// Guard authorizes a caller against a session.
type Guard interface {
	CheckOwner(ctx context.Context, sessionID, callerID string) (*model.ChatSession, error)
}

// Publisher receives lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

// Deps are the collaborators of a Relay. Events may be nil.
type Deps struct {
	Sessions  Sessions
	Messages  Messages
	Window    Window
	Guard     Guard
	Generator llm.Client
	Events    Publisher
}

// Config tunes streaming.
type Config struct {
	// StreamTimeout bounds a whole reply. Zero means no bound.
	StreamTimeout time.Duration
	// SendTimeout is how long an event may wait for the consumer.
	SendTimeout time.Duration
	// PersistTimeout bounds the final write after a reply ends.
	PersistTimeout time.Duration
	// Buffer is the event channel capacity.
	Buffer int

	Model       string
	MaxTokens   int
	Temperature float64
}

// Relay serializes sends per session and streams replies.
type Relay struct {
	Deps
	cfg      Config
	inflight *registry
	logger   *logger.Logger
}

// New creates a Relay. Zero config fields take defaults.
func New(deps Deps, cfg Config, log *logger.Logger) *Relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &Relay{
		Deps:     deps,
		cfg:      cfg,
		inflight: newRegistry(),
		logger:   log.With(zap.String("component", "relay")),
	}
}

// Send validates the request, resolves or creates the session, persists the
// user turn and an empty assistant placeholder, then starts streaming. Any
// error returned here happened before streaming; failures after that are
// reported through the Stream.
//
// The stream outlives ctx. The caller ends it early with Stream.Cancel.
func (r *Relay) Send(ctx context.Context, callerID string, req *model.SendRequest) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "relay.Send")
	defer span.End()

	s, err := r.start(ctx, callerID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", s.SessionID),
		attribute.String("message.id", s.MessageID),
		attribute.Bool("session.created", s.Created),
	)
	return s, nil
}

func (r *Relay) start(ctx context.Context, callerID string, req *model.SendRequest) (*Stream, error) {
	if callerID == "" {
		return nil, model.ErrUnauthenticated
	}
	if err := validate.SendRequest(req); err != nil {
		metrics.SendsRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if r.inflight.isClosed() {
		metrics.SendsRejected.WithLabelValues("shutting_down").Inc()
		return nil, ErrShuttingDown
	}

	sessionID, created, err := r.resolveSession(ctx, callerID, req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s := newStream(callerID, r.cfg.Buffer, cancel)
	s.SessionID = sessionID
	s.Created = created

	if err := r.inflight.add(sessionID, s); err != nil {
		cancel(nil)
		reason := "conflict"
		if errors.Is(err, ErrShuttingDown) {
			reason = "shutting_down"
		}
		metrics.SendsRejected.WithLabelValues(reason).Inc()
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	history, err := r.persistTurn(ctx, s, req)
	if err != nil {
		r.inflight.remove(sessionID, s)
		r.inflight.done()
		cancel(nil)
		return nil, err
	}

	if created {
		// Tells a new client which session and reply it is looking at.
		s.events <- s.frame("", false)
	}
	s.transition(StateStreaming)
	metrics.StreamsInFlight.Inc()

	go r.run(streamCtx, s, req.Content, history)

	return s, nil
}

func (r *Relay) resolveSession(ctx context.Context, callerID string, req *model.SendRequest) (string, bool, error) {
	if req.SessionID != "" {
		sess, err := r.Guard.CheckOwner(ctx, req.SessionID, callerID)
		if err != nil {
			metrics.SendsRejected.WithLabelValues("access").Inc()
			return "", false, err
		}
		return sess.ID, false, nil
	}

	sess, err := r.Sessions.Create(ctx, callerID, validate.TitleFromContent(req.Content), nil)
	if err != nil {
		return "", false, fmt.Errorf("creating session: %w", err)
	}
	metrics.SessionsCreated.WithLabelValues("implicit").Inc()
	r.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("owner_id", callerID),
		zap.String("mode", "implicit"),
	)
	r.publish(ctx, &model.SessionEvent{
		SessionID: sess.ID,
		ActorID:   callerID,
		Type:      model.EventSessionCreated,
	})
	return sess.ID, true, nil
}

// persistTurn reads the prior window, then stores the user message and the
// assistant placeholder. The window is read first so the query is not part
// of its own history.
func (r *Relay) persistTurn(ctx context.Context, s *Stream, req *model.SendRequest) ([]model.ContextEntry, error) {
	history, err := r.Window.Get(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading context: %w", err)
	}

	s.transition(StateAwaitingUserPersist)
	userMsg, err := r.Messages.Append(ctx, &model.ChatMessage{
		SessionID: s.SessionID,
		Role:      model.RoleUser,
		Content:   req.Content,
		Category:  model.CategoryFor(req.Photos, req.Files),
		Photos:    req.Photos,
		Files:     req.Files,
		Status:    model.MessageComplete,
	})
	if err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}
	s.UserMessageID = userMsg.ID
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	if err := r.Window.Append(ctx, s.SessionID, model.EntryFromMessage(userMsg)); err != nil {
		r.dropWindow(ctx, s.SessionID, err)
	}

	placeholder, err := r.Messages.Append(ctx, &model.ChatMessage{
		SessionID: s.SessionID,
		Role:      model.RoleAssistant,
		Category:  model.CategoryText,
		Status:    model.MessagePending,
	})
	if err != nil {
		return nil, fmt.Errorf("saving reply placeholder: %w", err)
	}
	s.MessageID = placeholder.ID

	if err := r.Sessions.Touch(ctx, s.SessionID); err != nil {
		r.logger.Warn("failed to touch session", zap.String("session_id", s.SessionID), zap.Error(err))
	}
	return history, nil
}

// run streams the reply and finalizes the stream.
func (r *Relay) run(ctx context.Context, s *Stream, query string, history []model.ContextEntry) {
	defer r.inflight.done()
	defer metrics.StreamsInFlight.Dec()
	defer close(s.done)
	defer s.cancel(nil)

	ctx, span := tracer.Start(ctx, "relay.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.SessionID),
		attribute.String("message.id", s.MessageID),
		attribute.Int("history.turns", len(history)),
		attribute.String("generator", r.Generator.Name()),
	)

	genCtx := ctx
	if r.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeoutCause(ctx, r.cfg.StreamTimeout, ErrStreamTimeout)
		defer cancel()
	}

	start := time.Now()
	var reply strings.Builder
	tokens := 0
	err := r.Generator.StreamChat(genCtx, &llm.Request{
		Query:       query,
		History:     llm.HistoryFromEntries(history),
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}, func(token string) error {
		reply.WriteString(token)
		tokens++
		return s.emit(genCtx, s.frame(token, false), r.cfg.SendTimeout)
	})

	content := reply.String()
	if err != nil {
		err = failureCause(genCtx, err)
		r.fail(ctx, s, content, err)
	} else {
		s.transition(StateFinalizing)
		if err = r.complete(ctx, s, content); err != nil {
			r.fail(ctx, s, content, err)
		} else if ferr := s.emit(genCtx, s.frame("", true), r.cfg.SendTimeout); ferr != nil {
			// The reply is saved; only the closing frame was lost.
			err = failureCause(genCtx, ferr)
		}
	}

	span.SetAttributes(attribute.Int("reply.tokens", tokens))
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordGeneration(r.Generator.Name(), outcome, time.Since(start).Seconds(), tokens)

	r.inflight.remove(s.SessionID, s)
	s.finish(err)
}

// failureCause names why streaming stopped. Cancellation causes win over
// whatever the generator reported when the context ended.
func failureCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return ctx.Err()
	}
	switch {
	case errors.Is(err, ErrSlowConsumer), errors.Is(err, model.ErrUpstream):
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrUpstream, err)
}

// complete saves the full reply and adds it to the window.
func (r *Relay) complete(ctx context.Context, s *Stream, content string) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	if err := r.Messages.UpdateContent(persistCtx, s.MessageID, content, model.MessageComplete); err != nil {
		r.logger.Error("failed to save reply",
			zap.String("session_id", s.SessionID),
			zap.String("message_id", s.MessageID),
			zap.Error(err),
		)
		return fmt.Errorf("saving reply: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	entry := model.ContextEntry{Role: model.RoleAssistant, Content: content, MessageID: s.MessageID}
	if err := r.Window.Append(persistCtx, s.SessionID, entry); err != nil {
		r.dropWindow(persistCtx, s.SessionID, err)
	}

	r.logger.Info("reply completed",
		zap.String("session_id", s.SessionID),
		zap.String("message_id", s.MessageID),
		zap.Int("length", len(content)),
	)
	r.publish(persistCtx, &model.SessionEvent{
		SessionID: s.SessionID,
		ActorID:   s.ownerID,
		Type:      model.EventStreamCompleted,
		Metadata:  map[string]any{"message_id": s.MessageID},
	})
	return nil
}

// fail saves whatever arrived as a partial reply. The window is left alone
// so an incomplete reply never becomes prompt history.
func (r *Relay) fail(ctx context.Context, s *Stream, content string, cause error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	if err := r.Messages.UpdateContent(persistCtx, s.MessageID, content, model.MessagePartial); err != nil {
		r.logger.Error("failed to save partial reply",
			zap.String("session_id", s.SessionID),
			zap.String("message_id", s.MessageID),
			zap.Error(err),
		)
	}

	r.logger.Warn("reply failed",
		zap.String("session_id", s.SessionID),
		zap.String("message_id", s.MessageID),
		zap.Int("partial_length", len(content)),
		zap.Error(cause),
	)
	r.publish(persistCtx, &model.SessionEvent{
		SessionID: s.SessionID,
		ActorID:   s.ownerID,
		Type:      model.EventStreamFailed,
		Reason:    cause.Error(),
		Metadata:  map[string]any{"message_id": s.MessageID},
	})
}

// dropWindow discards a window that missed a write; the next read rebuilds it.
func (r *Relay) dropWindow(ctx context.Context, sessionID string, cause error) {
	r.logger.Warn("context window update failed",
		zap.String("session_id", sessionID),
		zap.Error(cause),
	)
	if err := r.Window.Invalidate(ctx, sessionID); err != nil {
		r.logger.Error("failed to drop context window", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Relay) publish(ctx context.Context, event *model.SessionEvent) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

// Cancel stops the reply streaming in sessionID on behalf of its owner.
// It returns model.ErrNotFound when nothing is streaming.
func (r *Relay) Cancel(sessionID, callerID string) error {
	s, ok := r.inflight.get(sessionID)
	if !ok || s.ownerID != callerID {
		return fmt.Errorf("no reply streaming in session %s: %w", sessionID, model.ErrNotFound)
	}
	s.cancel(ErrCancelled)
	return nil
}

// Streaming reports whether a reply is in flight for sessionID.
func (r *Relay) Streaming(sessionID string) bool {
	_, ok := r.inflight.get(sessionID)
	return ok
}

// Shutdown refuses further sends with ErrShuttingDown, cancels every
// in-flight stream and waits until their partial replies are saved or ctx
// ends.
func (r *Relay) Shutdown(ctx context.Context) error {
	for _, s := range r.inflight.close() {
		s.cancel(ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		r.inflight.wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
