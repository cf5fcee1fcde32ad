package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/relay"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const defaultHeartbeat = 15 * time.Second

// CompletionHandler streams replies over server-sent events.
type CompletionHandler struct {
	service   *service.ChatService
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewCompletionHandler creates a completion handler. A non-positive
// heartbeat takes the default.
func NewCompletionHandler(svc *service.ChatService, heartbeat time.Duration, log *logger.Logger) *CompletionHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &CompletionHandler{
		service:   svc,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Stream handles POST /api/v1/chat/completions
//
// Errors found before streaming are plain JSON responses. Once the event
// stream has started, a failure ends it with an "error" event.
func (h *CompletionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var req model.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream, err := h.service.Send(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	defer stream.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log = log.With(zap.String("session_id", stream.SessionID), zap.String("message_id", stream.MessageID))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					_ = sendSSEEvent(w, flusher, "error", streamError(err))
				}
				return
			}
			if err := sendSSEEvent(w, flusher, "", ev); err != nil {
				log.Warn("failed to write event", zap.Error(err))
				return
			}
		}
	}
}

// Cancel handles POST /api/v1/chat/sessions/{id}/cancel
func (h *CompletionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Cancel(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// streamError describes a failed stream without exposing backend details.
func streamError(err error) *model.ErrorEvent {
	switch {
	case errors.Is(err, model.ErrUpstream):
		return &model.ErrorEvent{Code: "upstream_error", Message: "reply generation failed"}
	case errors.Is(err, relay.ErrStreamTimeout):
		return &model.ErrorEvent{Code: "timeout", Message: "reply took too long"}
	case errors.Is(err, relay.ErrCancelled):
		return &model.ErrorEvent{Code: "cancelled", Message: "reply cancelled"}
	case errors.Is(err, relay.ErrSlowConsumer):
		return &model.ErrorEvent{Code: "slow_consumer", Message: "client stopped reading"}
	case errors.Is(err, relay.ErrShuttingDown):
		return &model.ErrorEvent{Code: "unavailable", Message: "server shutting down"}
	default:
		return &model.ErrorEvent{Code: "stream_error", Message: "reply interrupted"}
	}
}

// sendSSEEvent writes one event. An empty name writes a default message
// event.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
