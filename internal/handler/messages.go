package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// MessageHandler handles message history endpoints.
type MessageHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ChatService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/chat/sessions/{id}/messages?cursor=&limit=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.service.ListMessages(ctx,
		middleware.GetUserID(ctx),
		chi.URLParam(r, "id"),
		r.URL.Query().Get("cursor"),
		queryInt(r, "limit"),
	)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
