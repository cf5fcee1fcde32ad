package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.ChatService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/chat/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess, err := h.service.CreateSession(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /api/v1/chat/sessions?page=&size=&keyword=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page := store.Page{Number: queryInt(r, "page"), Size: queryInt(r, "size")}
	resp, err := h.service.ListSessions(ctx, middleware.GetUserID(ctx), r.URL.Query().Get("keyword"), page)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/chat/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := h.service.GetSession(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// Rename handles PATCH /api/v1/chat/sessions/{id}
func (h *SessionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.RenameSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.service.RenameSession(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// Delete handles DELETE /api/v1/chat/sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.DeleteSession(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
