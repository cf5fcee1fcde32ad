// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/relay"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const maxBodyBytes = 1 << 20

// notAccessible answers both forbidden and deleted sessions so clients
// cannot tell them apart.
const notAccessible = "session not accessible"

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps a service error to its HTTP status.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrGone):
		writeError(w, http.StatusForbidden, notAccessible)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrConcurrentSend):
		writeError(w, http.StatusConflict, "a reply is already streaming for this session")
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting update")
	case errors.Is(err, relay.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt parses an optional integer query parameter. Missing or malformed
// values yield 0 so the service defaults apply.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
