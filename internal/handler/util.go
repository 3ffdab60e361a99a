package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/agent-event-gateway/internal/model"
	"github.com/capitalize-ai/agent-event-gateway/internal/service"
)

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "1"

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.ErrorResponse{Error: message})
}

// writeServiceError maps a service error onto a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
