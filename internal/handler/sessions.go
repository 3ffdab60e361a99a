package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/service"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// SessionHandler serves stored transcripts.
type SessionHandler struct {
	sessionService *service.SessionService
	logger         *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.SessionService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: svc,
		logger:         logger.OrNop(log).Component("session_handler"),
	}
}

// Get handles GET /api/sessions/{session_id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")

	resp, err := h.sessionService.Get(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to get session", zap.String("conversation_id", id), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
