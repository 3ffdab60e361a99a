package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/middleware"
	"github.com/capitalize-ai/agent-event-gateway/internal/model"
	"github.com/capitalize-ai/agent-event-gateway/internal/service"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// maxBodyBytes bounds a message request body. Content is capped separately.
const maxBodyBytes = 1 << 20

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         logger.OrNop(log).Component("message_handler"),
	}
}

// Send handles POST /api/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// An authenticated caller is the sender unless the body names one.
	if req.SenderID == "" {
		req.SenderID = middleware.GetUserID(r.Context())
	}

	resp, err := h.messageService.Send(r.Context(), &req)
	if err != nil {
		h.logger.WithContext(middleware.GetCorrelationID(r.Context()), req.ChatID).
			Debug("message rejected", zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
