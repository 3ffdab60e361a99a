package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/middleware"
	"github.com/capitalize-ai/agent-event-gateway/internal/stream"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// EventHandler handles the per-conversation event stream.
type EventHandler struct {
	registry     *broker.Registry
	adapter      *stream.Adapter
	writeTimeout time.Duration
	logger       *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(
	registry *broker.Registry,
	adapter *stream.Adapter,
	writeTimeout time.Duration,
	log *logger.Logger,
) *EventHandler {
	return &EventHandler{
		registry:     registry,
		adapter:      adapter,
		writeTimeout: writeTimeout,
		logger:       logger.OrNop(log).Component("event_handler"),
	}
}

// Stream handles GET /api/events/{chat_id}
// The first frame is always the connected event, followed by recent history
// and then live events until the client goes away.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chat_id")
	if err := middleware.ValidateStreamID(chatID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before committing the response so a channel closed in the
	// meantime can still be refused with a status code.
	at, err := h.attach(chatID)
	if err != nil {
		h.writeResolveError(w, err)
		return
	}

	sw, err := stream.NewSSEWriter(w, h.writeTimeout)
	if err != nil {
		at.Release()
		if errors.Is(err, stream.ErrStreamingUnsupported) {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
		}
		return
	}

	log := h.logger.WithContext(middleware.GetCorrelationID(r.Context()), chatID)

	if err := at.Run(r.Context(), sw); err != nil {
		log.Debug("event stream ended", zap.Error(err))
	}
}

// attach resolves and subscribes to the channel for chatID. A channel closed
// between the two steps is resolved again once.
func (h *EventHandler) attach(chatID string) (*stream.Attachment, error) {
	for attempt := 0; ; attempt++ {
		ch, err := h.resolve(chatID)
		if err != nil {
			return nil, err
		}
		at, err := h.adapter.Attach(ch)
		if errors.Is(err, broker.ErrChannelClosed) && attempt == 0 {
			continue
		}
		return at, err
	}
}

func (h *EventHandler) resolve(chatID string) (*broker.Channel, error) {
	if chatID == middleware.WildcardChatID {
		ch, ok := h.registry.Lookup(broker.WildcardID)
		if !ok {
			return nil, errFirehoseDisabled
		}
		return ch, nil
	}
	return h.registry.GetOrCreate(chatID)
}

var errFirehoseDisabled = errors.New("firehose is disabled")

func (h *EventHandler) writeResolveError(w http.ResponseWriter, err error) {
	if errors.Is(err, errFirehoseDisabled) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeError(w, http.StatusServiceUnavailable, "service unavailable")
}
