package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/middleware"
	"github.com/capitalize-ai/agent-event-gateway/internal/model"
	"github.com/capitalize-ai/agent-event-gateway/internal/session"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
)

// SessionService exposes stored transcripts together with live channel state.
type SessionService struct {
	registry *broker.Registry
	sessions session.Store
	logger   *logger.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(registry *broker.Registry, sessions session.Store, log *logger.Logger) *SessionService {
	return &SessionService{
		registry: registry,
		sessions: sessions,
		logger:   logger.OrNop(log).Component("session_service"),
	}
}

// Get returns the transcript of one conversation. An unknown conversation
// yields an empty transcript rather than an error.
func (s *SessionService) Get(ctx context.Context, id string) (*model.SessionResponse, error) {
	if err := middleware.ValidateChatID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resp := &model.SessionResponse{
		SessionID: id,
		Messages:  []model.SessionMessage{},
		Metadata:  map[string]any{},
	}

	sess, err := s.sessions.Get(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		metrics.SessionStoreErrorsTotal.WithLabelValues(session.BackendOf(s.sessions), "get").Inc()
		s.logger.Error("failed to load session", zap.String("conversation_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		for _, m := range sess.Messages {
			resp.Messages = append(resp.Messages, model.SessionMessage{
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.Timestamp,
				ToolsUsed: m.ToolsUsed,
			})
		}
		resp.Metadata["created_at"] = sess.CreatedAt.UTC().Format(time.RFC3339Nano)
		resp.Metadata["updated_at"] = sess.UpdatedAt.UTC().Format(time.RFC3339Nano)
		resp.Metadata["message_count"] = len(resp.Messages)
	}

	if ch, ok := s.registry.Lookup(id); ok {
		if st := ch.Stats(); !st.Closed {
			resp.Metadata["live"] = true
			resp.Metadata["last_sequence"] = st.LastSequence
			resp.Metadata["subscribers"] = st.Subscribers
			resp.Metadata["buffered"] = st.Buffered
		}
	}

	return resp, nil
}
