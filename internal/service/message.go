// Package service connects the HTTP surface to the conversation channels,
// the agent engine and the transcript store.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/agent"
	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/internal/middleware"
	"github.com/capitalize-ai/agent-event-gateway/internal/model"
	"github.com/capitalize-ai/agent-event-gateway/internal/session"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/metrics"
	"github.com/capitalize-ai/agent-event-gateway/pkg/tracing"
)

var (
	// ErrValidation marks a malformed inbound message.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable marks a message the gateway cannot accept right now.
	ErrUnavailable = errors.New("service unavailable")
)

const (
	// reportShards is the number of report workers. A conversation always
	// maps to the same worker, which keeps its events in order.
	reportShards = 16
	// shardQueueSize bounds the reports waiting on one worker.
	shardQueueSize = 64
	// persistTimeout bounds one transcript write.
	persistTimeout = 5 * time.Second
)

// MessageService accepts inbound messages and publishes the agent's progress.
type MessageService struct {
	registry *broker.Registry
	engine   agent.Engine
	sessions session.Store
	logger   *logger.Logger
	tracer   trace.Tracer

	shards         int
	persistTimeout time.Duration
}

// NewMessageService creates a new message service.
func NewMessageService(
	registry *broker.Registry,
	engine agent.Engine,
	sessions session.Store,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		registry: registry,
		engine:   engine,
		sessions: sessions,
		logger:   logger.OrNop(log).Component("message_service"),
		tracer:   tracing.Tracer(),

		shards:         reportShards,
		persistTimeout: persistTimeout,
	}
}

// Send validates req and hands it to the engine. It returns once the engine
// has accepted the message, never waiting for the reply.
func (s *MessageService) Send(ctx context.Context, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.send_message",
		trace.WithAttributes(attribute.String("chat_id", req.ChatID)),
	)
	defer span.End()

	resp, err := s.send(ctx, req)
	status := "accepted"
	switch {
	case errors.Is(err, ErrValidation):
		status = "invalid"
	case err != nil:
		status = "unavailable"
	}
	metrics.MessagesTotal.WithLabelValues(status).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	return resp, err
}

func (s *MessageService) send(ctx context.Context, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := middleware.ValidateChatID(req.ChatID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := middleware.ValidateSenderID(req.SenderID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	senderID := req.SenderID
	if senderID == "" {
		senderID = model.DefaultSenderID
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	ch, err := s.registry.GetOrCreate(req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	err = s.engine.Submit(ctx, agent.Request{
		ConversationID: req.ChatID,
		SenderID:       senderID,
		Content:        req.Content,
		Metadata:       metadata,
		ReceivedAt:     time.Now(),
	})
	if err != nil {
		// Leave nothing behind for a rejected send.
		s.registry.Discard(ch)
		s.logger.Warn("engine rejected message",
			zap.String("conversation_id", req.ChatID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Debug("message accepted",
		zap.String("conversation_id", req.ChatID),
		zap.String("sender_id", senderID),
		zap.Int("length", len(req.Content)),
	)

	return &model.SendMessageResponse{Status: "sent", ChatID: req.ChatID}, nil
}

// Run publishes engine reports until ctx is done or the engine closes its
// report stream. Reports are handled by a fixed set of workers keyed on the
// conversation, so a slow transcript write only holds up the conversations
// that share its worker.
func (s *MessageService) Run(ctx context.Context) error {
	queues := make([]chan agent.Report, s.shards)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan agent.Report, shardQueueSize)
		wg.Add(1)
		go func(in <-chan agent.Report) {
			defer wg.Done()
			for rep := range in {
				s.handleReport(ctx, rep)
			}
		}(queues[i])
	}
	defer func() {
		for _, in := range queues {
			close(in)
		}
		wg.Wait()
	}()

	reports := s.engine.Reports()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-reports:
			if !ok {
				return nil
			}
			select {
			case queues[s.shardFor(rep.ConversationID)] <- rep:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *MessageService) shardFor(conversationID string) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(s.shards))
}

func (s *MessageService) handleReport(ctx context.Context, rep agent.Report) {
	kind := string(rep.Kind)
	if rep.Err != nil {
		kind = "error"
	}
	metrics.EngineReportsTotal.WithLabelValues(kind).Inc()

	log := s.logger.With(zap.String("conversation_id", rep.ConversationID))

	// Persist before publishing so a client that sees the final message can
	// read it back from the transcript.
	if rep.Turn != nil && rep.Err == nil {
		s.persistTurn(ctx, rep.ConversationID, rep.Turn)
	}

	seq, err := s.publish(rep.Event())
	if err != nil {
		log.Warn("dropping engine report", zap.String("kind", kind), zap.Error(err))
		return
	}
	log.Debug("event published", zap.String("kind", kind), zap.Uint64("sequence", seq))
}

// publish appends e to its conversation's channel, recreating the channel
// once if it was evicted after it was resolved.
func (s *MessageService) publish(e event.Event) (uint64, error) {
	for attempt := 0; ; attempt++ {
		ch, err := s.registry.GetOrCreate(e.ConversationID)
		if err != nil {
			return 0, err
		}
		seq, err := ch.Publish(e)
		if errors.Is(err, broker.ErrChannelClosed) && attempt == 0 {
			continue
		}
		return seq, err
	}
}

func (s *MessageService) persistTurn(ctx context.Context, conversationID string, turn *agent.Turn) {
	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	err := s.sessions.Append(ctx, conversationID,
		session.NewMessage(session.RoleUser, turn.UserContent, nil),
		session.NewMessage(session.RoleAssistant, turn.AssistantContent, turn.ToolsUsed),
	)
	if err != nil {
		metrics.SessionStoreErrorsTotal.WithLabelValues(session.BackendOf(s.sessions), "append").Inc()
		s.logger.Error("failed to persist turn",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}
