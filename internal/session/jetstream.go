package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/nats"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
)

// Transcripts is the JetStream surface used by JetStreamStore.
type Transcripts interface {
	Append(ctx context.Context, sessionID string, data []byte) (uint64, error)
	Read(ctx context.Context, sessionID string, lastN int) ([]nats.Record, error)
	Purge(ctx context.Context, sessionID string) error
}

// JetStreamStore persists transcripts as messages on a JetStream stream.
type JetStreamStore struct {
	stream Transcripts
	logger *logger.Logger
}

// NewJetStreamStore wraps a transcript stream.
func NewJetStreamStore(stream Transcripts, log *logger.Logger) *JetStreamStore {
	return &JetStreamStore{
		stream: stream,
		logger: logger.OrNop(log).Component("session_store"),
	}
}

func (s *JetStreamStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	for _, m := range withDefaults(msgs) {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := s.stream.Append(ctx, sessionID, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *JetStreamStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	records, err := s.stream.Read(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(records))
	for _, rec := range records {
		var m Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			s.logger.Warn("skipping malformed transcript entry",
				zap.String("session_id", sessionID),
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err),
			)
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = rec.Time
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *JetStreamStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	msgs, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &Session{
		ID:        sessionID,
		Messages:  msgs,
		CreatedAt: msgs[0].Timestamp,
		UpdatedAt: msgs[len(msgs)-1].Timestamp,
	}, nil
}

func (s *JetStreamStore) Clear(ctx context.Context, sessionID string) error {
	return s.stream.Purge(ctx, sessionID)
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *JetStreamStore) Close() error { return nil }
