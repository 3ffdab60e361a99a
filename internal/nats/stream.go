package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the session transcript stream.
	StreamName = "SESSIONS"

	// SubjectPrefix is the prefix for all transcript subjects.
	SubjectPrefix = "sessions"

	fetchBatch = 256
)

// Record is one stored transcript entry.
type Record struct {
	Data     []byte
	Sequence uint64
	Time     time.Time
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. maxAge bounds how long
// transcripts are retained; zero keeps them for a year.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream creates or updates the transcript stream.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		Description: "Conversation transcripts",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// SubjectToken encodes an arbitrary id as a single subject token so that
// dots and wildcards cannot leak into the subject hierarchy.
func SubjectToken(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// SessionSubject returns the subject a session's transcript is stored on.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, SubjectToken(sessionID))
}

// Append stores one transcript entry and returns its stream sequence.
func (m *StreamManager) Append(ctx context.Context, sessionID string, data []byte) (uint64, error) {
	ack, err := m.client.JetStream().Publish(ctx, SessionSubject(sessionID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish transcript entry: %w", err)
	}
	return ack.Sequence, nil
}

// Read returns a session's entries oldest first. A positive lastN keeps only
// the most recent lastN entries.
func (m *StreamManager) Read(ctx context.Context, sessionID string, lastN int) ([]Record, error) {
	js := m.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     SessionSubject(sessionID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		// The server removes it after InactiveThreshold if this fails.
		_ = js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, consumer.CachedInfo().Name)
	}()

	pending := int(consumer.CachedInfo().NumPending)
	records := make([]Record, 0, pending)

	for len(records) < pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := consumer.Fetch(min(fetchBatch, pending-len(records)), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transcript: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			rec := Record{Data: msg.Data()}
			if meta, err := msg.Metadata(); err == nil {
				rec.Sequence = meta.Sequence.Stream
				rec.Time = meta.Timestamp
			}
			records = append(records, rec)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
	}

	if lastN > 0 && len(records) > lastN {
		records = records[len(records)-lastN:]
	}
	return records, nil
}

// Purge removes every entry of a session.
func (m *StreamManager) Purge(ctx context.Context, sessionID string) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(SessionSubject(sessionID))); err != nil {
		return fmt.Errorf("failed to purge session: %w", err)
	}
	return nil
}
