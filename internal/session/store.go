// Package session persists conversation transcripts.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session has no stored transcript.
var ErrNotFound = errors.New("session not found")

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
}

// NewMessage builds a transcript entry stamped with the current time.
func NewMessage(role, content string, toolsUsed []string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		ToolsUsed: toolsUsed,
	}
}

// Session is a conversation transcript.
type Session struct {
	ID        string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists transcripts keyed by conversation id.
type Store interface {
	// Append adds messages to the end of a transcript, creating it if needed.
	Append(ctx context.Context, sessionID string, msgs ...Message) error

	// History returns up to limit of the most recent messages, oldest first.
	// A non-positive limit returns the whole transcript.
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Get returns the full session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Clear removes a transcript. Clearing an unknown session is not an error.
	Clear(ctx context.Context, sessionID string) error

	Close() error
}

// Backend names used in configuration and metrics.
const (
	BackendMemory    = "memory"
	BackendJetStream = "jetstream"
	BackendSQLite    = "sqlite"
)

// withDefaults returns a copy of msgs with missing ids and timestamps filled.
func withDefaults(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		out[i] = m
	}
	return out
}

func tail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// BackendOf names the backend of s for logs and metrics.
func BackendOf(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return BackendMemory
	case *SQLiteStore:
		return BackendSQLite
	case *JetStreamStore:
		return BackendJetStream
	default:
		return "custom"
	}
}
