package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	msgs = withDefaults(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		sess = &Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]Message(nil), tail(sess.Messages, limit)...), nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	out.Messages = append([]Message(nil), sess.Messages...)
	return &out, nil
}

func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
