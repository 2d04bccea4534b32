package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process for local runs and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]MessageRecord
	emotions map[string][]EmotionRecord
	sessions map[string]SessionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]MessageRecord),
		emotions: make(map[string][]EmotionRecord),
		sessions: make(map[string]SessionRecord),
	}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, record MessageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Emotions = append([]Score(nil), record.Emotions...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[record.SessionID] = append(s.messages[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SaveEmotion(_ context.Context, record EmotionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.emotions[record.SessionID] = append(s.emotions[record.SessionID], record)
	return nil
}

// SaveSession upserts the summary row keyed by session id.
func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.ID] = record
	return nil
}

// SessionMessages returns the latest limit messages in chronological order.
func (s *InMemoryStore) SessionMessages(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]MessageRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// Emotions returns every emotion sample recorded for a session.
func (s *InMemoryStore) Emotions(sessionID string) []EmotionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EmotionRecord(nil), s.emotions[sessionID]...)
}

// Session returns the stored summary row, if any.
func (s *InMemoryStore) Session(id string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

func (s *InMemoryStore) Close() error { return nil }
