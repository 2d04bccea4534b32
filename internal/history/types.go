package history

import (
	"context"
	"time"
)

// Score is one prosody label attached to a transcript message.
type Score struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// MessageRecord stores a single user or assistant transcript line.
type MessageRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Emotions    []Score   `json:"emotions,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// EmotionRecord is one throttled emotion sample.
type EmotionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Emotion   string    `json:"emotion"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is the summary row written when a session ends.
type SessionRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	AvatarSessionID string    `json:"avatar_session_id,omitempty"`
	Status          string    `json:"status"`
	Degraded        bool      `json:"degraded"`
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// Store persists session history.
type Store interface {
	SaveMessage(ctx context.Context, record MessageRecord) error
	SaveEmotion(ctx context.Context, record EmotionRecord) error
	SaveSession(ctx context.Context, record SessionRecord) error
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	Close() error
}
