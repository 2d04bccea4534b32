// Package voice is the boundary to the emotion-aware voice conversation
// service: a bidirectional stream of transcript messages, prosody emotion
// scores and synthesized audio.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotConnected = errors.New("voice stream not connected")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type EmotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Message is one finalized transcript entry.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Emotions  []EmotionScore `json:"emotions,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Error is a provider-reported error event.
type Error struct {
	Code    string
	Slug    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "voice stream: " + e.Message
	}
	return "voice stream " + e.Code + ": " + e.Message
}

// DialError is a websocket handshake rejected with an HTTP status.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial voice websocket (status %d): %v", e.Status, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Handlers receive stream events. They run on the stream's read goroutine and
// must not block.
type Handlers struct {
	OnMessage    func(Message)
	OnEmotion    func([]EmotionScore)
	OnAudio      func([]byte)
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

type Config struct {
	ConfigID    string
	AccessToken string
}

// Stream is one live voice conversation.
type Stream interface {
	Connect(ctx context.Context, cfg Config) error
	SendAudio(ctx context.Context, frame []byte) error
	PauseAssistant(ctx context.Context) error
	ResumeAssistant(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// StreamFactory builds an unconnected stream bound to handlers.
type StreamFactory func(handlers Handlers) Stream

// TokenSource issues voice service access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
