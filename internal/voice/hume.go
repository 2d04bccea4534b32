package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const humeWriteTimeout = 5 * time.Second

type HumeConfig struct {
	WSURL  string
	Dialer *websocket.Dialer
}

// HumeStream is an EVI chat websocket client.
type HumeStream struct {
	cfg      HumeConfig
	handlers Handlers
	logger   zerolog.Logger
	now      func() time.Time

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

func NewHumeStream(cfg HumeConfig, handlers Handlers, logger zerolog.Logger) *HumeStream {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = "wss://api.hume.ai/v0/evi/chat"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &HumeStream{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func HumeStreamFactory(cfg HumeConfig, logger zerolog.Logger) StreamFactory {
	return func(handlers Handlers) Stream {
		return NewHumeStream(cfg, handlers, logger)
	}
}

func (s *HumeStream) Connect(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("voice stream already connected")
	}
	s.mu.Unlock()

	u, err := url.Parse(s.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("parse voice websocket url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", cfg.AccessToken)
	if id := strings.TrimSpace(cfg.ConfigID); id != "" {
		q.Set("config_id", id)
	}
	u.RawQuery = q.Encode()

	conn, res, err := s.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return &DialError{Status: res.StatusCode, Err: err}
		}
		return fmt.Errorf("dial voice websocket: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	s.conn = conn
	s.mu.Unlock()

	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect()
	}
	go s.readLoop(conn)
	return nil
}

func (s *HumeStream) readLoop(conn *websocket.Conn) {
	var cause error
	defer func() {
		s.mu.Lock()
		local := s.closed
		s.closed = true
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		close(s.done)
		if !local && s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(cause)
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cause = err
			}
			return
		}
		s.dispatch(data)
	}
}

type humeEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Interim bool            `json:"interim"`
	Data    string          `json:"data"`
	Code    string          `json:"code"`
	Slug    string          `json:"slug"`
	Models  struct {
		Prosody struct {
			Scores map[string]float64 `json:"scores"`
		} `json:"prosody"`
	} `json:"models"`
}

func (s *HumeStream) dispatch(data []byte) {
	var ev humeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Debug().Err(err).Msg("skipping malformed voice event")
		return
	}

	switch ev.Type {
	case "user_message", "assistant_message":
		if ev.Interim {
			return
		}
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		_ = json.Unmarshal(ev.Message, &body)
		role := Role(body.Role)
		if role == "" {
			role = RoleAssistant
			if ev.Type == "user_message" {
				role = RoleUser
			}
		}
		emotions := sortedScores(ev.Models.Prosody.Scores)
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Message{
				Role:      role,
				Content:   normalizeTranscript(body.Content),
				Emotions:  emotions,
				Timestamp: s.now().UTC(),
			})
		}
		if ev.Type == "user_message" && len(emotions) > 0 && s.handlers.OnEmotion != nil {
			s.handlers.OnEmotion(emotions)
		}
	case "audio_output":
		frame, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("skipping undecodable voice audio")
			return
		}
		if len(frame) > 0 && s.handlers.OnAudio != nil {
			s.handlers.OnAudio(frame)
		}
	case "error":
		var text string
		if err := json.Unmarshal(ev.Message, &text); err != nil {
			text = strings.TrimSpace(string(ev.Message))
		}
		if s.handlers.OnError != nil {
			s.handlers.OnError(&Error{Code: ev.Code, Slug: ev.Slug, Message: text})
		}
	default:
		s.logger.Debug().Str("type", ev.Type).Msg("voice event ignored")
	}
}

// sortedScores orders scores by descending value, then by name.
func sortedScores(scores map[string]float64) []EmotionScore {
	if len(scores) == 0 {
		return nil
	}
	out := make([]EmotionScore, 0, len(scores))
	for name, score := range scores {
		out = append(out, EmotionScore{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *HumeStream) SendAudio(ctx context.Context, frame []byte) error {
	return s.writeJSON(ctx, map[string]any{
		"type": "audio_input",
		"data": base64.StdEncoding.EncodeToString(frame),
	})
}

func (s *HumeStream) PauseAssistant(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]any{"type": "pause_assistant_message"})
}

func (s *HumeStream) ResumeAssistant(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]any{"type": "resume_assistant_message"})
}

func (s *HumeStream) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(humeWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write voice message: %w", err)
	}
	return nil
}

// Disconnect closes the websocket. It is idempotent.
func (s *HumeStream) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := conn.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close voice websocket: %w", err)
	}
	return nil
}
