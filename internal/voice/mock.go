package voice

import (
	"context"
	"sync"
	"time"

	"github.com/talkai-app/talkai/internal/audio"
)

const defaultMockTurnFrames = 25

// MockStream is a local stand-in used when no voice service is configured.
// Every TurnFrames captured frames it emits a user message with prosody
// scores, an assistant reply and a few WAV chunks echoing the last frame.
type MockStream struct {
	handlers   Handlers
	turnFrames int
	now        func() time.Time

	mu        sync.Mutex
	connected bool
	closed    bool
	paused    bool
	frames    int
	events    chan func()
	done      chan struct{}
}

func NewMockStream(handlers Handlers, turnFrames int) *MockStream {
	if turnFrames <= 0 {
		turnFrames = defaultMockTurnFrames
	}
	return &MockStream{
		handlers:   handlers,
		turnFrames: turnFrames,
		now:        time.Now,
		events:     make(chan func(), 64),
		done:       make(chan struct{}),
	}
}

func MockStreamFactory(turnFrames int) StreamFactory {
	return func(handlers Handlers) Stream {
		return NewMockStream(handlers, turnFrames)
	}
}

func (s *MockStream) Connect(ctx context.Context, _ Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.mu.Unlock()

	go s.loop()
	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect()
	}
	return nil
}

func (s *MockStream) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *MockStream) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	if !s.connected || s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.frames++
	turn := s.frames%s.turnFrames == 0
	paused := s.paused
	s.mu.Unlock()

	if !turn {
		return nil
	}
	now := s.now().UTC()
	emotions := []EmotionScore{{Name: "Calmness", Score: 0.62}, {Name: "Interest", Score: 0.31}}
	s.emit(func() {
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Message{Role: RoleUser, Content: "simulated voice input", Emotions: emotions, Timestamp: now})
		}
		if s.handlers.OnEmotion != nil {
			s.handlers.OnEmotion(emotions)
		}
	})
	if paused {
		return nil
	}
	reply, err := audio.EncodeWAVPCM16LE(frame, audio.DefaultSampleRate)
	if err != nil {
		return err
	}
	s.emit(func() {
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Message{Role: RoleAssistant, Content: "I'm here with you. Tell me more.", Timestamp: now})
		}
		if s.handlers.OnAudio != nil {
			for i := 0; i < 3; i++ {
				s.handlers.OnAudio(reply)
			}
		}
	})
	return nil
}

// emit queues fn for the event goroutine, dropping it if the queue is full.
func (s *MockStream) emit(fn func()) {
	select {
	case s.events <- fn:
	default:
	}
}

func (s *MockStream) PauseAssistant(context.Context) error {
	return s.setPaused(true)
}

func (s *MockStream) ResumeAssistant(context.Context) error {
	return s.setPaused(false)
}

func (s *MockStream) setPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return ErrNotConnected
	}
	s.paused = paused
	return nil
}

func (s *MockStream) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
