// Package session coordinates one therapy conversation: a mandatory voice
// stream, an optional avatar stream, the session timer and user controls.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/avatar"
	"github.com/talkai-app/talkai/internal/expression"
	"github.com/talkai-app/talkai/internal/history"
	"github.com/talkai-app/talkai/internal/observability"
	"github.com/talkai-app/talkai/internal/policy"
	"github.com/talkai-app/talkai/internal/protocol"
	"github.com/talkai-app/talkai/internal/reliability"
	"github.com/talkai-app/talkai/internal/voice"
)

var (
	ErrEnded          = errors.New("session ended")
	ErrNotLive        = errors.New("voice stream not connected")
	ErrAvatarDisabled = errors.New("avatar disabled")
	errInitialized    = errors.New("session already initialized")
)

const (
	defaultEmotionThrottle = 500 * time.Millisecond
	defaultRelayBuffer     = 256
	defaultTickInterval    = time.Second
	persistTimeout         = 5 * time.Second
)

// Avatar is the part of the avatar client the orchestrator drives.
// *avatar.Client implements it.
type Avatar interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, frame []byte)
	SetExpression(ctx context.Context, cmd expression.Command)
	Pause()
	Resume()
	Disconnect(ctx context.Context) error
	SessionID() string
}

// AvatarFactory builds an unconnected avatar client bound to handlers.
type AvatarFactory func(handlers avatar.Handlers) Avatar

// FatalError aborts the session: the voice stream could not be established.
type FatalError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type Options struct {
	ID            string
	UserID        string
	SaveHistory   bool
	VoiceConfigID string

	Tokens    voice.TokenSource
	NewVoice  voice.StreamFactory
	NewAvatar AvatarFactory // nil runs the session voice-only
	History   history.Store

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	EmotionThrottle    time.Duration
	ExpressionDuration time.Duration
	RelayBuffer        int
	SubscriberBuffer   int
	TickInterval       time.Duration
	Now                func() time.Time
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID              string      `json:"session_id"`
	UserID          string      `json:"user_id,omitempty"`
	AvatarSessionID string      `json:"avatar_session_id,omitempty"`
	Status          Status      `json:"status"`
	VoiceState      VoiceState  `json:"voice_state"`
	AvatarState     AvatarState `json:"avatar_state"`
	Muted           bool        `json:"muted"`
	Paused          bool        `json:"paused"`
	AvatarFallback  bool        `json:"avatar_fallback"`
	SaveHistory     bool        `json:"save_history"`
	DurationSeconds int         `json:"duration_seconds"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
}

// Summary is returned by End.
type Summary struct {
	SessionID       string `json:"session_id"`
	FinalStatus     Status `json:"final_status"`
	DurationSeconds int    `json:"duration_seconds"`
	Degraded        bool   `json:"degraded"`
}

type Orchestrator struct {
	id      string
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
	events  *broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	relay       chan []byte
	done        chan struct{}
	persistCh   chan func(context.Context) error
	persistDone chan struct{}

	// persistMu orders sends on persistCh before persistClosed is set.
	persistMu     sync.RWMutex
	persistClosed bool

	mu              sync.Mutex
	voiceState      VoiceState
	avatarState     AvatarState
	ended           bool
	lastStatus      Status
	stream          voice.Stream
	av              Avatar
	avatarEpoch     uint64
	avatarSessionID string
	avatarFallback  bool
	degraded        bool
	muted           bool
	paused          bool
	createdAt       time.Time
	startedAt       time.Time
	pausedAt        time.Time
	stoppedAt       time.Time
	lastActivity    time.Time
	lastEmotion     time.Time
	tickStop        chan struct{}

	endOnce sync.Once
	summary Summary
}

func New(opts Options) *Orchestrator {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.EmotionThrottle <= 0 {
		opts.EmotionThrottle = defaultEmotionThrottle
	}
	if opts.ExpressionDuration <= 0 {
		opts.ExpressionDuration = expression.DefaultDuration
	}
	if opts.RelayBuffer <= 0 {
		opts.RelayBuffer = defaultRelayBuffer
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Now()
	o := &Orchestrator{
		id:           opts.ID,
		opts:         opts,
		now:          opts.Now,
		logger:       opts.Logger.With().Str("session_id", opts.ID).Logger(),
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		relay:        make(chan []byte, opts.RelayBuffer),
		done:         make(chan struct{}),
		persistDone:  make(chan struct{}),
		voiceState:   VoiceIdle,
		avatarState:  AvatarIdle,
		lastStatus:   StatusInitializing,
		createdAt:    now,
		lastActivity: now,
	}
	o.events = newBroadcaster(opts.SubscriberBuffer, func() { o.metrics.WSMessage("out", "dropped") })

	go o.relayLoop()
	if o.historyEnabled() {
		o.persistCh = make(chan func(context.Context) error, 64)
		go o.persistLoop()
	} else {
		close(o.persistDone)
	}
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) historyEnabled() bool {
	return o.opts.SaveHistory && o.opts.History != nil
}

// Initialize fetches a voice token, connects the voice stream and then the
// avatar. Voice failures are fatal; avatar failures leave the session
// degraded and Initialize returns nil.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	if o.voiceState != VoiceIdle {
		o.mu.Unlock()
		return errInitialized
	}
	o.voiceState = VoiceConnecting
	o.mu.Unlock()
	o.publishStatus()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	started := o.now()
	defer func() { o.metrics.ObserveStage("session_initialize", o.now().Sub(started)) }()

	stageStart := o.now()
	token, err := o.opts.Tokens.Token(ctx)
	if err != nil {
		return o.fatal("voice_token_failed", err)
	}
	o.metrics.ObserveStage("voice_token", o.now().Sub(stageStart))

	stream := o.opts.NewVoice(o.voiceHandlers())
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	o.stream = stream
	o.mu.Unlock()

	stageStart = o.now()
	if err := stream.Connect(ctx, voice.Config{ConfigID: o.opts.VoiceConfigID, AccessToken: token}); err != nil {
		return o.fatal("voice_connect_failed", err)
	}
	o.metrics.ObserveStage("voice_connect", o.now().Sub(stageStart))

	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	if o.voiceState != VoiceConnecting {
		// the stream dropped before Connect returned
		o.mu.Unlock()
		return &FatalError{Code: "voice_disconnected", Retryable: true, Err: ErrNotLive}
	}
	o.voiceState = VoiceConnected
	o.startedAt = o.now()
	if o.paused {
		o.pausedAt = o.startedAt
	}
	o.tickStop = make(chan struct{})
	go o.tickLoop(o.tickStop)
	o.mu.Unlock()
	o.logger.Info().Msg("voice stream connected")
	o.publishStatus()

	if o.opts.NewAvatar == nil {
		o.mu.Lock()
		o.avatarState = AvatarFailed
		o.avatarFallback = true
		o.degraded = true
		o.mu.Unlock()
		o.logger.Info().Msg("avatar disabled; running voice-only")
		o.metrics.ObserveIndicator("avatar_fallback")
		o.publishStatus()
		return nil
	}

	o.mu.Lock()
	o.avatarEpoch++
	epoch := o.avatarEpoch
	o.mu.Unlock()
	if err := o.connectAvatar(ctx, epoch); err != nil && !errors.Is(err, ErrEnded) {
		o.logger.Warn().Err(err).Msg("avatar unavailable; session degraded")
	}
	return nil
}

func (o *Orchestrator) fatal(code string, err error) error {
	fe := &FatalError{Code: code, Retryable: retryable(err), Err: err}

	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	o.voiceState = VoiceFailed
	if o.stoppedAt.IsZero() {
		o.stoppedAt = o.now()
	}
	stream := o.stream
	o.mu.Unlock()

	if stream != nil {
		o.safely("voice disconnect", func() error { return stream.Disconnect(context.Background()) })
	}
	o.stopTimer()
	o.metrics.ProviderError("hume", code)
	o.logger.Error().Err(err).Str("code", code).Msg("session failed")
	o.events.Publish(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.id,
		Code:      code,
		Source:    "voice",
		Fatal:     true,
		Retryable: fe.Retryable,
		Detail:    err.Error(),
	})
	o.publishStatus()
	return fe
}

func retryable(err error) bool {
	var tokErr *voice.TokenError
	if errors.As(err, &tokErr) {
		return reliability.IsRetryableHTTPStatus(tokErr.Status)
	}
	var dialErr *voice.DialError
	if errors.As(err, &dialErr) {
		return reliability.IsRetryableHTTPStatus(dialErr.Status)
	}
	return reliability.IsRetryableError(err)
}

// connectAvatar builds and connects an avatar client for epoch. A newer
// epoch or End makes the result stale and it is discarded.
func (o *Orchestrator) connectAvatar(ctx context.Context, epoch uint64) error {
	av := o.opts.NewAvatar(o.avatarHandlers(epoch))

	o.mu.Lock()
	if o.ended || epoch != o.avatarEpoch {
		o.mu.Unlock()
		o.safely("avatar disconnect", func() error { return av.Disconnect(ctx) })
		return ErrEnded
	}
	o.av = av
	o.avatarState = AvatarConnecting
	o.mu.Unlock()
	o.publishStatus()

	err := av.Connect(ctx)

	o.mu.Lock()
	if o.ended || epoch != o.avatarEpoch {
		o.mu.Unlock()
		return ErrEnded
	}
	if err != nil {
		o.av = nil
		o.avatarState = AvatarFailed
		o.avatarFallback = true
		o.degraded = true
		o.mu.Unlock()

		o.metrics.ObserveIndicator("avatar_fallback")
		o.events.Publish(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: o.id,
			Code:      "avatar_connect_failed",
			Source:    "avatar",
			Retryable: true,
			Detail:    err.Error(),
		})
		o.publishStatus()
		return err
	}
	o.avatarState = AvatarConnected
	o.avatarFallback = false
	o.avatarSessionID = av.SessionID()
	paused := o.paused
	o.mu.Unlock()

	if paused {
		av.Pause()
	}
	o.logger.Info().Str("avatar_session_id", av.SessionID()).Msg("avatar connected")
	o.publishStatus()
	return nil
}

// ReconnectAvatar tears down the current avatar client and connects a new
// one. Success returns a degraded session to live.
func (o *Orchestrator) ReconnectAvatar(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.ended:
		o.mu.Unlock()
		return ErrEnded
	case o.opts.NewAvatar == nil:
		o.mu.Unlock()
		return ErrAvatarDisabled
	case o.voiceState != VoiceConnected:
		o.mu.Unlock()
		return ErrNotLive
	}
	old := o.av
	o.av = nil
	o.avatarEpoch++
	epoch := o.avatarEpoch
	o.avatarState = AvatarConnecting
	o.avatarSessionID = ""
	o.mu.Unlock()

	if old != nil {
		o.safely("avatar disconnect", func() error { return old.Disconnect(ctx) })
	}
	o.metrics.SessionEvent("avatar_reconnect")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()
	return o.connectAvatar(ctx, epoch)
}

func (o *Orchestrator) voiceHandlers() voice.Handlers {
	return voice.Handlers{
		OnMessage:    o.onVoiceMessage,
		OnEmotion:    o.onVoiceEmotion,
		OnAudio:      o.onVoiceAudio,
		OnDisconnect: o.onVoiceDisconnect,
		OnError:      o.onVoiceError,
	}
}

func (o *Orchestrator) avatarHandlers(epoch uint64) avatar.Handlers {
	current := func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return !o.ended && epoch == o.avatarEpoch
	}
	return avatar.Handlers{
		OnConnect: func() {
			o.mu.Lock()
			if o.ended || epoch != o.avatarEpoch || o.avatarState != AvatarDisconnected {
				o.mu.Unlock()
				return
			}
			o.avatarState = AvatarConnected
			o.avatarFallback = false
			o.mu.Unlock()
			o.logger.Info().Msg("avatar transport recovered")
			o.publishStatus()
		},
		OnVideoReady: func() {
			if !current() {
				return
			}
			o.mu.Lock()
			avatarSessionID := o.avatarSessionID
			if avatarSessionID == "" && o.av != nil {
				avatarSessionID = o.av.SessionID()
			}
			o.mu.Unlock()
			o.events.Publish(protocol.AvatarVideoReady{
				Type:            protocol.TypeAvatarVideoReady,
				SessionID:       o.id,
				AvatarSessionID: avatarSessionID,
			})
		},
		OnDisconnect: func(err error) {
			o.mu.Lock()
			if o.ended || epoch != o.avatarEpoch || o.avatarState != AvatarConnected {
				o.mu.Unlock()
				return
			}
			o.avatarState = AvatarDisconnected
			o.avatarFallback = true
			o.degraded = true
			o.mu.Unlock()

			o.logger.Warn().Err(err).Msg("avatar transport dropped; session degraded")
			o.metrics.ObserveIndicator("avatar_fallback")
			o.events.Publish(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: o.id,
				Code:      "avatar_disconnected",
				Source:    "avatar",
				Retryable: true,
				Detail:    errDetail(err),
			})
			o.publishStatus()
		},
		OnError: func(err error) {
			if current() {
				o.logger.Warn().Err(err).Msg("avatar error")
			}
		},
	}
}

func (o *Orchestrator) onVoiceMessage(m voice.Message) {
	o.touch()
	ts := m.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	o.events.Publish(protocol.TranscriptMessage{
		Type:      protocol.TypeTranscriptMessage,
		SessionID: o.id,
		Role:      string(m.Role),
		Content:   m.Content,
		Emotions:  toProtocolScores(m.Emotions),
		TSMs:      ts.UnixMilli(),
	})

	if m.Role == voice.RoleUser {
		o.screen(m.Content)
	}

	if o.historyEnabled() {
		rec := history.MessageRecord{
			SessionID: o.id,
			UserID:    o.opts.UserID,
			Role:      string(m.Role),
			Content:   m.Content,
			Emotions:  toHistoryScores(m.Emotions),
			CreatedAt: ts.UTC(),
		}
		o.persist(func(ctx context.Context) error { return o.opts.History.SaveMessage(ctx, rec) })
	}
}

func (o *Orchestrator) screen(content string) {
	decision := policy.ScreenUtterance(content)
	if decision.Level == policy.RiskNone {
		return
	}
	notice := protocol.SafetyNotice{
		Type:      protocol.TypeSafetyNotice,
		SessionID: o.id,
		Level:     string(decision.Level),
		Reason:    decision.Reason,
	}
	if decision.Level == policy.RiskCrisis {
		notice.Resources = policy.CrisisResources
	}
	o.metrics.SessionEvent("safety_" + string(decision.Level))
	o.logger.Warn().Str("risk_level", string(decision.Level)).Msg("safety screen flagged user utterance")
	o.events.Publish(notice)
}

func (o *Orchestrator) onVoiceEmotion(scores []voice.EmotionScore) {
	if len(scores) == 0 {
		return
	}
	now := o.now()
	o.mu.Lock()
	if o.ended || (!o.lastEmotion.IsZero() && now.Sub(o.lastEmotion) < o.opts.EmotionThrottle) {
		o.mu.Unlock()
		return
	}
	o.lastEmotion = now
	var av Avatar
	if o.avatarState == AvatarConnected {
		av = o.av
	}
	o.mu.Unlock()

	candidates := make([]expression.Score, 0, len(scores))
	for _, s := range scores {
		candidates = append(candidates, expression.Score{Name: s.Name, Score: s.Score})
	}
	top, ok := expression.Top(candidates)
	if !ok {
		return
	}
	cmd := expression.MapWithDuration(top.Name, top.Score, o.opts.ExpressionDuration)

	o.events.Publish(protocol.EmotionUpdate{
		Type:       protocol.TypeEmotionUpdate,
		SessionID:  o.id,
		Emotions:   toProtocolScores(scores),
		Expression: cmd.Emotion,
		Intensity:  cmd.Intensity,
	})
	if av != nil {
		// HTTP fallback can block; the voice read loop must not.
		go av.SetExpression(o.ctx, cmd)
	}
	if o.historyEnabled() {
		rec := history.EmotionRecord{
			SessionID: o.id,
			UserID:    o.opts.UserID,
			Emotion:   top.Name,
			Score:     top.Score,
			CreatedAt: now.UTC(),
		}
		o.persist(func(ctx context.Context) error { return o.opts.History.SaveEmotion(ctx, rec) })
	}
}

func (o *Orchestrator) onVoiceAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	select {
	case <-o.done:
	case o.relay <- frame:
	default:
		o.metrics.QueueDrop("relay_full")
	}
}

// relayLoop forwards voice audio to the current avatar in arrival order.
func (o *Orchestrator) relayLoop() {
	for {
		select {
		case <-o.done:
			return
		case frame := <-o.relay:
			o.mu.Lock()
			av := o.av
			o.mu.Unlock()
			if av == nil {
				o.metrics.QueueDrop("avatar_unavailable")
				continue
			}
			av.SendAudio(o.ctx, frame)
		}
	}
}

func (o *Orchestrator) onVoiceDisconnect(err error) {
	o.mu.Lock()
	if o.ended || o.voiceState == VoiceFailed || o.voiceState == VoiceDisconnected {
		o.mu.Unlock()
		return
	}
	o.voiceState = VoiceDisconnected
	if o.stoppedAt.IsZero() {
		o.stoppedAt = o.now()
	}
	o.mu.Unlock()

	o.stopTimer()
	o.metrics.ProviderError("hume", "disconnected")
	o.logger.Error().Err(err).Msg("voice stream dropped")
	o.events.Publish(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.id,
		Code:      "voice_disconnected",
		Source:    "voice",
		Fatal:     true,
		Retryable: true,
		Detail:    errDetail(err),
	})
	o.publishStatus()
}

func (o *Orchestrator) onVoiceError(err error) {
	code := "voice_error"
	var vErr *voice.Error
	if errors.As(err, &vErr) && vErr.Code != "" {
		code = vErr.Code
	}
	o.metrics.ProviderError("hume", code)
	o.logger.Warn().Err(err).Str("code", code).Msg("voice provider error")
	o.events.Publish(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.id,
		Code:      code,
		Source:    "voice",
		Detail:    err.Error(),
	})
}

// CaptureAudio forwards one microphone frame to the voice stream. Frames are
// dropped silently while muted.
func (o *Orchestrator) CaptureAudio(ctx context.Context, frame []byte) error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	o.lastActivity = o.now()
	if o.muted {
		o.mu.Unlock()
		return nil
	}
	if o.voiceState != VoiceConnected {
		o.mu.Unlock()
		return ErrNotLive
	}
	stream := o.stream
	o.mu.Unlock()
	return stream.SendAudio(ctx, frame)
}

// ToggleMute flips microphone capture and returns the new muted state.
func (o *Orchestrator) ToggleMute() (bool, error) {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return false, ErrEnded
	}
	o.muted = !o.muted
	muted := o.muted
	o.lastActivity = o.now()
	o.mu.Unlock()
	o.publishStatus()
	return muted, nil
}

// TogglePause pauses or resumes the avatar and the assistant. Capture keeps
// running. Paused time is excluded from the session duration.
func (o *Orchestrator) TogglePause(ctx context.Context) (bool, error) {
	now := o.now()
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return false, ErrEnded
	}
	o.paused = !o.paused
	paused := o.paused
	if paused {
		o.pausedAt = now
	} else {
		o.startedAt = o.startedAt.Add(o.pausedSpanLocked(now))
		o.pausedAt = time.Time{}
	}
	o.lastActivity = now
	av := o.av
	stream := o.stream
	live := o.voiceState == VoiceConnected
	o.mu.Unlock()

	if av != nil {
		if paused {
			av.Pause()
		} else {
			av.Resume()
		}
	}
	if stream != nil && live {
		var err error
		if paused {
			err = stream.PauseAssistant(ctx)
		} else {
			err = stream.ResumeAssistant(ctx)
		}
		if err != nil {
			o.logger.Warn().Err(err).Bool("paused", paused).Msg("voice pause toggle failed")
		}
	}
	o.publishStatus()
	return paused, nil
}

// End stops the timer, disconnects both streams and persists the summary.
// It is idempotent; concurrent callers all receive the same summary.
func (o *Orchestrator) End(ctx context.Context) Summary {
	o.endOnce.Do(func() { o.summary = o.end(ctx) })
	return o.summary
}

func (o *Orchestrator) end(ctx context.Context) Summary {
	o.mu.Lock()
	final := Compose(o.voiceState, o.avatarState, false)
	if final == StatusInitializing || final == StatusConnecting {
		final = StatusEnded
	}
	now := o.now()
	if o.stoppedAt.IsZero() {
		o.stoppedAt = now
	}
	o.ended = true
	o.avatarEpoch++
	stream, av := o.stream, o.av
	o.av = nil
	summary := Summary{
		SessionID:       o.id,
		FinalStatus:     final,
		DurationSeconds: o.durationLocked(now),
		Degraded:        o.degraded,
	}
	rec := history.SessionRecord{
		ID:              o.id,
		UserID:          o.opts.UserID,
		AvatarSessionID: o.avatarSessionID,
		Status:          string(final),
		Degraded:        o.degraded,
		DurationSeconds: summary.DurationSeconds,
		StartedAt:       o.startedAt,
		EndedAt:         now.UTC(),
	}
	o.mu.Unlock()

	o.cancel()
	o.stopTimer()
	if av != nil {
		o.safely("avatar disconnect", func() error { return av.Disconnect(ctx) })
	}
	if stream != nil {
		o.safely("voice disconnect", func() error { return stream.Disconnect(ctx) })
	}
	o.persistMu.Lock()
	o.persistClosed = true
	o.persistMu.Unlock()
	close(o.done)

	if o.historyEnabled() {
		select {
		case <-o.persistDone:
		case <-ctx.Done():
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := o.opts.History.SaveSession(pctx, rec); err != nil {
			o.logger.Warn().Err(err).Msg("persist session summary failed")
		}
		cancel()
	}

	o.metrics.SessionEvent("ended")
	o.logger.Info().
		Str("final_status", string(final)).
		Int("duration_seconds", summary.DurationSeconds).
		Bool("degraded", summary.Degraded).
		Msg("session ended")
	o.publishStatus()
	o.events.Close()
	return summary
}

// safely runs one teardown step in its own failure boundary.
func (o *Orchestrator) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("step", step).Msg("teardown step panicked")
		}
	}()
	if err := fn(); err != nil {
		o.logger.Warn().Err(err).Str("step", step).Msg("teardown step failed")
	}
}

func (o *Orchestrator) persist(fn func(ctx context.Context) error) bool {
	o.persistMu.RLock()
	defer o.persistMu.RUnlock()
	if o.persistClosed {
		o.metrics.QueueDrop("history_closed")
		return false
	}
	select {
	case o.persistCh <- fn:
		return true
	default:
		o.metrics.QueueDrop("history_full")
		o.logger.Warn().Msg("history queue full; record dropped")
		return false
	}
}

func (o *Orchestrator) persistLoop() {
	defer close(o.persistDone)
	run := func(fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("persist history record failed")
		}
	}
	for {
		select {
		case fn := <-o.persistCh:
			run(fn)
		case <-o.done:
			for {
				select {
				case fn := <-o.persistCh:
					run(fn)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			paused := o.paused
			d := o.durationLocked(o.now())
			o.mu.Unlock()
			if paused {
				continue
			}
			o.events.Publish(protocol.TimerTick{
				Type:            protocol.TypeTimerTick,
				SessionID:       o.id,
				DurationSeconds: d,
			})
		}
	}
}

func (o *Orchestrator) stopTimer() {
	o.mu.Lock()
	stop := o.tickStop
	o.tickStop = nil
	o.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// pausedSpanLocked is how much of the current pause counts against the
// clock. Time after the session stopped is already excluded.
func (o *Orchestrator) pausedSpanLocked(now time.Time) time.Duration {
	if o.startedAt.IsZero() || o.pausedAt.IsZero() {
		return 0
	}
	end := now
	if !o.stoppedAt.IsZero() && o.stoppedAt.Before(end) {
		end = o.stoppedAt
	}
	if !end.After(o.pausedAt) {
		return 0
	}
	return end.Sub(o.pausedAt)
}

// durationLocked is whole seconds since the first voice connection, frozen
// while paused and after the session stops.
func (o *Orchestrator) durationLocked(now time.Time) int {
	if o.startedAt.IsZero() {
		return 0
	}
	end := now
	if !o.stoppedAt.IsZero() && o.stoppedAt.Before(end) {
		end = o.stoppedAt
	}
	if o.paused && !o.pausedAt.IsZero() && o.pausedAt.Before(end) {
		end = o.pausedAt
	}
	d := end.Sub(o.startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (o *Orchestrator) DurationSeconds() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.durationLocked(o.now())
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Compose(o.voiceState, o.avatarState, o.ended)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:              o.id,
		UserID:          o.opts.UserID,
		AvatarSessionID: o.avatarSessionID,
		Status:          Compose(o.voiceState, o.avatarState, o.ended),
		VoiceState:      o.voiceState,
		AvatarState:     o.avatarState,
		Muted:           o.muted,
		Paused:          o.paused,
		AvatarFallback:  o.avatarFallback,
		SaveHistory:     o.opts.SaveHistory,
		DurationSeconds: o.durationLocked(o.now()),
		CreatedAt:       o.createdAt,
		LastActivityAt:  o.lastActivity,
	}
	if !o.startedAt.IsZero() {
		started := o.startedAt
		s.StartedAt = &started
	}
	return s
}

// Subscribe streams session events until the returned cancel is called or
// the session ends.
func (o *Orchestrator) Subscribe() (<-chan any, func()) {
	return o.events.Subscribe()
}

// Touch records client activity for the inactivity janitor.
func (o *Orchestrator) Touch() {
	o.touch()
}

func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.lastActivity = o.now()
	o.mu.Unlock()
}

func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

func (o *Orchestrator) publishStatus() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	changed := snap.Status != o.lastStatus
	o.lastStatus = snap.Status
	o.mu.Unlock()

	if changed {
		o.metrics.SessionEvent(string(snap.Status))
	}
	o.events.Publish(protocol.SessionStatus{
		Type:            protocol.TypeSessionStatus,
		SessionID:       o.id,
		Status:          string(snap.Status),
		VoiceState:      string(snap.VoiceState),
		AvatarState:     string(snap.AvatarState),
		Muted:           snap.Muted,
		Paused:          snap.Paused,
		AvatarFallback:  snap.AvatarFallback,
		DurationSeconds: snap.DurationSeconds,
	})
}

func toProtocolScores(in []voice.EmotionScore) []protocol.EmotionScore {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.EmotionScore, len(in))
	for i, s := range in {
		out[i] = protocol.EmotionScore{Name: s.Name, Score: s.Score}
	}
	return out
}

func toHistoryScores(in []voice.EmotionScore) []history.Score {
	if len(in) == 0 {
		return nil
	}
	out := make([]history.Score, len(in))
	for i, s := range in {
		out[i] = history.Score{Name: s.Name, Score: s.Score}
	}
	return out
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
