// Package avatar implements the signaling client for the streaming avatar
// service: REST session control, a WebRTC peer with a control data channel,
// a bounded audio relay queue and expression commands.
package avatar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/expression"
	"github.com/talkai-app/talkai/internal/observability"
)

type State string

const (
	StateIdle            State = "idle"
	StateCreatingSession State = "creating_session"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateClosed          State = "closed"
	StateFailed          State = "failed"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultDrainInterval   = 50 * time.Millisecond
	defaultTransitionSteps = 20
	stopTimeout            = 5 * time.Second
)

type Config struct {
	AvatarID        string
	VoiceID         string
	Quality         string
	ConnectTimeout  time.Duration
	QueueLimit      int
	QueuePolicy     QueuePolicy
	DrainInterval   time.Duration
	TransitionSteps int
}

// Handlers are called outside the client's lock and may call back into it.
type Handlers struct {
	OnConnect    func()
	OnVideoReady func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client owns one avatar session: at most one peer connection, one control
// channel and one audio queue. A client connects once; after a failure or
// Disconnect the owner builds a new one.
type Client struct {
	cfg      Config
	api      Signaler
	newPeer  PeerFactory
	handlers Handlers
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	generation atomic.Uint64

	mu            sync.Mutex
	state         State
	sessionID     string
	peer          Peer
	queue         *audioQueue
	draining      bool
	lastTimestamp int64
	lastControl   []byte
	cancelConnect context.CancelFunc

	connectedOnce sync.Once
	connectedCh   chan struct{}
	transportErr  chan error
	done          chan struct{}
	doneOnce      sync.Once
}

func NewClient(cfg Config, api Signaler, newPeer PeerFactory, handlers Handlers, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.TransitionSteps <= 0 {
		cfg.TransitionSteps = defaultTransitionSteps
	}
	if cfg.Quality == "" {
		cfg.Quality = "medium"
	}
	c := &Client{
		cfg:          cfg,
		api:          api,
		newPeer:      newPeer,
		handlers:     handlers,
		logger:       zerolog.Nop(),
		now:          time.Now,
		state:        StateIdle,
		queue:        newAudioQueue(cfg.QueueLimit, cfg.QueuePolicy),
		connectedCh:  make(chan struct{}),
		transportErr: make(chan error, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect allocates a remote session, negotiates the peer connection and
// returns once the transport first reports connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrNotReusable
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	c.cancelConnect = cancel
	c.state = StateCreatingSession
	c.mu.Unlock()

	started := c.now()
	sessionID, err := c.api.NewSession(ctx, NewSessionRequest{
		AvatarID: c.cfg.AvatarID,
		VoiceID:  c.cfg.VoiceID,
		Quality:  c.cfg.Quality,
	})
	if err != nil {
		return c.fail(StageCreateSession, err)
	}
	c.metrics.ObserveStage("avatar_create_session", c.now().Sub(started))

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.stopRemote(context.Background(), sessionID)
		return &ConnectionError{Stage: StageCreateSession, Err: ErrClosed}
	}
	c.sessionID = sessionID
	c.state = StateNegotiating
	c.mu.Unlock()
	c.logger.Info().Str("avatar_session_id", sessionID).Msg("avatar session created")

	started = c.now()
	peer, err := c.newPeer(PeerEvents{
		OnState: c.handlePeerState,
		OnTrack: c.handleTrack,
		OnError: c.handleChannelError,
	})
	if err != nil {
		return c.fail(StageNegotiate, err)
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = peer.Close()
		return &ConnectionError{Stage: StageNegotiate, Err: ErrClosed}
	}
	c.peer = peer
	c.mu.Unlock()

	offer, err := peer.Offer(ctx)
	if err != nil {
		return c.fail(StageNegotiate, err)
	}
	answer, err := c.api.StartSession(ctx, sessionID, offer)
	if err != nil {
		return c.fail(StageNegotiate, err)
	}
	if err := peer.Accept(answer); err != nil {
		return c.fail(StageNegotiate, err)
	}
	c.metrics.ObserveStage("avatar_negotiate", c.now().Sub(started))

	started = c.now()
	select {
	case <-c.connectedCh:
	case err := <-c.transportErr:
		return c.fail(StageTransport, err)
	case <-c.done:
		return &ConnectionError{Stage: StageTransport, Err: ErrClosed}
	case <-ctx.Done():
		return c.fail(StageTransport, ctx.Err())
	}

	c.mu.Lock()
	if c.state != StateNegotiating {
		c.mu.Unlock()
		return &ConnectionError{Stage: StageTransport, Err: ErrClosed}
	}
	c.state = StateConnected
	c.cancelConnect = nil
	c.mu.Unlock()
	c.metrics.ObserveStage("avatar_transport", c.now().Sub(started))
	c.logger.Info().Str("avatar_session_id", sessionID).Msg("avatar transport connected")

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
	c.startDrain()
	return nil
}

// fail moves the client to the terminal failed state and releases what the
// connect attempt built. A teardown that raced the attempt wins.
func (c *Client) fail(stage string, cause error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return &ConnectionError{Stage: stage, Err: ErrClosed}
	}
	c.state = StateFailed
	peer := c.peer
	c.peer = nil
	sessionID := c.sessionID
	c.sessionID = ""
	c.cancelConnect = nil
	c.queue.Clear()
	c.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	if sessionID != "" {
		c.stopRemote(context.Background(), sessionID)
	}

	code := stage
	var apiErr *APIError
	if errors.As(cause, &apiErr) {
		code = strconv.Itoa(apiErr.Status)
	}
	c.metrics.ProviderError("heygen", code)
	c.logger.Warn().Err(cause).Str("stage", stage).Msg("avatar connect failed")
	return &ConnectionError{Stage: stage, Err: cause}
}

func (c *Client) handlePeerState(state webrtc.PeerConnectionState) {
	c.logger.Debug().Str("peer_state", state.String()).Msg("avatar peer state changed")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() { close(c.connectedCh) })
		c.mu.Lock()
		recovered := c.state == StateDisconnected
		if recovered {
			c.state = StateConnected
		}
		c.mu.Unlock()
		if recovered {
			if c.handlers.OnConnect != nil {
				c.handlers.OnConnect()
			}
			c.startDrain()
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		err := fmt.Errorf("peer connection %s", state)
		c.mu.Lock()
		switch c.state {
		case StateNegotiating:
			c.mu.Unlock()
			select {
			case c.transportErr <- err:
			default:
			}
		case StateConnected:
			c.state = StateDisconnected
			c.mu.Unlock()
			c.metrics.ProviderError("heygen", "transport_"+state.String())
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
		default:
			c.mu.Unlock()
		}
	}
}

func (c *Client) handleTrack(kind webrtc.RTPCodecType) {
	c.logger.Debug().Str("kind", kind.String()).Msg("avatar track received")
	if kind == webrtc.RTPCodecTypeVideo && c.handlers.OnVideoReady != nil {
		c.handlers.OnVideoReady()
	}
}

func (c *Client) handleChannelError(err error) {
	c.logger.Warn().Err(err).Msg("avatar control channel error")
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

// SendAudio relays one frame for lip-sync. Frames are queued while the
// transport is not connected or earlier frames are still pending. Send
// failures are logged and counted, never returned.
func (c *Client) SendAudio(ctx context.Context, frame []byte) {
	if len(frame) == 0 {
		return
	}
	c.mu.Lock()
	switch c.state {
	case StateClosed, StateFailed:
		c.mu.Unlock()
		c.metrics.AvatarAudio("none", "dropped")
		return
	}
	if c.state != StateConnected || c.queue.Len() > 0 || c.draining {
		dropped := c.queue.Push(frame)
		policy := c.queue.policy
		c.mu.Unlock()
		if dropped {
			c.metrics.QueueDrop(string(policy))
			c.logger.Debug().Str("policy", string(policy)).Msg("avatar audio queue full, frame dropped")
		}
		c.startDrain()
		return
	}
	c.mu.Unlock()

	if c.deliverAudio(ctx, frame) {
		c.startDrain()
	}
}

func (c *Client) deliverAudio(ctx context.Context, frame []byte) bool {
	msg := AudioMessage{
		Type:      messageTypeAudio,
		Data:      base64.StdEncoding.EncodeToString(frame),
		Timestamp: c.nextTimestamp(),
	}
	err := c.sendChannel(msg)
	if err == nil {
		c.metrics.AvatarAudio("datachannel", "ok")
		return true
	}
	if !errors.Is(err, errChannelNotOpen) {
		c.metrics.AvatarAudio("datachannel", "error")
		c.logger.Debug().Err(err).Msg("avatar audio channel send failed, using http relay")
	}

	sessionID := c.SessionID()
	if sessionID == "" {
		c.metrics.AvatarAudio("http", "dropped")
		return false
	}
	if err := c.api.SendTask(ctx, sessionID, frame); err != nil {
		c.metrics.AvatarAudio("http", "error")
		c.logger.Warn().Err(err).Msg("avatar audio relay failed")
		return false
	}
	c.metrics.AvatarAudio("http", "ok")
	return true
}

// startDrain launches the single drainer if frames are pending.
func (c *Client) startDrain() {
	c.mu.Lock()
	if c.draining || c.state != StateConnected || c.queue.Len() == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	go c.drain()
}

func (c *Client) drain() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if !c.wait(c.cfg.DrainInterval) {
			return
		}
		c.mu.Lock()
		if c.state != StateConnected {
			c.draining = false
			c.mu.Unlock()
			return
		}
		frame, ok := c.queue.Pop()
		if !ok {
			c.draining = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.deliverAudio(ctx, frame)
	}
}

func (c *Client) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

// SetExpression sends cmd once. It supersedes any running transition.
func (c *Client) SetExpression(ctx context.Context, cmd expression.Command) {
	c.generation.Add(1)
	c.setExpression(ctx, cmd)
}

func (c *Client) setExpression(ctx context.Context, cmd expression.Command) {
	c.mu.Lock()
	connected := c.state == StateConnected
	sessionID := c.sessionID
	c.mu.Unlock()
	if !connected {
		c.metrics.Expression("none", "dropped")
		return
	}

	msg := ExpressionMessage{
		Type:      messageTypeExpression,
		Emotion:   cmd.Emotion,
		Intensity: cmd.Intensity,
		Duration:  cmd.DurationMs,
		Timestamp: c.nextTimestamp(),
	}
	if err := c.sendChannel(msg); err == nil {
		c.metrics.Expression("datachannel", "ok")
		return
	}

	err := c.api.SendControl(ctx, sessionID, messageTypeExpression, map[string]any{
		"emotion":   cmd.Emotion,
		"intensity": cmd.Intensity,
		"duration":  cmd.DurationMs,
	})
	if err != nil {
		c.metrics.Expression("http", "error")
		c.logger.Warn().Err(err).Str("emotion", cmd.Emotion).Msg("avatar expression relay failed")
		return
	}
	c.metrics.Expression("http", "ok")
}

// TransitionExpression interpolates intensity from one command to the other
// in fixed steps across d. A newer transition, SetExpression or Disconnect
// stops it before its next send. It reports whether every step was sent.
func (c *Client) TransitionExpression(ctx context.Context, from, to expression.Command, d time.Duration) bool {
	gen := c.generation.Add(1)
	if d <= 0 {
		d = expression.DefaultDuration
	}
	steps := c.cfg.TransitionSteps
	stepDur := d / time.Duration(steps)

	for i := 1; i <= steps; i++ {
		if c.generation.Load() != gen {
			return false
		}
		progress := float64(i) / float64(steps)
		c.setExpression(ctx, expression.Command{
			Emotion:    to.Emotion,
			Intensity:  from.Intensity + (to.Intensity-from.Intensity)*progress,
			DurationMs: int(stepDur / time.Millisecond),
		})
		if i == steps {
			break
		}
		t := time.NewTimer(stepDur)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		case <-c.done:
			t.Stop()
			return false
		}
	}
	return c.generation.Load() == gen
}

// Pause asks the renderer to pause. Dropped silently if the channel is not open.
func (c *Client) Pause() { c.control(actionPause) }

// Resume asks the renderer to resume. Dropped silently if the channel is not open.
func (c *Client) Resume() { c.control(actionResume) }

func (c *Client) control(action string) {
	if err := c.sendChannel(ControlMessage{Type: messageTypeControl, Action: action}); err != nil {
		c.logger.Debug().Err(err).Str("action", action).Msg("avatar control message dropped")
	}
}

func (c *Client) sendChannel(v any) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil || !peer.ChannelOpen() {
		return errChannelNotOpen
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if err := peer.SendText(string(payload)); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastControl = payload
	c.mu.Unlock()
	return nil
}

// nextTimestamp returns wall-clock milliseconds, strictly increasing per client.
func (c *Client) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts <= c.lastTimestamp {
		ts = c.lastTimestamp + 1
	}
	c.lastTimestamp = ts
	return ts
}

// Disconnect tears the client down. It is idempotent, safe on a failed
// client and safe to call from inside a handler. An in-flight Connect is
// cancelled. The remote stop call is best effort.
func (c *Client) Disconnect(ctx context.Context) error {
	c.generation.Add(1)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	peer := c.peer
	c.peer = nil
	sessionID := c.sessionID
	c.sessionID = ""
	cancel := c.cancelConnect
	c.cancelConnect = nil
	c.queue.Clear()
	c.draining = false
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if cancel != nil {
		cancel()
	}

	var err error
	if peer != nil {
		if cerr := peer.Close(); cerr != nil {
			err = fmt.Errorf("close peer: %w", cerr)
		}
	}
	if sessionID != "" {
		c.stopRemote(ctx, sessionID)
	}
	c.logger.Info().Msg("avatar client closed")
	return err
}

func (c *Client) stopRemote(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := c.api.StopSession(ctx, sessionID); err != nil {
		c.logger.Warn().Err(err).Str("avatar_session_id", sessionID).Msg("avatar stop session failed")
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastControlMessage returns the last payload written to the control channel.
func (c *Client) LastControlMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastControl == nil {
		return nil
	}
	out := make([]byte, len(c.lastControl))
	copy(out, c.lastControl)
	return out
}
