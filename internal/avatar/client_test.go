package avatar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkai-app/talkai/internal/expression"
)

type fakeSignaler struct {
	mu sync.Mutex

	sessionID string
	newErr    error
	startErr  error
	taskErr   error
	// blockStart makes StartSession wait for ctx cancellation.
	blockStart   bool
	startEntered chan struct{}

	newReqs  []NewSessionRequest
	tasks    [][]byte
	controls []map[string]any
	stops    []string
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sessionID: "s1", startEntered: make(chan struct{}, 1)}
}

func (f *fakeSignaler) NewSession(_ context.Context, req NewSessionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newReqs = append(f.newReqs, req)
	if f.newErr != nil {
		return "", f.newErr
	}
	return f.sessionID, nil
}

func (f *fakeSignaler) StartSession(ctx context.Context, _ string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	block := f.blockStart
	err := f.startErr
	f.mu.Unlock()
	select {
	case f.startEntered <- struct{}{}:
	default:
	}
	if block {
		<-ctx.Done()
		return webrtc.SessionDescription{}, ctx.Err()
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + offer.SDP}, nil
}

func (f *fakeSignaler) SendTask(_ context.Context, _ string, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks = append(f.tasks, audio)
	return nil
}

func (f *fakeSignaler) SendControl(_ context.Context, _ string, kind string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := map[string]any{"type": kind}
	for k, v := range fields {
		rec[k] = v
	}
	f.controls = append(f.controls, rec)
	return nil
}

func (f *fakeSignaler) StopSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
	return nil
}

func (f *fakeSignaler) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeSignaler) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type fakePeer struct {
	mu       sync.Mutex
	events   PeerEvents
	open     bool
	accepted bool
	sent     []string
	closed   int
	// connectOnAccept reports a connected transport from Accept.
	connectOnAccept bool
}

func (p *fakePeer) Offer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) Accept(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.accepted = true
	connect := p.connectOnAccept
	if connect {
		p.open = true
	}
	onState := p.events.OnState
	p.mu.Unlock()
	if connect && onState != nil {
		onState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (p *fakePeer) ChannelOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePeer) SendText(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return errChannelNotOpen
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	p.open = false
	return nil
}

func (p *fakePeer) setOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = open
}

func (p *fakePeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emit(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	onState := p.events.OnState
	p.mu.Unlock()
	onState(state)
}

func fakeFactory(peer *fakePeer) PeerFactory {
	return func(events PeerEvents) (Peer, error) {
		peer.mu.Lock()
		peer.events = events
		peer.mu.Unlock()
		return peer, nil
	}
}

func newTestClient(t *testing.T, api Signaler, peer *fakePeer, handlers Handlers, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		AvatarID:       "anna",
		Quality:        "high",
		ConnectTimeout: 2 * time.Second,
		QueueLimit:     8,
		QueuePolicy:    DropOldest,
		DrainInterval:  time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, api, fakeFactory(peer), handlers)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func decodeAudio(t *testing.T, raw string) AudioMessage {
	t.Helper()
	var msg AudioMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestConnectThenSendAudioUsesDataChannel(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	var connects int
	c := newTestClient(t, api, peer, Handlers{OnConnect: func() { connects++ }}, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "s1", c.SessionID())
	assert.Equal(t, 1, connects)
	require.Len(t, api.newReqs, 1)
	assert.Equal(t, NewSessionRequest{AvatarID: "anna", Quality: "high"}, api.newReqs[0])

	c.SendAudio(context.Background(), []byte("frame-1"))

	msgs := peer.messages()
	require.Len(t, msgs, 1)
	msg := decodeAudio(t, msgs[0])
	assert.Equal(t, "audio", msg.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("frame-1")), msg.Data)
	assert.Zero(t, api.taskCount(), "no http fallback expected")
}

func TestSendAudioQueuedBeforeConnectFlushesInOrder(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)

	for _, f := range []string{"a", "b", "c"} {
		c.SendAudio(context.Background(), []byte(f))
	}
	assert.Empty(t, peer.messages())

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(peer.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)

	var got []string
	var lastTS int64
	for _, raw := range peer.messages() {
		msg := decodeAudio(t, raw)
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		require.NoError(t, err)
		got = append(got, string(data))
		assert.Greater(t, msg.Timestamp, lastTS)
		lastTS = msg.Timestamp
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, api.taskCount())
}

func TestSendAudioDuringDrainKeepsFIFO(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, func(cfg *Config) { cfg.DrainInterval = 20 * time.Millisecond })

	c.SendAudio(context.Background(), []byte("q1"))
	c.SendAudio(context.Background(), []byte("q2"))
	require.NoError(t, c.Connect(context.Background()))
	c.SendAudio(context.Background(), []byte("live"))

	require.Eventually(t, func() bool { return len(peer.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	var got []string
	for _, raw := range peer.messages() {
		data, _ := base64.StdEncoding.DecodeString(decodeAudio(t, raw).Data)
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"q1", "q2", "live"}, got)
}

func TestSendAudioFallsBackToHTTPWhenChannelNotOpen(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	peer.setOpen(false)
	c.SendAudio(context.Background(), []byte("frame"))

	assert.Equal(t, 1, api.taskCount())
	assert.Empty(t, peer.messages())
}

func TestSendAudioSwallowsRelayErrors(t *testing.T) {
	api := newFakeSignaler()
	api.taskErr = &APIError{Endpoint: "streaming.task", Status: 502, Message: "bad gateway"}
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	peer.setOpen(false)
	assert.NotPanics(t, func() { c.SendAudio(context.Background(), []byte("frame")) })
	assert.True(t, c.IsConnected())
}

func TestConnectFailureIsTypedAndTerminal(t *testing.T) {
	api := newFakeSignaler()
	api.newErr = &APIError{Endpoint: "streaming.new", Status: 500, Message: "no capacity"}
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StageCreateSession, connErr.Stage)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no capacity", apiErr.Message)
	assert.Equal(t, StateFailed, c.State())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrNotReusable)
	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateClosed, c.State())
}

func TestNegotiationFailureStopsRemoteSession(t *testing.T) {
	api := newFakeSignaler()
	api.startErr = errors.New("bad offer")
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StageNegotiate, connErr.Stage)
	assert.Equal(t, []string{"s1"}, api.stopCalls())
	assert.Equal(t, 1, peer.closeCount())
	assert.Empty(t, c.SessionID())
}

func TestTransportTimeoutFails(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{}
	c := newTestClient(t, api, peer, Handlers{}, func(cfg *Config) { cfg.ConnectTimeout = 50 * time.Millisecond })

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StageTransport, connErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, c.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect(context.Background()))
	first := c.State()
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, StateClosed, first)
	assert.Equal(t, first, c.State())
	assert.Equal(t, []string{"s1"}, api.stopCalls())
	assert.Equal(t, 1, peer.closeCount())
	assert.Empty(t, c.SessionID())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestDisconnectDuringConnectAbortsNegotiation(t *testing.T) {
	api := newFakeSignaler()
	api.blockStart = true
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	select {
	case <-api.startEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("StartSession was not called")
	}
	require.NoError(t, c.Disconnect(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, []string{"s1"}, api.stopCalls())
	assert.Equal(t, 1, peer.closeCount())
}

func TestPeerDisconnectNotifiesAndQueues(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	disconnected := make(chan error, 1)
	c := newTestClient(t, api, peer, Handlers{OnDisconnect: func(err error) { disconnected <- err }}, nil)
	require.NoError(t, c.Connect(context.Background()))

	peer.emit(webrtc.PeerConnectionStateFailed)
	select {
	case err := <-disconnected:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called")
	}
	assert.Equal(t, StateDisconnected, c.State())

	c.SendAudio(context.Background(), []byte("held"))
	assert.Empty(t, peer.messages())

	peer.emit(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return len(peer.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestDisconnectFromHandlerDoesNotDeadlock(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	var c *Client
	done := make(chan struct{})
	c = newTestClient(t, api, peer, Handlers{OnDisconnect: func(error) {
		_ = c.Disconnect(context.Background())
		close(done)
	}}, nil)
	require.NoError(t, c.Connect(context.Background()))

	go peer.emit(webrtc.PeerConnectionStateDisconnected)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect from handler blocked")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestSetExpressionRoundTrip(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	cmd := expression.Command{Emotion: "happy", Intensity: 0.8, DurationMs: 2000}
	c.SetExpression(context.Background(), cmd)

	var msg ExpressionMessage
	require.NoError(t, json.Unmarshal(c.LastControlMessage(), &msg))
	assert.Equal(t, "expression", msg.Type)
	assert.Equal(t, cmd.Emotion, msg.Emotion)
	assert.Equal(t, cmd.Intensity, msg.Intensity)
	assert.Equal(t, cmd.DurationMs, msg.Duration)
}

func TestSetExpressionFallsBackToControlEndpoint(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	peer.setOpen(false)

	c.SetExpression(context.Background(), expression.Command{Emotion: "calm", Intensity: 0.3, DurationMs: 2000})

	require.Len(t, api.controls, 1)
	assert.Equal(t, "expression", api.controls[0]["type"])
	assert.Equal(t, "calm", api.controls[0]["emotion"])
}

func TestTransitionExpressionInterpolates(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, func(cfg *Config) { cfg.TransitionSteps = 4 })
	require.NoError(t, c.Connect(context.Background()))

	from := expression.Command{Emotion: "neutral", Intensity: 0}
	to := expression.Command{Emotion: "happy", Intensity: 1}
	require.True(t, c.TransitionExpression(context.Background(), from, to, 8*time.Millisecond))

	msgs := peer.messages()
	require.Len(t, msgs, 4)
	want := []float64{0.25, 0.5, 0.75, 1}
	for i, raw := range msgs {
		var msg ExpressionMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &msg))
		assert.Equal(t, "happy", msg.Emotion)
		assert.InDelta(t, want[i], msg.Intensity, 1e-9)
	}
}

func TestNewerTransitionCancelsOlder(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	result := make(chan bool, 1)
	go func() {
		result <- c.TransitionExpression(context.Background(),
			expression.Command{Emotion: "neutral"},
			expression.Command{Emotion: "sad", Intensity: 1},
			2*time.Second)
	}()
	require.Eventually(t, func() bool { return len(peer.messages()) >= 1 }, time.Second, time.Millisecond)

	c.SetExpression(context.Background(), expression.Command{Emotion: "happy", Intensity: 0.5, DurationMs: 2000})

	select {
	case completed := <-result:
		assert.False(t, completed)
	case <-time.After(time.Second):
		t.Fatal("stale transition kept running")
	}
	var last ExpressionMessage
	require.NoError(t, json.Unmarshal(c.LastControlMessage(), &last))
	assert.Equal(t, "happy", last.Emotion)
}

func TestPauseResumeOnlyWhenChannelOpen(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)

	c.Pause()
	assert.Nil(t, c.LastControlMessage())

	require.NoError(t, c.Connect(context.Background()))
	c.Pause()
	assert.JSONEq(t, `{"type":"control","action":"pause"}`, string(c.LastControlMessage()))
	c.Resume()
	assert.JSONEq(t, `{"type":"control","action":"resume"}`, string(c.LastControlMessage()))

	peer.setOpen(false)
	c.Pause()
	assert.JSONEq(t, `{"type":"control","action":"resume"}`, string(c.LastControlMessage()))
	assert.Empty(t, api.controls)
}

func TestTimestampsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	fixed := time.UnixMilli(1_700_000_000_000)
	c := NewClient(Config{AvatarID: "anna", DrainInterval: time.Millisecond}, api, fakeFactory(peer), Handlers{},
		WithClock(func() time.Time { return fixed }))
	defer func() { _ = c.Disconnect(context.Background()) }()
	require.NoError(t, c.Connect(context.Background()))

	c.SendAudio(context.Background(), []byte("1"))
	c.SendAudio(context.Background(), []byte("2"))

	msgs := peer.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, fixed.UnixMilli(), decodeAudio(t, msgs[0]).Timestamp)
	assert.Equal(t, fixed.UnixMilli()+1, decodeAudio(t, msgs[1]).Timestamp)
}

func TestSendAudioAfterCloseIsDropped(t *testing.T) {
	api := newFakeSignaler()
	peer := &fakePeer{connectOnAccept: true}
	c := newTestClient(t, api, peer, Handlers{}, nil)
	require.NoError(t, c.Disconnect(context.Background()))

	c.SendAudio(context.Background(), []byte("late"))
	assert.Zero(t, api.taskCount())
	assert.Empty(t, peer.messages())
}
