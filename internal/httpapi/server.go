package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/avatar"
	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/history"
	"github.com/talkai-app/talkai/internal/observability"
	"github.com/talkai-app/talkai/internal/protocol"
	"github.com/talkai-app/talkai/internal/session"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	UserID      string `json:"user_id"`
	SaveHistory *bool  `json:"save_history,omitempty"`
}

// Providers names the backends the service resolved at startup.
type Providers struct {
	Voice   string `json:"voice"`
	Avatar  string `json:"avatar"`
	History string `json:"history"`
}

// SessionFactory turns a create request into orchestrator options.
type SessionFactory interface {
	Options(req CreateSessionRequest) session.Options
	Providers() Providers
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	factory  SessionFactory
	history  history.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, factory SessionFactory, store history.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		factory:  factory,
		history:  store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a user's microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/mute", s.handleMute)
			r.Post("/pause", s.handlePause)
			r.Post("/end", s.handleEndSession)
			r.Post("/avatar/reconnect", s.handleReconnectAvatar)
			r.Get("/history", s.handleHistory)
			r.Get("/ws", s.handleSessionWS)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	var providers Providers
	if s.factory != nil {
		providers = s.factory.Providers()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"providers":       providers,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.factory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session factory not configured")
		return
	}
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	o := s.sessions.Create(r.Context(), s.factory.Options(req))

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.InitializeTimeout)
	defer cancel()
	if err := o.Initialize(ctx); err != nil {
		var fe *session.FatalError
		if errors.As(err, &fe) {
			respondJSON(w, http.StatusBadGateway, fatalResponse{
				Error:     fe.Error(),
				Code:      fe.Code,
				Retryable: fe.Retryable,
				SessionID: o.ID(),
			})
			return
		}
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, o.Snapshot())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Orchestrator, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	o, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return o, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, o.Snapshot())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	muted, err := o.ToggleMute()
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": o.ID(), "muted": muted})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	paused, err := o.TogglePause(r.Context())
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":       o.ID(),
		"paused":           paused,
		"duration_seconds": o.DurationSeconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	summary, err := s.sessions.End(r.Context(), o.ID())
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReconnectAvatar(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := o.ReconnectAvatar(r.Context()); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit := 200
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	messages := []history.MessageRecord{}
	if s.history != nil {
		got, err := s.history.SessionMessages(r.Context(), o.ID(), limit)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", o.ID()).Msg("load session history failed")
			respondError(w, http.StatusInternalServerError, "history_unavailable", "could not load history")
			return
		}
		if got != nil {
			messages = got
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":   o.ID(),
		"save_history": o.Snapshot().SaveHistory,
		"messages":     messages,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	logger := s.logger.With().Str("session_id", o.ID()).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	local := make(chan any, 16)
	send := func(msg any) {
		select {
		case local <- msg:
		default:
			s.metrics.WSMessage("out", "dropped")
		}
	}
	send(statusMessage(o.Snapshot()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-local:
			case ev, ok := <-events:
				if !ok {
					// Session ended; final status has been delivered.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
						time.Now().Add(time.Second))
					_ = conn.Close()
					cancel()
					return
				}
				msg = ev
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("ws write failed")
				cancel()
				_ = conn.Close()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessage("out", string(t))
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(gatewayError(o.ID(), "invalid_client_message", err.Error()))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("in", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientAudioChunk:
			frame, err := base64.StdEncoding.DecodeString(m.AudioBase64)
			if err != nil {
				send(gatewayError(o.ID(), "invalid_audio", "audio_base64 is not valid base64"))
				continue
			}
			switch err := o.CaptureAudio(ctx, frame); {
			case err == nil, errors.Is(err, session.ErrNotLive):
			case errors.Is(err, session.ErrEnded):
				break readLoop
			default:
				logger.Warn().Err(err).Msg("capture audio failed")
			}
		case protocol.ClientControl:
			if err := s.applyControl(ctx, o, m.Action, send); err != nil {
				if errors.Is(err, session.ErrEnded) {
					break readLoop
				}
				send(gatewayError(o.ID(), controlErrorCode(err), err.Error()))
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) applyControl(ctx context.Context, o *session.Orchestrator, action string, send func(any)) error {
	switch action {
	case protocol.ActionMute:
		_, err := o.ToggleMute()
		return err
	case protocol.ActionPause:
		_, err := o.TogglePause(ctx)
		return err
	case protocol.ActionEnd:
		_, err := s.sessions.End(ctx, o.ID())
		return err
	case protocol.ActionReconnectAvatar:
		// Reconnect can take seconds; keep reading audio meanwhile.
		go func() {
			if err := o.ReconnectAvatar(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, session.ErrEnded) {
				var connErr *avatar.ConnectionError
				if errors.As(err, &connErr) {
					// already reported as an avatar error event
					return
				}
				send(gatewayError(o.ID(), controlErrorCode(err), err.Error()))
			}
		}()
		return nil
	default:
		return errors.New("unsupported control action")
	}
}

func controlErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotLive):
		return "session_not_live"
	case errors.Is(err, session.ErrAvatarDisabled):
		return "avatar_disabled"
	default:
		return "control_failed"
	}
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	var connErr *avatar.ConnectionError
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	case errors.Is(err, session.ErrNotLive):
		respondError(w, http.StatusConflict, "session_not_live", err.Error())
	case errors.Is(err, session.ErrAvatarDisabled):
		respondError(w, http.StatusConflict, "avatar_disabled", err.Error())
	case errors.As(err, &connErr):
		respondError(w, http.StatusBadGateway, "avatar_connect_failed", err.Error())
	default:
		s.logger.Error().Err(err).Msg("session request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func statusMessage(snap session.Snapshot) protocol.SessionStatus {
	return protocol.SessionStatus{
		Type:            protocol.TypeSessionStatus,
		SessionID:       snap.ID,
		Status:          string(snap.Status),
		VoiceState:      string(snap.VoiceState),
		AvatarState:     string(snap.AvatarState),
		Muted:           snap.Muted,
		Paused:          snap.Paused,
		AvatarFallback:  snap.AvatarFallback,
		DurationSeconds: snap.DurationSeconds,
	}
}

func gatewayError(sessionID, code, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Detail:    detail,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type fatalResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	SessionID string `json:"session_id"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionStatus:
		return m.Type, true
	case protocol.TranscriptMessage:
		return m.Type, true
	case protocol.EmotionUpdate:
		return m.Type, true
	case protocol.AvatarVideoReady:
		return m.Type, true
	case protocol.TimerTick:
		return m.Type, true
	case protocol.SafetyNotice:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
