package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/history"
	"github.com/talkai-app/talkai/internal/httpapi"
	"github.com/talkai-app/talkai/internal/logging"
	"github.com/talkai-app/talkai/internal/observability"
	"github.com/talkai-app/talkai/internal/session"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	History   history.Store
	Metrics   *observability.Metrics
	Providers httpapi.Providers
	Detail    map[string]string

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	voiceSetup, err := resolveVoiceProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	avatarSetup, err := resolveAvatarProvider(cfg, metrics)
	if err != nil {
		return nil, err
	}

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryRedactPII, logging.Component(logger, "history"))
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	historyMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		historyMode = "postgres"
	}

	// Handlers and the status endpoint report the resolved backends.
	cfg.VoiceProvider = voiceSetup.resolvedProvider
	cfg.AvatarProvider = avatarSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.SessionRetention, metrics)
	sessionLogger := logging.Component(logger, "session")
	sessions.SetExpireHook(func(o *session.Orchestrator, summary session.Summary) {
		sessionLogger.Info().
			Str("session_id", o.ID()).
			Str("final_status", string(summary.FinalStatus)).
			Int("duration_seconds", summary.DurationSeconds).
			Msg("session expired after inactivity")
	})

	providers := httpapi.Providers{
		Voice:   voiceSetup.resolvedProvider,
		Avatar:  avatarSetup.resolvedProvider,
		History: historyMode,
	}
	factory := &sessionFactory{
		cfg:       cfg,
		voice:     voiceSetup,
		avatar:    avatarSetup,
		store:     store,
		metrics:   metrics,
		logger:    sessionLogger,
		providers: providers,
	}
	api := httpapi.New(cfg, sessions, factory, store, metrics, logging.Component(logger, "httpapi"))

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		History:   store,
		Metrics:   metrics,
		Providers: providers,
		Detail: map[string]string{
			"voice":   voiceSetup.detail,
			"avatar":  avatarSetup.detail,
			"history": historyMode,
		},
		Cleanup: store.Close,
	}, nil
}

// sessionFactory turns API create requests into orchestrator options.
type sessionFactory struct {
	cfg       config.Config
	voice     voiceSetup
	avatar    avatarSetup
	store     history.Store
	metrics   *observability.Metrics
	logger    zerolog.Logger
	providers httpapi.Providers
}

func (f *sessionFactory) Options(req httpapi.CreateSessionRequest) session.Options {
	saveHistory := f.cfg.HistoryDefaultEnabled
	if req.SaveHistory != nil {
		saveHistory = *req.SaveHistory
	}
	opts := session.Options{
		UserID:             req.UserID,
		SaveHistory:        saveHistory,
		VoiceConfigID:      f.cfg.HumeConfigID,
		Tokens:             f.voice.tokens,
		NewVoice:           f.voice.newStream,
		History:            f.store,
		Metrics:            f.metrics,
		Logger:             f.logger,
		EmotionThrottle:    f.cfg.EmotionThrottle,
		ExpressionDuration: f.cfg.ExpressionDuration,
	}
	if f.avatar.newAvatar != nil {
		opts.NewAvatar = f.avatar.newAvatar(f.logger)
	}
	return opts
}

func (f *sessionFactory) Providers() httpapi.Providers {
	return f.providers
}
