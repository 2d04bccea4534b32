package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/logging"
	"github.com/talkai-app/talkai/internal/voice"
)

type voiceSetup struct {
	tokens           voice.TokenSource
	newStream        voice.StreamFactory
	resolvedProvider string
	detail           string
}

func resolveVoiceProvider(cfg config.Config, logger zerolog.Logger) (voiceSetup, error) {
	tryHume := func() (voiceSetup, bool) {
		if !cfg.HumeConfigured() {
			return voiceSetup{}, false
		}
		tokens := voice.NewHumeTokenSource(cfg.HumeTokenURL, cfg.HumeAPIKey, cfg.HumeSecretKey, &http.Client{Timeout: 15 * time.Second})
		return voiceSetup{
			tokens:           tokens,
			newStream:        voice.HumeStreamFactory(voice.HumeConfig{WSURL: cfg.HumeWSURL}, logging.Component(logger, "hume")),
			resolvedProvider: "hume",
			detail:           "hume evi (" + cfg.HumeConfigID + ")",
		}, true
	}
	mock := voiceSetup{
		tokens:           voice.StaticTokenSource("mock"),
		newStream:        voice.MockStreamFactory(0),
		resolvedProvider: "mock",
		detail:           "mock (scripted turns)",
	}

	switch cfg.VoiceProvider {
	case "hume":
		setup, ok := tryHume()
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=hume but HUME_API_KEY, HUME_SECRET_KEY or HUME_CONFIG_ID is not set")
		}
		return setup, nil
	case "mock":
		return mock, nil
	case "", "auto":
		if setup, ok := tryHume(); ok {
			return setup, nil
		}
		mock.detail = "mock (no hume credentials)"
		return mock, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|hume|mock)", cfg.VoiceProvider)
	}
}
