package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/avatar"
	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/logging"
	"github.com/talkai-app/talkai/internal/observability"
	"github.com/talkai-app/talkai/internal/session"
)

type avatarSetup struct {
	// newAvatar is nil when sessions run voice-only.
	newAvatar        func(logger zerolog.Logger) session.AvatarFactory
	resolvedProvider string
	detail           string
}

// AvatarConfig maps service settings onto the HeyGen client config.
func AvatarConfig(cfg config.Config) (avatar.Config, error) {
	policy, err := avatar.ParseQueuePolicy(cfg.AudioQueuePolicy)
	if err != nil {
		return avatar.Config{}, err
	}
	return avatar.Config{
		AvatarID:       cfg.HeyGenAvatarID,
		VoiceID:        cfg.HeyGenVoiceID,
		Quality:        cfg.HeyGenQuality,
		ConnectTimeout: cfg.ConnectTimeout,
		QueueLimit:     cfg.AudioQueueLimit,
		QueuePolicy:    policy,
		DrainInterval:  cfg.AudioDrainInterval,
	}, nil
}

// NewHeyGenSignaler returns the REST client used for avatar signaling.
func NewHeyGenSignaler(cfg config.Config) *avatar.RESTClient {
	return avatar.NewRESTClient(cfg.HeyGenBaseURL, cfg.HeyGenAPIKey, &http.Client{Timeout: 20 * time.Second})
}

// NewPeerFactory builds pion peers using the configured STUN servers.
func NewPeerFactory(cfg config.Config) (avatar.PeerFactory, error) {
	api, err := avatar.NewAPI(avatar.APIOptions{})
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	stun := cfg.STUNServers
	if len(stun) == 0 {
		stun = avatar.DefaultSTUNServers
	}
	return avatar.PionPeerFactory(api, stun), nil
}

func resolveAvatarProvider(cfg config.Config, metrics *observability.Metrics) (avatarSetup, error) {
	none := avatarSetup{resolvedProvider: "none", detail: "disabled (voice-only)"}

	tryHeyGen := func() (avatarSetup, bool, error) {
		if !cfg.HeyGenConfigured() {
			return avatarSetup{}, false, nil
		}
		clientCfg, err := AvatarConfig(cfg)
		if err != nil {
			return avatarSetup{}, false, err
		}
		peers, err := NewPeerFactory(cfg)
		if err != nil {
			return avatarSetup{}, false, err
		}
		signaler := NewHeyGenSignaler(cfg)
		return avatarSetup{
			newAvatar: func(logger zerolog.Logger) session.AvatarFactory {
				return func(h avatar.Handlers) session.Avatar {
					return avatar.NewClient(clientCfg, signaler, peers, h,
						avatar.WithLogger(logging.Component(logger, "avatar")),
						avatar.WithMetrics(metrics),
					)
				}
			},
			resolvedProvider: "heygen",
			detail:           fmt.Sprintf("heygen (%s, %s quality)", cfg.HeyGenAvatarID, cfg.HeyGenQuality),
		}, true, nil
	}

	switch cfg.AvatarProvider {
	case "heygen":
		setup, ok, err := tryHeyGen()
		if err != nil {
			return avatarSetup{}, err
		}
		if !ok {
			return avatarSetup{}, fmt.Errorf("AVATAR_PROVIDER=heygen but HEYGEN_API_KEY or HEYGEN_AVATAR_ID is not set")
		}
		return setup, nil
	case "none":
		return none, nil
	case "", "auto":
		setup, ok, err := tryHeyGen()
		if err != nil {
			return avatarSetup{}, err
		}
		if ok {
			return setup, nil
		}
		none.detail = "disabled (no heygen credentials)"
		return none, nil
	default:
		return avatarSetup{}, fmt.Errorf("invalid AVATAR_PROVIDER: %q (expected auto|heygen|none)", cfg.AvatarProvider)
	}
}
