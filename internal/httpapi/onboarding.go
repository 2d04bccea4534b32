package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	Providers      Providers         `json:"providers"`
	HistoryDefault bool              `json:"history_default_enabled"`
	RedactPII      bool              `json:"history_redact_pii"`
	Checks         []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	var providers Providers
	if s.factory != nil {
		providers = s.factory.Providers()
	}

	checks := make([]onboardingCheck, 0, 8)
	checks = append(checks, s.voiceChecks(providers.Voice)...)
	checks = append(checks, s.avatarChecks(providers.Avatar)...)
	checks = append(checks, s.historyChecks(providers.History)...)

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		Providers:      providers,
		HistoryDefault: s.cfg.HistoryDefaultEnabled,
		RedactPII:      s.cfg.HistoryRedactPII,
		Checks:         checks,
	})
}

func (s *Server) voiceChecks(provider string) []onboardingCheck {
	switch provider {
	case "hume":
		out := []onboardingCheck{{
			ID:     "voice_provider",
			Status: "ok",
			Label:  "Voice backend",
			Detail: "hume",
		}}
		out = append(out, presenceCheck("hume_key", "Hume API key", s.cfg.HumeAPIKey, "HUME_API_KEY"))
		out = append(out, presenceCheck("hume_secret", "Hume secret key", s.cfg.HumeSecretKey, "HUME_SECRET_KEY"))
		out = append(out, presenceCheck("hume_config", "Hume EVI config", s.cfg.HumeConfigID, "HUME_CONFIG_ID"))
		return out
	case "mock":
		return []onboardingCheck{{
			ID:     "voice_provider",
			Status: "warn",
			Label:  "Voice backend is mock",
			Detail: "Transcripts and emotions are scripted; no assistant audio is generated.",
			Fix:    "Set HUME_API_KEY, HUME_SECRET_KEY and HUME_CONFIG_ID to use Hume EVI.",
		}}
	default:
		return []onboardingCheck{{
			ID:     "voice_provider",
			Status: "error",
			Label:  "Voice backend",
			Detail: fmt.Sprintf("unknown provider %q; expected hume|mock", provider),
		}}
	}
}

func (s *Server) avatarChecks(provider string) []onboardingCheck {
	switch provider {
	case "heygen":
		out := []onboardingCheck{{
			ID:     "avatar_provider",
			Status: "ok",
			Label:  "Avatar backend",
			Detail: "heygen",
		}}
		out = append(out, presenceCheck("heygen_key", "HeyGen API key", s.cfg.HeyGenAPIKey, "HEYGEN_API_KEY"))
		out = append(out, presenceCheck("heygen_avatar", "HeyGen avatar", s.cfg.HeyGenAvatarID, "HEYGEN_AVATAR_ID"))
		if len(s.cfg.STUNServers) == 0 {
			out = append(out, onboardingCheck{
				ID:     "stun_servers",
				Status: "warn",
				Label:  "STUN servers",
				Detail: "none configured; built-in defaults are used",
			})
		}
		return out
	default:
		return []onboardingCheck{{
			ID:     "avatar_provider",
			Status: "warn",
			Label:  "Avatar disabled",
			Detail: "Sessions run voice-only in degraded mode.",
			Fix:    "Set HEYGEN_API_KEY and HEYGEN_AVATAR_ID to enable the video avatar.",
		}}
	}
}

func (s *Server) historyChecks(mode string) []onboardingCheck {
	switch mode {
	case "postgres":
		return []onboardingCheck{{
			ID:     "history_store",
			Status: "ok",
			Label:  "Conversation history",
			Detail: "postgres",
		}}
	case "in-memory":
		return []onboardingCheck{{
			ID:     "history_store",
			Status: "warn",
			Label:  "Conversation history",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to persist history across restarts.",
		}}
	default:
		return []onboardingCheck{{
			ID:     "history_store",
			Status: "warn",
			Label:  "Conversation history",
			Detail: "disabled",
		}}
	}
}

func presenceCheck(id, label, value, envName string) onboardingCheck {
	if strings.TrimSpace(value) == "" {
		return onboardingCheck{
			ID:     id,
			Status: "error",
			Label:  label,
			Detail: envName + " is not set",
			Fix:    "Set " + envName + " and restart the service.",
		}
	}
	return onboardingCheck{ID: id, Status: "ok", Label: label, Detail: "present"}
}
