package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the session coordinator.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"10m"`
	SessionRetention         time.Duration `env:"APP_SESSION_RETENTION" envDefault:"5m"`
	InitializeTimeout        time.Duration `env:"APP_INITIALIZE_TIMEOUT" envDefault:"45s"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"talkai"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	LogFile   string `env:"LOG_FILE"`

	// auto picks hume when credentials are present and mock otherwise.
	VoiceProvider string `env:"VOICE_PROVIDER" envDefault:"auto"`
	HumeAPIKey    string `env:"HUME_API_KEY"`
	HumeSecretKey string `env:"HUME_SECRET_KEY"`
	HumeConfigID  string `env:"HUME_CONFIG_ID"`
	HumeWSURL     string `env:"HUME_WS_URL" envDefault:"wss://api.hume.ai/v0/evi/chat"`
	HumeTokenURL  string `env:"HUME_TOKEN_URL" envDefault:"https://api.hume.ai/oauth2-cc/token"`

	// auto picks heygen when an API key and avatar are configured and none otherwise.
	AvatarProvider string        `env:"AVATAR_PROVIDER" envDefault:"auto"`
	HeyGenAPIKey   string        `env:"HEYGEN_API_KEY"`
	HeyGenBaseURL  string        `env:"HEYGEN_BASE_URL" envDefault:"https://api.heygen.com/v1"`
	HeyGenAvatarID string        `env:"HEYGEN_AVATAR_ID"`
	HeyGenVoiceID  string        `env:"HEYGEN_VOICE_ID"`
	HeyGenQuality  string        `env:"HEYGEN_QUALITY" envDefault:"medium"`
	STUNServers    []string      `env:"WEBRTC_STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	ConnectTimeout time.Duration `env:"AVATAR_CONNECT_TIMEOUT" envDefault:"30s"`

	AudioQueueLimit    int           `env:"AVATAR_AUDIO_QUEUE_LIMIT" envDefault:"256"`
	AudioQueuePolicy   string        `env:"AVATAR_AUDIO_QUEUE_POLICY" envDefault:"drop_oldest"`
	AudioDrainInterval time.Duration `env:"AVATAR_AUDIO_DRAIN_INTERVAL" envDefault:"50ms"`

	EmotionThrottle    time.Duration `env:"EMOTION_THROTTLE" envDefault:"500ms"`
	ExpressionDuration time.Duration `env:"EXPRESSION_DURATION" envDefault:"2s"`

	DatabaseURL           string `env:"DATABASE_URL"`
	HistoryDefaultEnabled bool   `env:"HISTORY_DEFAULT_ENABLED" envDefault:"false"`
	HistoryRedactPII      bool   `env:"HISTORY_REDACT_PII" envDefault:"true"`
}

// Load reads environment variables, applies defaults and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.VoiceProvider = strings.ToLower(strings.TrimSpace(c.VoiceProvider))
	c.AvatarProvider = strings.ToLower(strings.TrimSpace(c.AvatarProvider))
	c.AudioQueuePolicy = strings.ToLower(strings.TrimSpace(c.AudioQueuePolicy))
	c.HumeAPIKey = strings.TrimSpace(c.HumeAPIKey)
	c.HumeSecretKey = strings.TrimSpace(c.HumeSecretKey)
	c.HeyGenAPIKey = strings.TrimSpace(c.HeyGenAPIKey)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)

	servers := c.STUNServers[:0]
	for _, s := range c.STUNServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.STUNServers = servers
}

// Validate checks cross-field constraints that env tags cannot express.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.InitializeTimeout <= 0 {
		return fmt.Errorf("APP_INITIALIZE_TIMEOUT must be positive")
	}
	switch c.VoiceProvider {
	case "auto", "hume", "mock":
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|hume|mock)", c.VoiceProvider)
	}
	switch c.AvatarProvider {
	case "auto", "heygen", "none":
	default:
		return fmt.Errorf("invalid AVATAR_PROVIDER: %q (expected auto|heygen|none)", c.AvatarProvider)
	}
	switch c.AudioQueuePolicy {
	case "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("invalid AVATAR_AUDIO_QUEUE_POLICY: %q (expected drop_oldest|drop_newest)", c.AudioQueuePolicy)
	}
	if c.AudioQueueLimit <= 0 {
		return fmt.Errorf("AVATAR_AUDIO_QUEUE_LIMIT must be positive")
	}
	if c.AudioDrainInterval < 0 {
		return fmt.Errorf("AVATAR_AUDIO_DRAIN_INTERVAL must be >= 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("AVATAR_CONNECT_TIMEOUT must be positive")
	}
	if c.EmotionThrottle < 0 {
		return fmt.Errorf("EMOTION_THROTTLE must be >= 0")
	}
	if c.ExpressionDuration <= 0 {
		return fmt.Errorf("EXPRESSION_DURATION must be positive")
	}
	if c.VoiceProvider == "hume" && (c.HumeAPIKey == "" || c.HumeSecretKey == "" || strings.TrimSpace(c.HumeConfigID) == "") {
		return fmt.Errorf("VOICE_PROVIDER=hume requires HUME_API_KEY, HUME_SECRET_KEY and HUME_CONFIG_ID")
	}
	if c.AvatarProvider == "heygen" && (c.HeyGenAPIKey == "" || strings.TrimSpace(c.HeyGenAvatarID) == "") {
		return fmt.Errorf("AVATAR_PROVIDER=heygen requires HEYGEN_API_KEY and HEYGEN_AVATAR_ID")
	}
	return nil
}

// HumeConfigured reports whether live Hume credentials are present.
func (c Config) HumeConfigured() bool {
	return c.HumeAPIKey != "" && c.HumeSecretKey != "" && strings.TrimSpace(c.HumeConfigID) != ""
}

// HeyGenConfigured reports whether the HeyGen avatar can be used.
func (c Config) HeyGenConfigured() bool {
	return c.HeyGenAPIKey != "" && strings.TrimSpace(c.HeyGenAvatarID) != ""
}
