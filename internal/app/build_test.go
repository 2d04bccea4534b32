package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkai-app/talkai/internal/avatar"
	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/httpapi"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		SessionRetention:         time.Minute,
		InitializeTimeout:        5 * time.Second,
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		VoiceProvider:            "auto",
		AvatarProvider:           "auto",
		HumeWSURL:                "wss://api.hume.ai/v0/evi/chat",
		HumeTokenURL:             "https://api.hume.ai/oauth2-cc/token",
		HeyGenBaseURL:            "https://api.heygen.com/v1",
		HeyGenQuality:            "medium",
		ConnectTimeout:           time.Second,
		AudioQueueLimit:          16,
		AudioQueuePolicy:         "drop_oldest",
		AudioDrainInterval:       10 * time.Millisecond,
		EmotionThrottle:          500 * time.Millisecond,
		ExpressionDuration:       2 * time.Second,
	}
}

func TestBuildFallsBackToMockVoiceOnly(t *testing.T) {
	cfg := testConfig(t)
	res, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, httpapi.Providers{Voice: "mock", Avatar: "none", History: "in-memory"}, res.Providers)
	assert.Equal(t, "mock", res.Config.VoiceProvider)
	assert.Equal(t, "none", res.Config.AvatarProvider)
	assert.NotNil(t, res.API)
	assert.NotNil(t, res.Sessions)
}

func TestSessionFactoryHistoryDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDefaultEnabled = true
	f := &sessionFactory{cfg: cfg}
	opts := f.Options(httpapi.CreateSessionRequest{UserID: "u1"})
	assert.True(t, opts.SaveHistory)
	assert.Nil(t, opts.NewAvatar)

	off := false
	opts = f.Options(httpapi.CreateSessionRequest{UserID: "u1", SaveHistory: &off})
	assert.False(t, opts.SaveHistory)
}

func TestResolveVoiceProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.VoiceProvider = "hume"
	_, err := resolveVoiceProvider(cfg, zerolog.Nop())
	require.Error(t, err)

	cfg.HumeAPIKey, cfg.HumeSecretKey, cfg.HumeConfigID = "key", "secret", "cfg-1"
	setup, err := resolveVoiceProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "hume", setup.resolvedProvider)
	assert.NotNil(t, setup.newStream)

	cfg.VoiceProvider = "auto"
	setup, err = resolveVoiceProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "hume", setup.resolvedProvider)

	cfg.VoiceProvider = "whisper"
	_, err = resolveVoiceProvider(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestResolveAvatarProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.AvatarProvider = "heygen"
	_, err := resolveAvatarProvider(cfg, nil)
	require.Error(t, err)

	cfg.HeyGenAPIKey, cfg.HeyGenAvatarID = "key", "Anna_public"
	setup, err := resolveAvatarProvider(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "heygen", setup.resolvedProvider)
	require.NotNil(t, setup.newAvatar)

	client := setup.newAvatar(zerolog.Nop())(avatar.Handlers{})
	_, ok := client.(*avatar.Client)
	assert.True(t, ok)
	assert.Empty(t, client.SessionID())

	cfg.AvatarProvider = "none"
	setup, err = resolveAvatarProvider(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, setup.newAvatar)
}

func TestAvatarConfigRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.AudioQueuePolicy = "drop_random"
	_, err := AvatarConfig(cfg)
	require.Error(t, err)
}
