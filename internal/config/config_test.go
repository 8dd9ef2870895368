package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8088\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8088", cfg.ServerAddress())
	assert.Equal(t, "./data/app.db", cfg.Server.DBPath)
	assert.Equal(t, int64(86400), cfg.Queue.ParticipationWindowSecs)
	assert.Equal(t, int64(86400), cfg.Queue.ProcessedMessageTTLSecs)
	assert.Equal(t, int64(86400), cfg.Twitch.UserCacheTTLSecs)
	assert.True(t, cfg.Twitch.ServeStaleOnError)
	assert.False(t, cfg.FeedEnabled())
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
twitch:
  client_id: abc
  client_secret: def
  target_reward_ids:
    - reward-1
    - reward-2
  cancel_reward_id: reward-3
queue:
  participation_window_secs: 3600
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"reward-1", "reward-2"}, cfg.Twitch.TargetRewardIDs)
	assert.Equal(t, "reward-3", cfg.Twitch.CancelRewardID)
	assert.Equal(t, int64(3600), cfg.Queue.ParticipationWindowSecs)
	assert.True(t, cfg.FeedEnabled())
}

func TestFeedRequiresTargetReward(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
twitch:
  client_id: abc
  client_secret: def
  cancel_reward_id: reward-3
`))
	require.NoError(t, err)

	// A cancel reward alone does not enable the EventSub feed.
	assert.False(t, cfg.FeedEnabled())
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	_, err := Load(writeConfig(t, "twitch:\n  client_id: abc\n"))
	assert.Error(t, err)
}

func TestValidateRejectsCancelInTargets(t *testing.T) {
	_, err := Load(writeConfig(t, `
twitch:
  client_id: abc
  client_secret: def
  target_reward_ids: [same]
  cancel_reward_id: same
`))
	assert.Error(t, err)
}

func TestValidateRejectsZeroDedupTTL(t *testing.T) {
	_, err := Load(writeConfig(t, "queue:\n  processed_message_ttl_secs: 0\n"))
	assert.Error(t, err)
}
