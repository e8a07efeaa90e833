package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codmonbridge/internal/config"
)

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CODMON_EMAIL", "CODMON_PASSWORD", "SLACK_BOT_TOKEN", "SLACK_CHANNEL_ID",
		"BRIDGE_DATA_DIR", "BRIDGE_POLICY_FILE",
		"BRIDGE_PAGE_CEILING", "BRIDGE_HISTORY_LIMIT", "BRIDGE_PAGE_DELAY_MS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearBridgeEnv(t)

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "codomon_data", cfg.DataDir)
	assert.Equal(t, 3000, cfg.PageCeiling)
	assert.Equal(t, time.Second, cfg.PageDelay)
	assert.Equal(t, time.Second, cfg.UploadDelay)
	assert.Equal(t, 1200*time.Millisecond, cfg.DeleteDelay)
	assert.Equal(t, 1000, cfg.HistoryLimit)
}

func TestFromEnvOverrides(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("CODMON_EMAIL", "parent@example.com")
	t.Setenv("CODMON_PASSWORD", "secret")
	t.Setenv("BRIDGE_DATA_DIR", "/var/lib/bridge")
	t.Setenv("BRIDGE_PAGE_CEILING", "10")
	t.Setenv("BRIDGE_HISTORY_LIMIT", "200")
	t.Setenv("BRIDGE_PAGE_DELAY_MS", "250")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bridge", cfg.DataDir)
	assert.Equal(t, 10, cfg.PageCeiling)
	assert.Equal(t, 200, cfg.HistoryLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.PageDelay)
	assert.NoError(t, cfg.ValidateCodmon())
}

func TestFromEnvRejectsBadNumbers(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("BRIDGE_PAGE_CEILING", "lots")

	_, err := config.FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BRIDGE_PAGE_CEILING")
}

func TestValidation(t *testing.T) {
	var cfg config.Config
	assert.ErrorIs(t, cfg.ValidateCodmon(), config.ErrMissingCodmonCredentials)
	assert.ErrorIs(t, cfg.ValidateSlack(), config.ErrMissingSlackCredentials)

	cfg.CodmonEmail = "parent@example.com"
	assert.ErrorIs(t, cfg.ValidateCodmon(), config.ErrMissingCodmonCredentials, "both halves are required")

	cfg.CodmonPassword = "secret"
	assert.NoError(t, cfg.ValidateCodmon())

	cfg.SlackBotToken = "xoxb-1"
	cfg.SlackChannelID = "C123"
	assert.NoError(t, cfg.ValidateSlack())
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("facilities:\n  - ひまわり園\nkinds:\n  - activities\n"), 0o644))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)

	assert.True(t, p.AllowFacility("ひまわり園"))
	assert.False(t, p.AllowFacility("別の園"))
	assert.True(t, p.AllowKind("activities"))
	assert.False(t, p.AllowKind("topics"))
}

func TestLoadPolicyEmptyPathIsPermissive(t *testing.T) {
	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	assert.True(t, p.AllowFacility("anything"))
	assert.True(t, p.AllowKind("anything"))
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadPolicyBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("facilities: {nope"), 0o644))
	_, err := config.LoadPolicy(path)
	require.Error(t, err)
}
