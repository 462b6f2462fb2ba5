package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
default_backend: streaming
completion:
  api_key: sk-test
  max_history: 12
  timeout: 45s
streaming:
  cookie: cookie-value
usage:
  limit_count: 3
  limit_window: 90s
accounts:
  allow_list: ["1001"]
  private_list: ["2002"]
  block_list: ["3003"]
personas:
  pirate: "Talk like a pirate."
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendStreaming, cfg.DefaultBackend)
	assert.Equal(t, "sk-test", cfg.Completion.APIKey)
	assert.Equal(t, 12, cfg.Completion.MaxHistory)
	assert.Equal(t, 45*time.Second, cfg.Completion.Timeout)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Completion.Model, "unset fields keep defaults")
	assert.Equal(t, "cookie-value", cfg.Streaming.Cookie)
	assert.Equal(t, 3, cfg.Usage.LimitCount)
	assert.Equal(t, 90*time.Second, cfg.Usage.LimitWindow)
	assert.Contains(t, cfg.Personas, "pirate")
	assert.Contains(t, cfg.Personas, config.DefaultPersonaName, "yaml maps merge into the default table")
	assert.NotEmpty(t, cfg.SystemDirectives)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		errContains string
	}{
		{
			name:        "malformed yaml",
			body:        "default_backend: [",
			errContains: "failed to parse config",
		},
		{
			name:        "unknown backend",
			body:        "default_backend: telepathy",
			errContains: "unknown default_backend",
		},
		{
			name:        "negative quota",
			body:        "usage:\n  limit_count: -1",
			errContains: "limit_count",
		},
		{
			name:        "zero quota with a window",
			body:        "usage:\n  limit_count: 0\n  limit_window: 5m",
			errContains: "limit_count must be positive",
		},
		{
			name:        "negative history cap",
			body:        "completion:\n  max_history: -5",
			errContains: "max_history",
		},
		{
			name:        "temperature out of range",
			body:        "default_temperature: 1.5",
			errContains: "default_temperature",
		},
		{
			name:        "blank persona",
			body:        "personas:\n  empty: \"   \"",
			errContains: "persona prompt is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoad_QuotaDisabledByZeroWindow(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "usage:\n  limit_count: 0\n  limit_window: 0s\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Usage.LimitCount)
	assert.Zero(t, cfg.Usage.LimitWindow)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvOpenAIAPIKey, "sk-env")
	t.Setenv(config.EnvStreamingCookie, "cookie-env")
	t.Setenv(config.EnvOneBotToken, "token-env")

	cfg, err := config.Load(writeConfig(t, "completion:\n  api_key: sk-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.Completion.APIKey)
	assert.Equal(t, "cookie-env", cfg.Streaming.Cookie)
	assert.Equal(t, "token-env", cfg.OneBot.AccessToken)
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestAccountLists(t *testing.T) {
	cfg := config.Default()
	cfg.Accounts = config.AccountsConfig{
		AllowList:   []string{"1"},
		PrivateList: []string{"2"},
		BlockList:   []string{"3"},
	}

	assert.True(t, cfg.IsPrivileged("1"))
	assert.False(t, cfg.IsPrivileged("2"))
	assert.True(t, cfg.MayChatPrivately("1"))
	assert.True(t, cfg.MayChatPrivately("2"))
	assert.False(t, cfg.MayChatPrivately("3"))
	assert.True(t, cfg.IsBlocked("3"))
	assert.False(t, cfg.IsBlocked("1"))
}

func TestValidatePersona(t *testing.T) {
	assert.NoError(t, config.ValidatePersona("be nice"))
	assert.Error(t, config.ValidatePersona(""))
	assert.Error(t, config.ValidatePersona(" \n\t "))
}
