package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable LoadConfig reads so host values cannot leak
// into a test. Viper treats empty environment values as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_PATH",
		"LISTEN_ADDR",
		"SYNC_FIELDS",
		"SYNC_OVERLAP_MINUTES",
		"DEFAULT_SYNC_INTERVAL_MINUTES",
		"AUTH_ENABLED",
		"AUTH_USERNAME",
		"AUTH_PASSWORD",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "issuebridge.db", cfg.Database.Path)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.ListenAddr)
	assert.Nil(t, cfg.Sync.Fields)
	assert.Equal(t, 2*time.Minute, cfg.Sync.OverlapWindow)
	assert.Equal(t, 10, cfg.Sync.DefaultIntervalMinutes)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_PATH", "/var/lib/issuebridge/state.db")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("SYNC_OVERLAP_MINUTES", "5")
	t.Setenv("DEFAULT_SYNC_INTERVAL_MINUTES", "15")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/issuebridge/state.db", cfg.Database.Path)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Sync.OverlapWindow)
	assert.Equal(t, 15, cfg.Sync.DefaultIntervalMinutes)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFieldAllowlist(t *testing.T) {
	testCases := []struct {
		name   string
		raw    string
		fields []string
	}{
		{
			name:   "comma separated",
			raw:    "title,description,labels",
			fields: []string{"title", "description", "labels"},
		},
		{
			name:   "whitespace and case normalized",
			raw:    " Title , STATE ,comments ",
			fields: []string{"title", "state", "comments"},
		},
		{
			name:   "empty entries dropped",
			raw:    "title,,labels,",
			fields: []string{"title", "labels"},
		},
		{
			name:   "blank means all fields",
			raw:    "   ",
			fields: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("SYNC_FIELDS", tc.raw)

			cfg, err := LoadConfig()
			require.NoError(t, err)
			assert.Equal(t, tc.fields, cfg.Sync.Fields)
		})
	}
}

func TestLoadConfigAuthValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_ENABLED", "true")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_USERNAME")
	assert.Contains(t, err.Error(), "AUTH_PASSWORD")

	t.Setenv("AUTH_USERNAME", "admin")
	_, err = LoadConfig()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "AUTH_USERNAME")
	assert.Contains(t, err.Error(), "AUTH_PASSWORD")

	t.Setenv("AUTH_PASSWORD", "secret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "admin", cfg.Auth.Username)
}

func TestLoadConfigRejectsBadTuning(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_OVERLAP_MINUTES", "-1")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_OVERLAP_MINUTES")

	clearEnv(t)
	t.Setenv("DEFAULT_SYNC_INTERVAL_MINUTES", "0")
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_SYNC_INTERVAL_MINUTES")
}
