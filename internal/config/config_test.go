package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"API_BASE_URL",
		"API_TIMEOUT",
		"API_TOKEN",
		"REALTIME_URL",
		"HEALTH_URL",
		"CHECK_INTERVAL",
		"STATE_PATH",
		"SESSION_FILE",
		"SYNC_DOMAINS",
		"DOMAINS_FILE",
		"DEDUP_WINDOW",
		"RECONNECT_BASE_DELAY",
		"RECONNECT_MAX_DELAY",
		"RECONNECT_MAX_ATTEMPTS",
		"DRAIN_MAX_FAILURES",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars Load accepts.
func setRequiredEnv(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("API_BASE_URL", "https://api.example.com")

	session := filepath.Join(home, "session.json")
	t.Setenv("SESSION_FILE", session)

	return session
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	session := setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, 15*time.Second, cfg.APITimeout)
	assert.Equal(t, "https://api.example.com/health", cfg.HealthURL)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval)
	assert.Equal(t, session, cfg.SessionFile)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".edu-sync", "state.db"), cfg.StatePath)
	assert.Empty(t, cfg.SyncDomains)
	assert.Equal(t, 5*time.Second, cfg.DedupWindow)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 1, cfg.DrainMaxFailures)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, "127.0.0.1:8090", cfg.MCPListenAddr)
	assert.Empty(t, cfg.RealtimeURL)
}

func TestLoad_MissingAPIBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("API_BASE_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_BASE_URL")
}

func TestLoad_RelativeAPIBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("API_BASE_URL", "api.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
}

func TestLoad_MissingSessionFile(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("SESSION_FILE")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_FILE")
}

func TestLoad_ResolvesRelativeSessionFile(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("SESSION_FILE", "session.json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.SessionFile))
	assert.Equal(t, "session.json", filepath.Base(cfg.SessionFile))
}

func TestLoad_HealthURLTrailingSlash(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("API_BASE_URL", "https://api.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/health", cfg.HealthURL)
}

func TestLoad_ExplicitHealthURLAndStatePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("HEALTH_URL", "https://status.example.com/ping")
	t.Setenv("STATE_PATH", "/var/lib/edu-sync/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://status.example.com/ping", cfg.HealthURL)
	assert.Equal(t, "/var/lib/edu-sync/state.db", cfg.StatePath)
}

func TestLoad_SyncDomainsTrimmed(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("SYNC_DOMAINS", "leaderboard, chat-messages ,,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"leaderboard", "chat-messages"}, cfg.SyncDomains)
}

func TestLoad_Durations(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("API_TIMEOUT", "3s")
	t.Setenv("DEDUP_WINDOW", "250ms")
	t.Setenv("RECONNECT_BASE_DELAY", "500ms")
	t.Setenv("RECONNECT_MAX_DELAY", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.APITimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.DedupWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, time.Minute, cfg.ReconnectMaxDelay)
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("API_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_RealtimeURLScheme(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("REALTIME_URL", "https://api.example.com/ws")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALTIME_URL")

	t.Setenv("REALTIME_URL", "wss://api.example.com/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/ws", cfg.RealtimeURL)
}

func TestLoad_CustomEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
}

// --- validate ---

func validConfig() *Config {
	return &Config{
		APIBaseURL:           "https://api.example.com",
		APITimeout:           time.Second,
		SessionFile:          "/tmp/session.json",
		CheckInterval:        time.Second,
		DedupWindow:          time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    time.Minute,
		ReconnectMaxAttempts: 3,
		DrainMaxFailures:     1,
		MCPListenAddr:        "127.0.0.1:8090",
	}
}

func TestValidate_AllPresent(t *testing.T) {
	assert.NoError(t, validConfig().validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero timeout", func(c *Config) { c.APITimeout = 0 }, "API_TIMEOUT"},
		{"zero check interval", func(c *Config) { c.CheckInterval = 0 }, "CHECK_INTERVAL"},
		{"negative dedup window", func(c *Config) { c.DedupWindow = -time.Second }, "DEDUP_WINDOW"},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }, "RECONNECT_MAX_DELAY"},
		{"zero base delay", func(c *Config) { c.ReconnectBaseDelay = 0 }, "RECONNECT_BASE_DELAY"},
		{"zero attempts", func(c *Config) { c.ReconnectMaxAttempts = 0 }, "RECONNECT_MAX_ATTEMPTS"},
		{"zero drain failures", func(c *Config) { c.DrainMaxFailures = 0 }, "DRAIN_MAX_FAILURES"},
		{"mcp without addr", func(c *Config) { c.EnableMCP = true; c.MCPListenAddr = "" }, "MCP_LISTEN_ADDR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)

			err := c.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}
