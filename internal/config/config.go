package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for edu-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Remote data service.
	APIBaseURL string        `env:"API_BASE_URL"`
	APITimeout time.Duration `env:"API_TIMEOUT" envDefault:"15s"`
	APIToken   string        `env:"API_TOKEN"`

	// WebSocket endpoint for push. Empty disables the realtime channel.
	RealtimeURL string `env:"REALTIME_URL"`

	// Connectivity check. HealthURL defaults to API_BASE_URL + /health.
	HealthURL     string        `env:"HEALTH_URL"`
	CheckInterval time.Duration `env:"CHECK_INTERVAL" envDefault:"10s"`

	// Durable state file. Defaults to ~/.edu-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// JSON file holding the signed-in user, written by the auth client.
	SessionFile string `env:"SESSION_FILE"`

	// Domains to mount. Empty mounts every built-in domain.
	SyncDomains []string `env:"SYNC_DOMAINS" envSeparator:","`

	// Optional YAML file with per-domain overrides.
	DomainsFile string        `env:"DOMAINS_FILE"`
	DedupWindow time.Duration `env:"DEDUP_WINDOW" envDefault:"5s"`

	// Realtime reconnect policy.
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`

	// Consecutive replay failures before a drain halts.
	DrainMaxFailures int `env:"DRAIN_MAX_FAILURES" envDefault:"1"`

	// MCP inspection server.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.HealthURL == "" {
		cfg.HealthURL = strings.TrimRight(cfg.APIBaseURL, "/") + "/health"
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	// The session file is watched by directory, which needs an absolute
	// path to match fsnotify event names.
	abs, err := filepath.Abs(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("resolving session file to absolute path: %w", err)
	}

	cfg.SessionFile = abs

	cfg.SyncDomains = trimAll(cfg.SyncDomains)

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}

	if c.RealtimeURL != "" {
		u, err := url.Parse(c.RealtimeURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("REALTIME_URL must use ws or wss, got %q", c.RealtimeURL)
		}
	}

	if c.SessionFile == "" {
		return fmt.Errorf("SESSION_FILE is required")
	}

	if c.APITimeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive")
	}

	if c.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be positive")
	}

	if c.DedupWindow < 0 {
		return fmt.Errorf("DEDUP_WINDOW must not be negative")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY (%s) must be at least RECONNECT_BASE_DELAY (%s), which must be positive",
			c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	if c.DrainMaxFailures < 1 {
		return fmt.Errorf("DRAIN_MAX_FAILURES must be at least 1")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

func trimAll(in []string) []string {
	var out []string

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
