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

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Server endpoints. The socket URL uses ws:// or wss://.
	APIURL    string `env:"CHAT_API_URL"`
	SocketURL string `env:"CHAT_SOCKET_URL"`

	// Account credentials. Only needed when no cached credential is
	// available in the state file or the cached one has expired.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Display name used to register the account when login reports
	// invalid credentials. Leave empty to disable registration.
	Name string `env:"CHAT_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Path to the bbolt state file. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Sync timing.
	DirectoryPollInterval time.Duration `env:"DIRECTORY_POLL_INTERVAL" envDefault:"30s"`
	ReconnectAttempts     int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay        time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	MarkReadDelay         time.Duration `env:"MARK_READ_DELAY" envDefault:"1s"`
	TypingTimeout         time.Duration `env:"TYPING_TIMEOUT" envDefault:"1s"`
	LoadMoreDebounce      time.Duration `env:"LOAD_MORE_DEBOUNCE" envDefault:"200ms"`

	// Serve chat tools over MCP on stdio.
	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("CHAT_API_URL must be an http or https URL")
	}

	if c.SocketURL == "" {
		return fmt.Errorf("CHAT_SOCKET_URL is required")
	}

	if u, err := url.Parse(c.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("CHAT_SOCKET_URL must be a ws or wss URL")
	}

	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("CHAT_EMAIL and CHAT_PASSWORD must be set together")
	}

	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.ReconnectDelay <= 0 || c.DirectoryPollInterval <= 0 {
		return fmt.Errorf("RECONNECT_DELAY and DIRECTORY_POLL_INTERVAL must be positive")
	}

	return nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// HasCredentials reports whether email/password login is possible.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
