// Package config loads kg client configuration from a YAML file, KG_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	// Server connection
	ServerURL     string
	ClientTimeout time.Duration
	User          string // recorded as approved_by

	// Progress tracking
	PollInterval  time.Duration
	Stream        bool // try the push stream before polling
	FallbackAfter int  // consecutive transport errors before falling back to polling
	MaxReconnects int

	// Hold-to-confirm gate for destructive actions
	HoldDuration      time.Duration
	HoldPollInterval  time.Duration
	InactivityTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Default values, also used when a setting fails to parse.
const (
	DefaultServerURL         = "http://localhost:8484/query"
	DefaultClientTimeout     = 10 * time.Minute
	DefaultPollInterval      = 2 * time.Second
	DefaultFallbackAfter     = 3
	DefaultMaxReconnects     = 5
	DefaultHoldDuration      = 3 * time.Second
	DefaultHoldPollInterval  = 500 * time.Millisecond
	DefaultInactivityTimeout = 10 * time.Second
)

// DefaultConfigPath returns $HOME/.kg/config.yaml, or "" if there is no home directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kg", "config.yaml")
}

// Load reads configuration. An explicit path must exist; the default path is
// optional. Environment variables (KG_SERVER_URL, KG_POLL_INTERVAL, ...)
// override the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("kg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		ServerURL:         v.GetString("server_url"),
		ClientTimeout:     v.GetDuration("client_timeout"),
		User:              v.GetString("user"),
		PollInterval:      v.GetDuration("poll_interval"),
		Stream:            v.GetBool("stream"),
		FallbackAfter:     v.GetInt("fallback_after"),
		MaxReconnects:     v.GetInt("max_reconnects"),
		HoldDuration:      v.GetDuration("hold_duration"),
		HoldPollInterval:  v.GetDuration("hold_poll_interval"),
		InactivityTimeout: v.GetDuration("hold_timeout"),
		LogFile:           v.GetString("log_file"),
		LogLevel:          parseLogLevel(v.GetString("log_level")),
	}
	cfg.applyFloors()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}

	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("client_timeout", DefaultClientTimeout)
	v.SetDefault("user", user)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("stream", true)
	v.SetDefault("fallback_after", DefaultFallbackAfter)
	v.SetDefault("max_reconnects", DefaultMaxReconnects)
	v.SetDefault("hold_duration", DefaultHoldDuration)
	v.SetDefault("hold_poll_interval", DefaultHoldPollInterval)
	v.SetDefault("hold_timeout", DefaultInactivityTimeout)
	v.SetDefault("log_file", filepath.Join(os.TempDir(), "kg.log"))
	v.SetDefault("log_level", "WARN")
}

// applyFloors replaces zero or negative values that would stall tracking.
func (c *Config) applyFloors() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FallbackAfter <= 0 {
		c.FallbackAfter = DefaultFallbackAfter
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.HoldDuration <= 0 {
		c.HoldDuration = DefaultHoldDuration
	}
	if c.HoldPollInterval <= 0 {
		c.HoldPollInterval = DefaultHoldPollInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
