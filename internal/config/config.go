// Package config loads process configuration from the environment, with
// optional .env file overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full process configuration.
type Config struct {
	DataDir string

	ListenAddr  string
	MetricsAddr string

	LogLevel  string
	LogFormat string

	RemoteURL     string
	RemoteAPIKey  string
	RemoteUserID  string
	RemoteTimeout time.Duration

	SyncDebounce       time.Duration
	ResetCheckInterval time.Duration
}

// Load builds the configuration from defaults, an optional .env file in
// the data directory, and TOKENCORE_* environment overrides, in that
// order.
func Load() (*Config, error) {
	dataDir := "/var/lib/tokencore"
	if dir := os.Getenv("TOKENCORE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Deployment overrides live next to the data.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env overrides")
		}
	}
	// A .env in the working directory covers development runs.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded .env from current directory")
	}

	cfg := &Config{
		DataDir:            dataDir,
		ListenAddr:         ":7655",
		MetricsAddr:        ":9155",
		LogLevel:           "info",
		LogFormat:          "auto",
		RemoteTimeout:      15 * time.Second,
		SyncDebounce:       time.Second,
		ResetCheckInterval: time.Minute,
	}
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOKENCORE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TOKENCORE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("TOKENCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TOKENCORE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("TOKENCORE_REMOTE_URL"); v != "" {
		c.RemoteURL = v
	}
	if v := os.Getenv("TOKENCORE_REMOTE_API_KEY"); v != "" {
		c.RemoteAPIKey = v
	}
	if v := os.Getenv("TOKENCORE_REMOTE_USER_ID"); v != "" {
		c.RemoteUserID = v
	}
	if v := os.Getenv("TOKENCORE_REMOTE_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.RemoteTimeout = time.Duration(secs) * time.Second
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid TOKENCORE_REMOTE_TIMEOUT_SECONDS")
		}
	}
	if v := os.Getenv("TOKENCORE_SYNC_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.SyncDebounce = time.Duration(ms) * time.Millisecond
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid TOKENCORE_SYNC_DEBOUNCE_MS")
		}
	}
	if v := os.Getenv("TOKENCORE_RESET_CHECK_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.ResetCheckInterval = time.Duration(secs) * time.Second
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid TOKENCORE_RESET_CHECK_SECONDS")
		}
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.RemoteURL != "" {
		if !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
			return fmt.Errorf("remote URL %q must be http or https", c.RemoteURL)
		}
		if c.RemoteUserID == "" {
			return fmt.Errorf("remote user id is required when a remote URL is set")
		}
	}
	return nil
}
