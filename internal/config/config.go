package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the per-session chatd configuration, loaded from config.toml
// under the session base directory. Every timing knob of the reliability
// queue and the transport is settable here; zero values fall back to the
// component defaults.
type Config struct {
	Server    Server    `toml:"server"`
	Transport Transport `toml:"transport"`
	Queue     Queue     `toml:"queue"`
}

// Server describes the backend endpoints and credentials.
type Server struct {
	// BaseURL is the REST endpoint root, e.g. https://api.example.com/v1.
	BaseURL string `toml:"base_url"`
	// SocketURL is the realtime websocket endpoint, e.g. wss://api.example.com/ws.
	SocketURL string `toml:"socket_url"`
	// TokenEnv names the environment variable holding the bearer token.
	// Token acquisition and refresh belong to the auth collaborator; chatd
	// only consumes the opaque value.
	TokenEnv string `toml:"token_env"`
}

// Transport holds reconnection and acknowledgment settings. Durations are
// milliseconds.
type Transport struct {
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	ReconnectBaseDelayMS int64   `toml:"reconnect_base_delay_ms"`
	ReconnectFactor      float64 `toml:"reconnect_factor"`
	AckTimeoutMS         int64   `toml:"ack_timeout_ms"`
	PingIntervalMS       int64   `toml:"ping_interval_ms"`
}

// Queue holds reliability queue settings. Durations are milliseconds.
type Queue struct {
	SendIntervalMS       int64   `toml:"send_interval_ms"`
	RetryIntervalMS      int64   `toml:"retry_interval_ms"`
	AckSweepIntervalMS   int64   `toml:"ack_sweep_interval_ms"`
	StaleSweepIntervalMS int64   `toml:"stale_sweep_interval_ms"`
	MaxRetries           int     `toml:"max_retries"`
	BaseDelayMS          int64   `toml:"base_delay_ms"`
	BackoffFactor        float64 `toml:"backoff_factor"`
	MaxDelayMS           int64   `toml:"max_delay_ms"`
	MaxAgeMS             int64   `toml:"max_age_ms"`
	BatchSize            int     `toml:"batch_size"`
}

// Default returns a config pointing at a local development backend.
func Default() *Config {
	return &Config{
		Server: Server{
			BaseURL:   "http://localhost:8080/api",
			SocketURL: "ws://localhost:8080/ws",
			TokenEnv:  "CHATD_TOKEN",
		},
	}
}

// Load reads config from the given path. A missing file is not an error:
// the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
