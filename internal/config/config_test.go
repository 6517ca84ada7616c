package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.SocketURL != "ws://localhost:8080/ws" {
		t.Errorf("socket url = %q, want default", cfg.Server.SocketURL)
	}
	if cfg.Server.TokenEnv != "CHATD_TOKEN" {
		t.Errorf("token env = %q, want CHATD_TOKEN", cfg.Server.TokenEnv)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
base_url = "https://chat.example.com/api"
socket_url = "wss://chat.example.com/ws"

[queue]
max_retries = 3
base_delay_ms = 250

[transport]
max_reconnect_attempts = 8
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com/api" {
		t.Errorf("base url = %q", cfg.Server.BaseURL)
	}
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.BaseDelayMS != 250 {
		t.Errorf("queue = %+v, want overrides applied", cfg.Queue)
	}
	if cfg.Transport.MaxReconnectAttempts != 8 {
		t.Errorf("max reconnect attempts = %d, want 8", cfg.Transport.MaxReconnectAttempts)
	}
	// Untouched sections keep defaults.
	if cfg.Server.TokenEnv != "CHATD_TOKEN" {
		t.Errorf("token env = %q, want default kept", cfg.Server.TokenEnv)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Queue.BatchSize = 5

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Queue.BatchSize != 5 {
		t.Errorf("batch size = %d, want 5", loaded.Queue.BatchSize)
	}
}
