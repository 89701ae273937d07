package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.DequeuePerSec != 10 {
		t.Errorf("expected default dequeue rate 10, got %f", cfg.Worker.DequeuePerSec)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if got := cfg.BackoffBase(); got != 5*time.Second {
		t.Errorf("expected default backoff base 5s, got %v", got)
	}
	if got := cfg.ExpiryMargin(); got != time.Minute {
		t.Errorf("expected default expiry margin 60s, got %v", got)
	}
	if cfg.Queue.CompletedKeepCount != 100 || cfg.Queue.FailedKeepCount != 500 {
		t.Errorf("unexpected retention defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.VisibilityMinutes != 15 {
		t.Errorf("expected default visibility 15m, got %d", cfg.Queue.VisibilityMinutes)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
worker:
  concurrency: 8
  dequeue_per_second: 25
  poll_interval_ms: 100
queue:
  max_attempts: 5
  backoff_base_ms: 2000
  trigger_poll_seconds: 5
db:
  dsn: postgres://crawlerd@localhost/crawlerd
pubsub:
  project_id: demo-project
  topic: crawler-events
credentials:
  encryption_key_hex: "2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a"
  expiry_margin_seconds: 120
sink:
  backend: memory
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Worker.Concurrency)
	}
	if got := cfg.BackoffBase(); got != 2*time.Second {
		t.Errorf("expected backoff base 2s, got %v", got)
	}
	if got := cfg.TriggerPoll(); got != 5*time.Second {
		t.Errorf("expected trigger poll 5s, got %v", got)
	}
	if cfg.PubSub.Topic != "crawler-events" {
		t.Errorf("expected topic crawler-events, got %s", cfg.PubSub.Topic)
	}
	if got := len(cfg.EncryptionKey()); got != 32 {
		t.Errorf("expected 32-byte encryption key, got %d", got)
	}
	if got := cfg.ExpiryMargin(); got != 2*time.Minute {
		t.Errorf("expected expiry margin 2m, got %v", got)
	}
	if cfg.Logging.Development {
		t.Error("expected development logging disabled")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"zero rate", func(c *Config) { c.Worker.DequeuePerSec = 0 }, "worker.dequeue_per_second"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"bad key hex", func(c *Config) { c.Credentials.EncryptionKeyHex = "zz" }, "not valid hex"},
		{"short key", func(c *Config) { c.Credentials.EncryptionKeyHex = "2a2a" }, "32 bytes"},
		{"bad sink backend", func(c *Config) { c.Sink.Backend = "sheets" }, "sink.backend"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)

			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
