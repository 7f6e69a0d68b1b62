package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Negotiation.HostID != "host" {
		t.Errorf("expected default host id 'host', got %s", cfg.Negotiation.HostID)
	}
	if cfg.Negotiation.RoundTimeout != 10*time.Second {
		t.Errorf("expected round_timeout 10s, got %v", cfg.Negotiation.RoundTimeout)
	}
	if cfg.Negotiation.MaxRounds != 3 {
		t.Errorf("expected max_rounds 3, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.Negotiation.SendRetries != 3 {
		t.Errorf("expected send_retries 3, got %d", cfg.Negotiation.SendRetries)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 || !cfg.Web.Enabled {
		t.Errorf("expected web enabled on 8080, got %+v", cfg.Web)
	}
	if cfg.Store.Path != "data/parley.db" {
		t.Errorf("expected store path data/parley.db, got %s", cfg.Store.Path)
	}
	if cfg.Workflow.Parallelism != 1 {
		t.Errorf("expected sequential workflows by default, got %d", cfg.Workflow.Parallelism)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("PARLEY_WEB_PASSWORD", "secret")
	t.Setenv("PARLEY_WEB_PORT", "9090")
	t.Setenv("PARLEY_ROUND_TIMEOUT", "2s")
	t.Setenv("PARLEY_MAX_ROUNDS", "5")
	t.Setenv("PARLEY_HOST_ID", "coordinator")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Negotiation.RoundTimeout != 2*time.Second {
		t.Errorf("expected round timeout 2s, got %v", cfg.Negotiation.RoundTimeout)
	}
	if cfg.Negotiation.MaxRounds != 5 {
		t.Errorf("expected max rounds 5, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.Negotiation.HostID != "coordinator" {
		t.Errorf("expected host id coordinator, got %s", cfg.Negotiation.HostID)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
negotiation:
  round_timeout: 3s
  max_rounds: 4
  retry_backoff: 50ms
web:
  port: 3000
  enabled: false
peers:
  alice:
    capabilities: [calendar, email]
    busy:
      - start: 2026-03-02T10:00:00Z
        end: 2026-03-02T11:00:00Z
  bob:
    capabilities: [calendar]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARLEY_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Negotiation.RoundTimeout != 3*time.Second {
		t.Errorf("expected round timeout 3s, got %v", cfg.Negotiation.RoundTimeout)
	}
	if cfg.Negotiation.MaxRounds != 4 {
		t.Errorf("expected max rounds 4, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.Negotiation.RetryBackoff != 50*time.Millisecond {
		t.Errorf("expected retry backoff 50ms, got %v", cfg.Negotiation.RetryBackoff)
	}
	// Unset fields keep their defaults
	if cfg.Negotiation.SendRetries != 3 {
		t.Errorf("expected default send retries, got %d", cfg.Negotiation.SendRetries)
	}
	if cfg.Web.Port != 3000 || cfg.Web.Enabled {
		t.Errorf("expected disabled web on 3000, got %+v", cfg.Web)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}
	alice := cfg.Peers["alice"]
	if len(alice.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", alice.Capabilities)
	}
	if len(alice.Busy) != 1 || alice.Busy[0].End.Sub(alice.Busy[0].Start) != time.Hour {
		t.Errorf("expected one hour-long busy window, got %+v", alice.Busy)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"zero rounds", "negotiation:\n  max_rounds: 0\n"},
		{"negative timeout", "negotiation:\n  round_timeout: -1s\n"},
		{"peer named like host", "peers:\n  host:\n    capabilities: [calendar]\n"},
		{"inverted busy window", "peers:\n  alice:\n    busy:\n      - start: 2026-03-02T11:00:00Z\n        end: 2026-03-02T10:00:00Z\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
