package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
broker:
  host: mqtt.example.com
upstream:
  base_url: https://opensky-network.org/api
snapshot:
  path: /tmp/skywatch-test/snapshot
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Broker.Port != 1883 {
		t.Errorf("broker port = %d", cfg.Broker.Port)
	}
	if cfg.Broker.RegionsTopic != "regions" || cfg.Broker.AdsbTopic != "adsb" {
		t.Errorf("topics = %q, %q", cfg.Broker.RegionsTopic, cfg.Broker.AdsbTopic)
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.BackoffCap() != 300*time.Second {
		t.Errorf("backoff cap = %v", cfg.BackoffCap())
	}
	if cfg.FreshnessWindow() != 60*time.Second {
		t.Errorf("freshness window = %v", cfg.FreshnessWindow())
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Maintenance.Schedule == "" {
		t.Error("maintenance schedule not defaulted")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("BROKER_HOST", "broker.internal")
	t.Setenv("REGIONS_QUEUE", "regions-staging")
	t.Setenv("POLL_INTERVAL_SECONDS", "30")
	t.Setenv("FRESHNESS_WINDOW_SECONDS", "120")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.Host != "broker.internal" {
		t.Errorf("host = %q, env should win", cfg.Broker.Host)
	}
	if cfg.Broker.RegionsTopic != "regions-staging" {
		t.Errorf("regions topic = %q", cfg.Broker.RegionsTopic)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.FreshnessWindow() != 120*time.Second {
		t.Errorf("freshness window = %v", cfg.FreshnessWindow())
	}
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("BROKER_HOST", "broker.internal")
	t.Setenv("OPENSKY_API_URL", "https://opensky-network.org/api")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "snapshot"))

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Broker.Host != "broker.internal" {
		t.Errorf("host = %q", cfg.Broker.Host)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing broker host", `
upstream:
  base_url: https://opensky-network.org/api
snapshot:
  path: /tmp/s
`},
		{"bad upstream url", `
broker:
  host: mqtt.example.com
upstream:
  base_url: not-a-url
snapshot:
  path: /tmp/s
`},
		{"negative poll interval", minimalYAML + `
poller:
  interval_seconds: -5
`},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "broker: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}
