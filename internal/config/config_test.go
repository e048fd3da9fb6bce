package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Agent.FingerprintBucket != time.Hour {
		t.Errorf("fingerprint bucket = %s", cfg.Agent.FingerprintBucket)
	}
	if !cfg.Sources.Alarms.Enabled || !cfg.Sources.Metrics.Enabled || !cfg.Sources.Logs.Enabled {
		t.Error("default collectors should be enabled")
	}
	if cfg.Sources.Insights.Enabled {
		t.Error("insight collector should default to disabled")
	}
	if len(cfg.Sources.Metrics.Watches) == 0 {
		t.Error("default metric watches missing")
	}
	if cfg.Oracle.ConfidenceFloor != 0.3 {
		t.Errorf("confidence floor = %v", cfg.Oracle.ConfidenceFloor)
	}
	if cfg.Ticketing.ProjectKey != "OPS" {
		t.Errorf("project key = %q", cfg.Ticketing.ProjectKey)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  address: ":9090"
agent:
  collectionInterval: 30s
  dedupTTL: 10m
sources:
  metrics:
    enabled: false
ticketing:
  projectKey: INFRA
  retryMax: 3
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Agent.CollectionInterval != 30*time.Second {
		t.Errorf("collection interval = %s", cfg.Agent.CollectionInterval)
	}
	if cfg.Agent.DedupTTL != 10*time.Minute {
		t.Errorf("dedup ttl = %s", cfg.Agent.DedupTTL)
	}
	if cfg.Sources.Metrics.Enabled {
		t.Error("metrics collector should be disabled by the file")
	}
	if cfg.Ticketing.ProjectKey != "INFRA" || cfg.Ticketing.RetryMax != 3 {
		t.Errorf("ticketing overrides not applied: %+v", cfg.Ticketing)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.MetricsAddress != ":2112" {
		t.Errorf("metrics address = %q", cfg.Server.MetricsAddress)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRADOR_INCIDENT_SERVER_ADDRESS", ":7070")
	t.Setenv("MIRADOR_TELEMETRY_BASE_URL", "http://telemetry:8090")
	t.Setenv("MIRADOR_INCIDENT_ORACLE_API_KEY", "sk-test")
	t.Setenv("MIRADOR_INCIDENT_COLLECTION_INTERVAL", "45s")
	t.Setenv("MIRADOR_INCIDENT_LOG_FORMAT", "json")
	t.Setenv("MIRADOR_INCIDENT_CACHE_ENABLED", "true")
	t.Setenv("MIRADOR_INCIDENT_CACHE_ADDR", "valkey:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Telemetry.BaseURL != "http://telemetry:8090" {
		t.Errorf("telemetry base url = %q", cfg.Telemetry.BaseURL)
	}
	if cfg.Oracle.APIKey != "sk-test" {
		t.Errorf("oracle api key = %q", cfg.Oracle.APIKey)
	}
	if cfg.Agent.CollectionInterval != 45*time.Second {
		t.Errorf("collection interval = %s", cfg.Agent.CollectionInterval)
	}
	if !cfg.Logging.JSON {
		t.Error("json logging not enabled")
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "valkey:6379" {
		t.Errorf("cache overrides not applied: %+v", cfg.Cache)
	}
}
