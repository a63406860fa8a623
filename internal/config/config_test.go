package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/revotech/chatcore/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Server.DataDir)
	}
	if cfg.Heartbeat.TimeoutSeconds != 60 {
		t.Errorf("expected default heartbeat timeout 60s, got %d", cfg.Heartbeat.TimeoutSeconds)
	}
	if cfg.Heartbeat.MissedPingThreshold != 3 {
		t.Errorf("expected default missed ping threshold 3, got %d", cfg.Heartbeat.MissedPingThreshold)
	}
	if cfg.Delivery.DeliveredDelayMs != 200 {
		t.Errorf("expected default delivered delay 200ms, got %d", cfg.Delivery.DeliveredDelayMs)
	}
	if cfg.Delivery.ReadDelayMs != 1_000 {
		t.Errorf("expected default read delay 1000ms, got %d", cfg.Delivery.ReadDelayMs)
	}
	if cfg.Debounce.DelayMs != 300 {
		t.Errorf("expected default debounce delay 300ms, got %d", cfg.Debounce.DelayMs)
	}
	if cfg.Debounce.BatchDelayMs != 500 {
		t.Errorf("expected default batch debounce delay 500ms, got %d", cfg.Debounce.BatchDelayMs)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/tmp/chatcore_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
  data_dir: "/tmp/chatcore_test"
heartbeat:
  timeout_seconds: 120
delivery:
  read_delay_ms: 2500
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Heartbeat.TimeoutSeconds != 120 {
		t.Errorf("expected heartbeat timeout 120s, got %d", cfg.Heartbeat.TimeoutSeconds)
	}
	if cfg.Delivery.ReadDelayMs != 2500 {
		t.Errorf("expected read delay 2500ms, got %d", cfg.Delivery.ReadDelayMs)
	}
	// Unset fields keep their defaults.
	if cfg.Delivery.DeliveredDelayMs != 200 {
		t.Errorf("expected default delivered delay 200ms (unchanged), got %d", cfg.Delivery.DeliveredDelayMs)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 0")
	}

	cfg.Server.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 99999")
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Server.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty data_dir")
	}
}

func TestValidate_HeartbeatBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat.TimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero heartbeat timeout")
	}

	cfg = config.Default()
	cfg.Heartbeat.MissedPingThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero missed ping threshold")
	}
}

func TestValidate_RateLimitConsistency(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Burst = cfg.RateLimit.RPS - 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when burst < rps")
	}
}

func TestValidate_NegativeDelays(t *testing.T) {
	cfg := config.Default()
	cfg.Delivery.ReadDelayMs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative read delay")
	}

	cfg = config.Default()
	cfg.Debounce.DelayMs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative debounce delay")
	}
}

func TestApplyEnv_PortOverride(t *testing.T) {
	t.Setenv("CHATCORE_PORT", "7070")
	cfg, err := config.Load("/tmp/chatcore_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env override port 7070, got %d", cfg.Server.Port)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
