// Package config holds all configuration types and loading logic for ChatCore.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a ChatCore server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Debounce  DebounceConfig  `yaml:"debounce"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds network and storage settings for this server.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// HeartbeatConfig controls session liveness tracking and eviction.
type HeartbeatConfig struct {
	// TimeoutSeconds is how long a session may go without a heartbeat before
	// it is considered dead.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// PingIntervalSeconds is how often the server probes sessions that have
	// not sent a heartbeat recently.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	// SweepIntervalSeconds is how often the eviction sweep runs.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// MissedPingThreshold is the number of unanswered probes after which a
	// session is evicted even inside the timeout window.
	MissedPingThreshold int `yaml:"missed_ping_threshold"`
}

// DeliveryConfig sets the automatic status-advance delays for conversations.
type DeliveryConfig struct {
	// DeliveredDelayMs is the delay before a message to an online recipient
	// is marked DELIVERED.
	DeliveredDelayMs int `yaml:"delivered_delay_ms"`
	// ReadDelayMs is the delay before a message to an actively viewing
	// recipient is marked READ.
	ReadDelayMs int `yaml:"read_delay_ms"`
}

// DebounceConfig controls read-receipt debouncing.
type DebounceConfig struct {
	// DelayMs is the debounce window for a single message becoming visible.
	DelayMs int `yaml:"delay_ms"`
	// BatchDelayMs is the debounce window for catch-up reads on chat entry.
	BatchDelayMs int `yaml:"batch_delay_ms"`
	// ProcessedCap bounds the processed-marker set. When exceeded the set is
	// cleared wholesale.
	ProcessedCap int `yaml:"processed_cap"`
}

// GatewayConfig controls the websocket fan-out hub.
type GatewayConfig struct {
	// SendBuffer is the per-client egress channel capacity.
	SendBuffer int `yaml:"send_buffer"`
	// SendTimeoutMs is how long a broadcast waits on a full client buffer
	// before dropping the frame.
	SendTimeoutMs int `yaml:"send_timeout_ms"`
	// WorkerPoolSize is the number of goroutines draining inbound frames.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// RateLimitConfig sets per-client request rate limiting.
type RateLimitConfig struct {
	// RPS is frames per second per connection (and requests per second per IP
	// on the HTTP surface).
	RPS int `yaml:"rps"`
	// Burst allows temporary spikes above RPS.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Heartbeat: HeartbeatConfig{
			TimeoutSeconds:       60,
			PingIntervalSeconds:  30,
			SweepIntervalSeconds: 30,
			MissedPingThreshold:  3,
		},
		Delivery: DeliveryConfig{
			DeliveredDelayMs: 200,
			ReadDelayMs:      1_000,
		},
		Debounce: DebounceConfig{
			DelayMs:      300,
			BatchDelayMs: 500,
			ProcessedCap: 1_000,
		},
		Gateway: GatewayConfig{
			SendBuffer:     64,
			SendTimeoutMs:  1_000,
			WorkerPoolSize: 16,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run ChatCore with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	CHATCORE_AUTH_API_KEY — sets auth.api_key and enables auth (auth.enabled = true)
//	CHATCORE_DATA_DIR     — sets server.data_dir
//	CHATCORE_PORT         — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATCORE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("CHATCORE_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("CHATCORE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Heartbeat.TimeoutSeconds < 1 {
		return errors.New("heartbeat.timeout_seconds must be at least 1")
	}
	if c.Heartbeat.PingIntervalSeconds < 1 {
		return errors.New("heartbeat.ping_interval_seconds must be at least 1")
	}
	if c.Heartbeat.SweepIntervalSeconds < 1 {
		return errors.New("heartbeat.sweep_interval_seconds must be at least 1")
	}
	if c.Heartbeat.MissedPingThreshold < 1 {
		return errors.New("heartbeat.missed_ping_threshold must be at least 1")
	}
	if c.Delivery.DeliveredDelayMs < 0 {
		return errors.New("delivery.delivered_delay_ms must be >= 0")
	}
	if c.Delivery.ReadDelayMs < 0 {
		return errors.New("delivery.read_delay_ms must be >= 0")
	}
	if c.Debounce.DelayMs < 0 {
		return errors.New("debounce.delay_ms must be >= 0")
	}
	if c.Debounce.BatchDelayMs < 0 {
		return errors.New("debounce.batch_delay_ms must be >= 0")
	}
	if c.Debounce.ProcessedCap < 1 {
		return errors.New("debounce.processed_cap must be at least 1")
	}
	if c.Gateway.SendBuffer < 1 {
		return errors.New("gateway.send_buffer must be at least 1")
	}
	if c.Gateway.WorkerPoolSize < 1 {
		return errors.New("gateway.worker_pool_size must be at least 1")
	}
	if c.RateLimit.RPS < 1 {
		return errors.New("rate_limit.rps must be at least 1")
	}
	if c.RateLimit.Burst < c.RateLimit.RPS {
		return errors.New("rate_limit.burst must be >= rate_limit.rps")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
