package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStore is the queue store used when none is configured.
const DefaultStore = "sqlite://~/.queuegate/queues.db"

// LauncherConfig selects how queued jobs are started.
type LauncherConfig struct {
	Command []string `yaml:"command"`  // argv of the training command; empty runs headless
	WorkDir string   `yaml:"work_dir"` // per-execution directories (default os.TempDir())
}

// GatewayConfig holds configuration for the queuegate gateway.
type GatewayConfig struct {
	ListenAddr   string `yaml:"listen_addr"`   // External listen address (default ":8080")
	BackendAddr  string `yaml:"backend_addr"`  // Internal backend host:port
	DefaultQueue string `yaml:"default_queue"` // Queue ticked when ?name= is omitted
	Store        string `yaml:"store"`         // Queue store location (sqlite://, redis://, s3://)

	MaxRetries    int           `yaml:"max_retries"`
	PollDelay     time.Duration `yaml:"poll_delay"`
	LaunchTimeout time.Duration `yaml:"launch_timeout"`
	CallTimeout   time.Duration `yaml:"call_timeout"` // bound on each launcher / status call

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	TunnelIdleTimeout time.Duration `yaml:"tunnel_idle_timeout"`

	Trigger string `yaml:"trigger"`  // "http" or "none"
	TickURL string `yaml:"tick_url"` // URL the http trigger calls

	// SweepInterval re-ticks every stored queue periodically; 0 disables.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Launcher LauncherConfig `yaml:"launcher"`

	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
}

// DefaultGatewayConfig returns sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddr:        ":8080",
		BackendAddr:       "127.0.0.1:8501",
		DefaultQueue:      "default",
		Store:             DefaultStore,
		MaxRetries:        3,
		PollDelay:         2 * time.Minute,
		LaunchTimeout:     15 * time.Minute,
		CallTimeout:       2 * time.Minute,
		DialTimeout:       5 * time.Second,
		ResponseTimeout:   60 * time.Second,
		TunnelIdleTimeout: 10 * time.Minute,
		Trigger:           "http",
		TickURL:           "http://127.0.0.1:8080/",
		SweepInterval:     10 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *GatewayConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c GatewayConfig) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("listen_addr is required")
	case c.BackendAddr == "":
		return fmt.Errorf("backend_addr is required")
	case c.DefaultQueue == "":
		return fmt.Errorf("default_queue is required")
	case c.Store == "":
		return fmt.Errorf("store is required")
	case c.MaxRetries < 1:
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	case c.PollDelay <= 0:
		return fmt.Errorf("poll_delay must be positive")
	case c.CallTimeout <= 0:
		return fmt.Errorf("call_timeout must be positive")
	case c.LaunchTimeout <= c.CallTimeout:
		// A claim must outlive the launch call that holds it.
		return fmt.Errorf("launch_timeout (%s) must exceed call_timeout (%s)", c.LaunchTimeout, c.CallTimeout)
	case c.SweepInterval < 0:
		return fmt.Errorf("sweep_interval must not be negative")
	}
	switch c.Trigger {
	case "http", "none":
	default:
		return fmt.Errorf("unknown trigger %q (want http or none)", c.Trigger)
	}
	return nil
}
