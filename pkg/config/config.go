// Package config holds the configuration types and loading logic for the
// shepherd server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a shepherd server instance.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds the network settings for the HTTP/websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig controls where persistent state lives.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig tunes the message queue and its dispatch loops.
type QueueConfig struct {
	// Workers is the size of the outbound dispatch pool.
	Workers int `yaml:"workers"`
	// ClaimInterval is the fallback poll interval when no enqueue signal
	// arrives.
	ClaimInterval time.Duration `yaml:"claim_interval"`
	// RetryBackoffBase is the delay before the first retry; each further
	// retry doubles it.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	// RetryBackoffCap bounds the backoff growth.
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap"`
	// DefaultMaxRetries applies to messages enqueued without an explicit
	// retry budget.
	DefaultMaxRetries int `yaml:"default_max_retries"`
	// ExpireAfter is how long a never-delivered message may wait before
	// the sweep expires it.
	ExpireAfter time.Duration `yaml:"expire_after"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// OrchestratorConfig tunes the reboot orchestrator's bounded waits.
type OrchestratorConfig struct {
	// RebootAckTimeout bounds the wait for the reboot command
	// acknowledgment.
	RebootAckTimeout time.Duration `yaml:"reboot_ack_timeout"`
	// ReconnectWindow bounds the wait for the rebooted agent to come back.
	ReconnectWindow time.Duration `yaml:"reconnect_window"`
	// ChildStartTimeout bounds each child restart acknowledgment.
	ChildStartTimeout time.Duration `yaml:"child_start_timeout"`
	// DefaultShutdownTimeoutSeconds is used when a reboot request does not
	// specify one.
	DefaultShutdownTimeoutSeconds int `yaml:"default_shutdown_timeout_seconds"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// JSON selects structured JSON output instead of console output.
	JSON bool `yaml:"json"`
}

// Default returns a Config populated with production defaults. It is the
// canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Queue: QueueConfig{
			Workers:           4,
			ClaimInterval:     time.Second,
			RetryBackoffBase:  5 * time.Second,
			RetryBackoffCap:   5 * time.Minute,
			DefaultMaxRetries: 3,
			ExpireAfter:       24 * time.Hour,
			SweepInterval:     time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			RebootAckTimeout:              time.Minute,
			ReconnectWindow:               10 * time.Minute,
			ChildStartTimeout:             2 * time.Minute,
			DefaultShutdownTimeoutSeconds: 120,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). If the file does not exist the default config is returned
// without error, so the server runs with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	SHEPHERD_DATA_DIR — sets storage.data_dir
//	SHEPHERD_PORT     — sets server.port
//	SHEPHERD_LOG_LEVEL — sets log.level
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

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHEPHERD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SHEPHERD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("SHEPHERD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir must not be empty")
	}
	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be at least 1")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.New("queue.default_max_retries must be >= 0")
	}
	if c.Queue.RetryBackoffBase <= 0 {
		return errors.New("queue.retry_backoff_base must be positive")
	}
	if c.Queue.RetryBackoffCap < c.Queue.RetryBackoffBase {
		return errors.New("queue.retry_backoff_cap must not be below queue.retry_backoff_base")
	}
	if c.Queue.ExpireAfter <= 0 {
		return errors.New("queue.expire_after must be positive")
	}
	if c.Orchestrator.ReconnectWindow <= 0 {
		return errors.New("orchestrator.reconnect_window must be positive")
	}
	if c.Orchestrator.DefaultShutdownTimeoutSeconds < 1 {
		return errors.New("orchestrator.default_shutdown_timeout_seconds must be at least 1")
	}
	return nil
}
