// Package config loads server configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Capacity defaults. The relay is sized for a small fleet of interactive
// clients; the file cap keeps a single upload from pinning memory.
const (
	DefaultMaxSessions   = 256
	DefaultMaxRooms      = 256
	DefaultRoomCapacity  = 15
	DefaultUploadQueue   = 5
	DefaultUploadWorkers = 5
	DefaultMaxFileSize   = 3 * 1024 * 1024
	DefaultNotifyBuffer  = 64 * 1024
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"RELAY_ADDR" envDefault:":9000"`
	LogDir string `env:"RELAY_LOG_DIR" envDefault:"logs"`

	// Metrics sidecar; empty disables the HTTP listener.
	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:""`

	// Capacity
	MaxSessions   int `env:"RELAY_MAX_SESSIONS" envDefault:"256"`
	MaxRooms      int `env:"RELAY_MAX_ROOMS" envDefault:"256"`
	RoomCapacity  int `env:"RELAY_ROOM_CAPACITY" envDefault:"15"`
	UploadQueue   int `env:"RELAY_UPLOAD_QUEUE" envDefault:"5"`
	UploadWorkers int `env:"RELAY_UPLOAD_WORKERS" envDefault:"5"`

	// Transfer limits
	MaxFileSize  int64 `env:"RELAY_MAX_FILE_SIZE" envDefault:"3145728"`
	NotifyBuffer int   `env:"RELAY_NOTIFY_BUFFER" envDefault:"65536"`

	// Per-session command rate limiting
	CommandRate  float64 `env:"RELAY_COMMAND_RATE" envDefault:"20"`
	CommandBurst int     `env:"RELAY_COMMAND_BURST" envDefault:"100"`

	// Resource monitoring
	MemoryLimit     int64         `env:"RELAY_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	MonitorInterval time.Duration `env:"RELAY_MONITOR_INTERVAL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production deployments set the
	// environment directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("RELAY_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("RELAY_MAX_ROOMS must be > 0, got %d", c.MaxRooms)
	}
	if c.RoomCapacity < 1 {
		return fmt.Errorf("RELAY_ROOM_CAPACITY must be > 0, got %d", c.RoomCapacity)
	}
	if c.UploadQueue < 1 {
		return fmt.Errorf("RELAY_UPLOAD_QUEUE must be > 0, got %d", c.UploadQueue)
	}
	if c.UploadWorkers < 1 {
		return fmt.Errorf("RELAY_UPLOAD_WORKERS must be > 0, got %d", c.UploadWorkers)
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("RELAY_MAX_FILE_SIZE must be > 0, got %d", c.MaxFileSize)
	}
	if c.NotifyBuffer < 1 {
		return fmt.Errorf("RELAY_NOTIFY_BUFFER must be > 0, got %d", c.NotifyBuffer)
	}
	if c.CommandRate <= 0 {
		return fmt.Errorf("RELAY_COMMAND_RATE must be > 0, got %g", c.CommandRate)
	}
	if c.CommandBurst < 1 {
		return fmt.Errorf("RELAY_COMMAND_BURST must be > 0, got %d", c.CommandBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig dumps the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("log_dir", c.LogDir).
		Str("metrics_addr", c.MetricsAddr).
		Int("max_sessions", c.MaxSessions).
		Int("max_rooms", c.MaxRooms).
		Int("room_capacity", c.RoomCapacity).
		Int("upload_queue", c.UploadQueue).
		Int("upload_workers", c.UploadWorkers).
		Int64("max_file_size", c.MaxFileSize).
		Float64("command_rate", c.CommandRate).
		Int("command_burst", c.CommandBurst).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Dur("monitor_interval", c.MonitorInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
