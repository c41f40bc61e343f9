// Package config loads hub configuration from the environment, with an
// optional .env file for development. Priority: process env > .env >
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all hub settings.
type Config struct {
	// Server basics
	Port int    `env:"PORT" envDefault:"8080"`
	Host string `env:"HOST" envDefault:""`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"1000"`
	QueueSoftCap   int `env:"QUEUE_SOFT_CAP" envDefault:"10000"`

	// Liveness and retention, in milliseconds to match the wire units
	HeartbeatIntervalMS int64 `env:"HEARTBEAT_INTERVAL_MS" envDefault:"30000"`
	MessageRetentionMS  int64 `env:"MESSAGE_RETENTION_MS" envDefault:"86400000"`

	// Feature toggles
	EnablePersistence bool `env:"ENABLE_PERSISTENCE" envDefault:"true"`
	EnableMetrics     bool `env:"ENABLE_METRICS" envDefault:"true"`

	// Optional NATS ingest bridge (off when URL is empty)
	NATSURL         string `env:"NATS_URL" envDefault:""`
	NATSSubject     string `env:"NATS_SUBJECT" envDefault:"a2a.ingest"`
	NATSSourceAgent string `env:"NATS_SOURCE_AGENT" envDefault:"nats-bridge"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (when present) and the process
// environment, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.QueueSoftCap < 1 {
		return fmt.Errorf("QUEUE_SOFT_CAP must be > 0, got %d", c.QueueSoftCap)
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS must be > 0, got %d", c.HeartbeatIntervalMS)
	}
	if c.MessageRetentionMS <= 0 {
		return fmt.Errorf("MESSAGE_RETENTION_MS must be > 0, got %d", c.MessageRetentionMS)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// MessageRetention returns the global retention upper bound as a duration.
func (c *Config) MessageRetention() time.Duration {
	return time.Duration(c.MessageRetentionMS) * time.Millisecond
}

// LogConfig logs the configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Int("max_connections", c.MaxConnections).
		Int("queue_soft_cap", c.QueueSoftCap).
		Dur("heartbeat_interval", c.HeartbeatInterval()).
		Dur("message_retention", c.MessageRetention()).
		Bool("enable_persistence", c.EnablePersistence).
		Bool("enable_metrics", c.EnableMetrics).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
