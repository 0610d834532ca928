// Package config loads server configuration from environment variables
// (optionally backed by a .env file), following the ws_poc teacher's
// config.go: caarlos0/env struct tags, godotenv, and a Validate step.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds server configuration. Flags parsed in cmd/meilies-server
// override these values; these values override the defaults below.
type Config struct {
	Hostname string `env:"MEILIES_HOSTNAME" envDefault:"127.0.0.1"`
	Port     int    `env:"MEILIES_PORT" envDefault:"6480"`
	DBPath   string `env:"MEILIES_DB_PATH" envDefault:"./meilies.db"`

	CompressionFactor int `env:"MEILIES_COMPRESSION_FACTOR" envDefault:"0"`

	ResponseChannelCapacity int `env:"MEILIES_RESPONSE_CHANNEL_CAPACITY" envDefault:"10"`

	MaxConnGlobalRate  float64 `env:"MEILIES_MAX_CONN_GLOBAL_RATE" envDefault:"200"`
	MaxConnGlobalBurst int     `env:"MEILIES_MAX_CONN_GLOBAL_BURST" envDefault:"500"`
	MaxConnIPRate      float64 `env:"MEILIES_MAX_CONN_IP_RATE" envDefault:"5"`
	MaxConnIPBurst     int     `env:"MEILIES_MAX_CONN_IP_BURST" envDefault:"20"`

	MetricsAddr string `env:"MEILIES_METRICS_ADDR" envDefault:":6481"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads a .env file (optional) and environment variables into a
// validated Config. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
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

// Validate checks configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MEILIES_PORT must be 1-65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("MEILIES_DB_PATH is required")
	}
	if c.CompressionFactor < 0 || c.CompressionFactor > 22 {
		return fmt.Errorf("MEILIES_COMPRESSION_FACTOR must be 0-22, got %d", c.CompressionFactor)
	}
	if c.ResponseChannelCapacity < 1 {
		return fmt.Errorf("MEILIES_RESPONSE_CHANNEL_CAPACITY must be > 0, got %d", c.ResponseChannelCapacity)
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

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("hostname", c.Hostname).
		Int("port", c.Port).
		Str("db_path", c.DBPath).
		Int("compression_factor", c.CompressionFactor).
		Int("response_channel_capacity", c.ResponseChannelCapacity).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
