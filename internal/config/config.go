// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the server reads at startup.
type Config struct {
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":8080"`
	RedisAddr      string   `env:"REDIS_ADDR"`
	SQLitePath     string   `env:"SQLITE_PATH"`
	FixturesPath   string   `env:"FIXTURES_PATH"`
	JWTSecret      string   `env:"JWT_SECRET"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	TypingTTL       time.Duration `env:"TYPING_TTL"       envDefault:"3s"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT"  envDefault:"5s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"     envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	MaxConns         int `env:"MAX_CONNS"          envDefault:"0"`
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH" envDefault:"2000"`
	HistoryLimit     int `env:"HISTORY_LIMIT"      envDefault:"50"`
	MessageLogSize   int `env:"MESSAGE_LOG_SIZE"   envDefault:"500"`

	UpgradesPerMinute int           `env:"UPGRADES_PER_MINUTE" envDefault:"30"`
	SendRate          int           `env:"SEND_RATE"           envDefault:"20"`
	SendWindow        time.Duration `env:"SEND_WINDOW"         envDefault:"10s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the server configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.TypingTTL <= 0 {
		errs = append(errs, errors.New("TYPING_TTL must be positive"))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("PERSIST_TIMEOUT must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.MessageLogSize <= 0 {
		errs = append(errs, errors.New("MESSAGE_LOG_SIZE must be positive"))
	}
	if c.MaxConns < 0 || c.UpgradesPerMinute < 0 || c.SendRate < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.SendRate > 0 && c.SendWindow <= 0 {
		errs = append(errs, errors.New("SEND_WINDOW must be positive when SEND_RATE is set"))
	}
	return errors.Join(errs...)
}
