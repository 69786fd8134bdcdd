package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"CHAT_ADDR" envDefault:":3002"`

	// Room shape
	MaxStoredMessages int `env:"CHAT_MAX_STORED_MESSAGES" envDefault:"50"`
	MaxUsers          int `env:"CHAT_MAX_USERS" envDefault:"0"` // 0 = unlimited
	MaxReservedNames  int `env:"CHAT_MAX_RESERVED_NAMES" envDefault:"5"`

	// Message constraints
	MaxMessageLen  int `env:"CHAT_MAX_MESSAGE_LEN" envDefault:"100"`
	MaxUsernameLen int `env:"CHAT_MAX_USERNAME_LEN" envDefault:"20"`

	// Per-session rate limiting (milliseconds of burst accounting)
	MinMessageTimeHard int64 `env:"CHAT_MIN_MESSAGE_TIME_HARD" envDefault:"200"`
	MinMessageTimeSoft int64 `env:"CHAT_MIN_MESSAGE_TIME_SOFT" envDefault:"1000"`
	KickBurst          int64 `env:"CHAT_KICK_BURST" envDefault:"3000"`

	// Upgrade-endpoint protection
	ConnRate  float64 `env:"CHAT_CONN_RATE" envDefault:"5"`   // per-IP upgrade attempts per second
	ConnBurst int     `env:"CHAT_CONN_BURST" envDefault:"10"` // per-IP burst allowance

	// Operational switches
	Offline       bool          `env:"CHAT_OFFLINE" envDefault:"false"`
	Wordlist      string        `env:"CHAT_WORDLIST" envDefault:""` // profanity wordlist path, empty = disabled
	ShutdownGrace time.Duration `env:"CHAT_SHUTDOWN_GRACE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment
	// variables come from the deployment.
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

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHAT_ADDR is required")
	}

	// Range checks
	if c.MaxStoredMessages < 0 {
		return fmt.Errorf("CHAT_MAX_STORED_MESSAGES must be >= 0, got %d", c.MaxStoredMessages)
	}
	if c.MaxUsers < 0 {
		return fmt.Errorf("CHAT_MAX_USERS must be >= 0, got %d", c.MaxUsers)
	}
	if c.MaxReservedNames < 1 {
		return fmt.Errorf("CHAT_MAX_RESERVED_NAMES must be >= 1, got %d", c.MaxReservedNames)
	}
	// Message length has to fit the u8 length prefix of history entries.
	if c.MaxMessageLen < 1 || c.MaxMessageLen > 255 {
		return fmt.Errorf("CHAT_MAX_MESSAGE_LEN must be 1-255, got %d", c.MaxMessageLen)
	}
	if c.MaxUsernameLen < 2 || c.MaxUsernameLen > 20 {
		return fmt.Errorf("CHAT_MAX_USERNAME_LEN must be 2-20, got %d", c.MaxUsernameLen)
	}
	if c.MinMessageTimeHard < 0 {
		return fmt.Errorf("CHAT_MIN_MESSAGE_TIME_HARD must be >= 0, got %d", c.MinMessageTimeHard)
	}
	if c.MinMessageTimeSoft < c.MinMessageTimeHard {
		return fmt.Errorf("CHAT_MIN_MESSAGE_TIME_SOFT (%d) must be >= CHAT_MIN_MESSAGE_TIME_HARD (%d)",
			c.MinMessageTimeSoft, c.MinMessageTimeHard)
	}
	if c.KickBurst < 0 {
		return fmt.Errorf("CHAT_KICK_BURST must be >= 0, got %d", c.KickBurst)
	}
	if c.ConnRate <= 0 {
		return fmt.Errorf("CHAT_CONN_RATE must be > 0, got %f", c.ConnRate)
	}
	if c.ConnBurst < 1 {
		return fmt.Errorf("CHAT_CONN_BURST must be >= 1, got %d", c.ConnBurst)
	}

	// Enum checks
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

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_stored_messages", c.MaxStoredMessages).
		Int("max_users", c.MaxUsers).
		Int("max_reserved_names", c.MaxReservedNames).
		Int("max_message_len", c.MaxMessageLen).
		Int("max_username_len", c.MaxUsernameLen).
		Int64("min_message_time_hard", c.MinMessageTimeHard).
		Int64("min_message_time_soft", c.MinMessageTimeSoft).
		Int64("kick_burst", c.KickBurst).
		Float64("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Bool("offline", c.Offline).
		Str("wordlist", c.Wordlist).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
