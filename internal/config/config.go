// Package config loads runtime configuration from .env, an optional YAML file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chat core and its adapters.
type Config struct {
	Env      string `yaml:"env"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	NodeID   string `yaml:"node_id"`

	// StorageDriver is "postgres" or "memory".
	StorageDriver string `yaml:"storage_driver"`
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	TelegramBotToken string `yaml:"telegram_bot_token"`

	RelayEnabled bool   `yaml:"relay_enabled"`
	RelayChannel string `yaml:"relay_channel"`

	MaxBodyLength int   `yaml:"max_body_length"`
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	WriteQueueSize int           `yaml:"write_queue_size"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	CommitLaneSize int           `yaml:"commit_lane_size"`

	OutboundBuffer        int           `yaml:"outbound_buffer"`
	MaxPendingEvents      int           `yaml:"max_pending_events"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	PresenceSweepInterval time.Duration `yaml:"presence_sweep_interval"`
	TypingTTL             time.Duration `yaml:"typing_ttl"`
	TypingSweepInterval   time.Duration `yaml:"typing_sweep_interval"`

	ReaderPoolSize     int64 `yaml:"reader_pool_size"`
	MaxCatchupMessages int   `yaml:"max_catchup_messages"`

	MembershipCacheTTL time.Duration `yaml:"membership_cache_ttl"`
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		Env:                   "development",
		Port:                  "8080",
		LogLevel:              "info",
		StorageDriver:         "postgres",
		JWTIssuer:             DefaultJWTIssuer,
		RelayChannel:          DefaultRelayChannel,
		MaxBodyLength:         DefaultMaxBodyLength,
		MaxFrameBytes:         DefaultMaxFrameBytes,
		WriteQueueSize:        DefaultWriteQueueSize,
		SubmitTimeout:         DefaultSubmitTimeout,
		CommitLaneSize:        DefaultCommitLaneSize,
		OutboundBuffer:        DefaultOutboundBuffer,
		MaxPendingEvents:      DefaultMaxPendingEvents,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		PresenceSweepInterval: DefaultPresenceSweepInterval,
		TypingTTL:             DefaultTypingTTL,
		TypingSweepInterval:   DefaultTypingSweepInterval,
		ReaderPoolSize:        DefaultReaderPoolSize,
		MaxCatchupMessages:    DefaultMaxCatchupMessages,
		MembershipCacheTTL:    DefaultMembershipCacheTTL,
	}
}

// Load reads configuration. A missing .env file is not an error; a YAML file
// named by CHAT_CONFIG_FILE must exist and parse.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("ENV", c.Env)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.StorageDriver = getEnv("STORAGE_DRIVER", c.StorageDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)
	c.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.RelayChannel = getEnv("RELAY_CHANNEL", c.RelayChannel)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envBool("RELAY_ENABLED", &c.RelayEnabled))
	collect(envInt("MAX_BODY_LENGTH", &c.MaxBodyLength))
	collect(envInt64("MAX_FRAME_BYTES", &c.MaxFrameBytes))
	collect(envInt("WRITE_QUEUE_SIZE", &c.WriteQueueSize))
	collect(envDuration("SUBMIT_TIMEOUT", &c.SubmitTimeout))
	collect(envInt("COMMIT_LANE_SIZE", &c.CommitLaneSize))
	collect(envInt("OUTBOUND_BUFFER", &c.OutboundBuffer))
	collect(envInt("MAX_PENDING_EVENTS", &c.MaxPendingEvents))
	collect(envDuration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout))
	collect(envDuration("PRESENCE_SWEEP_INTERVAL", &c.PresenceSweepInterval))
	collect(envDuration("TYPING_TTL", &c.TypingTTL))
	collect(envDuration("TYPING_SWEEP_INTERVAL", &c.TypingSweepInterval))
	collect(envInt64("READER_POOL_SIZE", &c.ReaderPoolSize))
	collect(envInt("MAX_CATCHUP_MESSAGES", &c.MaxCatchupMessages))
	collect(envDuration("MEMBERSHIP_CACHE_TTL", &c.MembershipCacheTTL))

	return errors.Join(errs...)
}

// Validate checks invariants between fields. In production the database and
// the JWT secret are required.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" && c.IsProduction() {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("memory storage driver is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}

	if c.JWTSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.RelayEnabled && c.RedisURL == "" {
		errs = append(errs, errors.New("RELAY_ENABLED requires REDIS_URL"))
	}
	if c.WriteQueueSize <= 0 {
		errs = append(errs, errors.New("write queue size must be positive"))
	}
	if c.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("outbound buffer must be positive"))
	}
	if c.MaxBodyLength <= 0 {
		errs = append(errs, errors.New("max body length must be positive"))
	}
	if c.TypingTTL <= 0 || c.TypingSweepInterval <= 0 || c.PresenceSweepInterval <= 0 {
		errs = append(errs, errors.New("sweep intervals and typing ttl must be positive"))
	}
	if c.ReaderPoolSize <= 0 {
		errs = append(errs, errors.New("reader pool size must be positive"))
	}
	if c.MaxCatchupMessages <= 0 {
		errs = append(errs, errors.New("max catchup messages must be positive"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envInt64(key string, dst *int64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envBool(key string, dst *bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}
