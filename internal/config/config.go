// Package config loads codegate server settings from the environment and an
// optional .env file using Viper.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/codegate"
	"github.com/spf13/viper"
)

// Config holds settings for the codegate server binary.
type Config struct {
	// HTTPAddr is the listen address of the flow API (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the deployment environment. "production" turns on ProductionMode.
	Env string `mapstructure:"APP_ENV"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	// DatabasePath is the SQLite file holding accounts.
	DatabasePath string `mapstructure:"DATABASE_PATH"`

	PostmarkServerToken string `mapstructure:"POSTMARK_SERVER_TOKEN"`
	PostmarkFrom        string `mapstructure:"POSTMARK_FROM"`
	PostmarkEndpoint    string `mapstructure:"POSTMARK_ENDPOINT"`
	ProductName         string `mapstructure:"PRODUCT_NAME"`

	// HashKey is the code hashing key, hex or base64 encoded. Empty means an
	// ephemeral key outside production.
	HashKey string `mapstructure:"CODEGATE_HASH_KEY"`

	ChallengeTTL         time.Duration `mapstructure:"CHALLENGE_TTL"`
	ChallengeMaxAttempts int           `mapstructure:"CHALLENGE_MAX_ATTEMPTS"`
	CodeDigits           int           `mapstructure:"CODE_DIGITS"`
	SessionTTL           time.Duration `mapstructure:"SESSION_TTL"`
	ResendCooldown       time.Duration `mapstructure:"RESEND_COOLDOWN"`
	ConcealUnknown       bool          `mapstructure:"CONCEAL_UNKNOWN_SUBJECTS"`
	EnumerationDelay     time.Duration `mapstructure:"ENUMERATION_DELAY"`

	ThrottleMaxPerIdentifier int           `mapstructure:"THROTTLE_MAX_PER_IDENTIFIER"`
	ThrottleMaxPerIP         int           `mapstructure:"THROTTLE_MAX_PER_IP"`
	ThrottleWindow           time.Duration `mapstructure:"THROTTLE_WINDOW"`

	AuditEnabled bool   `mapstructure:"AUDIT_ENABLED"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`
}

// Load reads envFile (if present), then builds and validates Config from the
// environment. Env vars override the file. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	v := viper.New()

	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing file is fine

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	engine := codegate.DefaultConfig()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", engine.Store.RedisPrefix)
	v.SetDefault("DATABASE_PATH", "codegate.db")
	v.SetDefault("POSTMARK_SERVER_TOKEN", "")
	v.SetDefault("POSTMARK_FROM", "")
	v.SetDefault("POSTMARK_ENDPOINT", "https://api.postmarkapp.com/email")
	v.SetDefault("PRODUCT_NAME", "your account")
	v.SetDefault("CODEGATE_HASH_KEY", "")
	v.SetDefault("CHALLENGE_TTL", engine.Challenge.TTL)
	v.SetDefault("CHALLENGE_MAX_ATTEMPTS", engine.Challenge.MaxAttempts)
	v.SetDefault("CODE_DIGITS", engine.Challenge.CodeDigits)
	v.SetDefault("SESSION_TTL", engine.Flow.SessionTTL)
	v.SetDefault("RESEND_COOLDOWN", engine.Flow.ResendCooldown)
	v.SetDefault("CONCEAL_UNKNOWN_SUBJECTS", engine.Flow.ConcealUnknownSubjects)
	v.SetDefault("ENUMERATION_DELAY", engine.Flow.EnumerationDelay)
	v.SetDefault("THROTTLE_MAX_PER_IDENTIFIER", engine.Throttle.MaxPerIdentifier)
	v.SetDefault("THROTTLE_MAX_PER_IP", engine.Throttle.MaxPerIP)
	v.SetDefault("THROTTLE_WINDOW", engine.Throttle.Window)
	v.SetDefault("AUDIT_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR must be set")
	}
	if c.DatabasePath == "" {
		return errors.New("config: DATABASE_PATH must be set")
	}
	if c.Production() && c.PostmarkServerToken == "" {
		return errors.New("config: POSTMARK_SERVER_TOKEN is required when APP_ENV=production")
	}
	if _, err := c.hashKey(); err != nil {
		return err
	}
	return nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) hashKey() ([]byte, error) {
	raw := strings.TrimSpace(c.HashKey)
	if raw == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(raw); err == nil {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return key, nil
	}
	return nil, errors.New("config: CODEGATE_HASH_KEY must be hex or base64")
}

// Engine maps the loaded settings onto a codegate.Config and validates it.
func (c *Config) Engine() (codegate.Config, error) {
	cfg := codegate.DefaultConfig()

	key, err := c.hashKey()
	if err != nil {
		return cfg, err
	}

	cfg.Challenge.TTL = c.ChallengeTTL
	cfg.Challenge.MaxAttempts = c.ChallengeMaxAttempts
	cfg.Challenge.CodeDigits = c.CodeDigits
	cfg.Challenge.HashKey = key
	cfg.Flow.SessionTTL = c.SessionTTL
	cfg.Flow.ResendCooldown = c.ResendCooldown
	cfg.Flow.ConcealUnknownSubjects = c.ConcealUnknown
	cfg.Flow.EnumerationDelay = c.EnumerationDelay
	cfg.Throttle.MaxPerIdentifier = c.ThrottleMaxPerIdentifier
	cfg.Throttle.MaxPerIP = c.ThrottleMaxPerIP
	cfg.Throttle.Window = c.ThrottleWindow
	cfg.Store.RedisPrefix = c.RedisPrefix
	cfg.Audit.Enabled = c.AuditEnabled
	cfg.Security.ProductionMode = c.Production()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
