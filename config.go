package codegate

import (
	"errors"
	"time"

	"github.com/MrEthical07/codegate/internal"
)

// Config holds every tunable of the Engine. Build clones it, so changes made
// after Build have no effect.
type Config struct {
	Challenge ChallengeConfig
	Flow      FlowConfig
	Throttle  ThrottleConfig
	Store     StoreConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Security  SecurityConfig
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig controls issued codes.
type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
	CodeDigits  int
	// HashKey keys the code hash. It must be shared by every instance that
	// serves the same Redis. Empty means an ephemeral per-process key.
	HashKey []byte
}

/*
====================================
FLOW CONFIG
====================================
*/

// FlowConfig controls server-side flow sessions.
type FlowConfig struct {
	SessionTTL             time.Duration
	ResendCooldown         time.Duration
	ConcealUnknownSubjects bool
	// EnumerationDelay is slept before answering for an unknown identifier
	// when ConcealUnknownSubjects is set.
	EnumerationDelay time.Duration
}

// ThrottleConfig bounds code issuance per identifier and per client IP.
type ThrottleConfig struct {
	EnableIdentifierThrottle bool
	EnableIPThrottle         bool
	MaxPerIdentifier         int
	MaxPerIP                 int
	Window                   time.Duration
}

// StoreConfig controls Redis key layout and per-call time bounds.
type StoreConfig struct {
	RedisPrefix      string
	OperationTimeout time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig tightens validation for deployed environments.
type SecurityConfig struct {
	ProductionMode bool
}

// DefaultConfig returns the recommended settings: 6 digit codes valid for
// 15 minutes, 5 attempts and a 30 second resend cooldown.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Challenge: ChallengeConfig{
			TTL:         15 * time.Minute,
			MaxAttempts: 5,
			CodeDigits:  6,
		},
		Flow: FlowConfig{
			SessionTTL:             20 * time.Minute,
			ResendCooldown:         30 * time.Second,
			ConcealUnknownSubjects: true,
			EnumerationDelay:       150 * time.Millisecond,
		},
		Throttle: ThrottleConfig{
			EnableIdentifierThrottle: true,
			EnableIPThrottle:         true,
			MaxPerIdentifier:         5,
			MaxPerIP:                 30,
			Window:                   15 * time.Minute,
		},
		Store: StoreConfig{
			RedisPrefix:      "cg",
			OperationTimeout: 2 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Challenge.HashKey = cloneBytes(cfg.Challenge.HashKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks cfg for values the Engine cannot run with.
func (c *Config) Validate() error {
	// Challenge
	if c.Challenge.TTL <= 0 {
		return errors.New("Challenge TTL must be > 0")
	}
	if c.Challenge.MaxAttempts <= 0 {
		return errors.New("Challenge MaxAttempts must be > 0")
	}
	if c.Challenge.CodeDigits < internal.MinCodeDigits || c.Challenge.CodeDigits > internal.MaxCodeDigits {
		return errors.New("Challenge CodeDigits must be between 6 and 10")
	}
	if len(c.Challenge.HashKey) > 0 && len(c.Challenge.HashKey) < internal.MinHashKeySize {
		return errors.New("Challenge HashKey must be >= 32 bytes")
	}
	if len(c.Challenge.HashKey) > 64 {
		return errors.New("Challenge HashKey must be <= 64 bytes")
	}

	// Flow
	if c.Flow.SessionTTL <= 0 {
		return errors.New("Flow SessionTTL must be > 0")
	}
	if c.Flow.ResendCooldown < 0 {
		return errors.New("Flow ResendCooldown must be >= 0")
	}
	if c.Flow.ResendCooldown >= c.Flow.SessionTTL {
		return errors.New("Flow ResendCooldown must be shorter than SessionTTL")
	}
	if c.Flow.EnumerationDelay < 0 {
		return errors.New("Flow EnumerationDelay must be >= 0")
	}

	// Throttle
	if c.Throttle.EnableIdentifierThrottle && c.Throttle.MaxPerIdentifier <= 0 {
		return errors.New("Throttle MaxPerIdentifier must be > 0 when identifier throttle is enabled")
	}
	if c.Throttle.EnableIPThrottle && c.Throttle.MaxPerIP <= 0 {
		return errors.New("Throttle MaxPerIP must be > 0 when IP throttle is enabled")
	}
	if (c.Throttle.EnableIdentifierThrottle || c.Throttle.EnableIPThrottle) && c.Throttle.Window <= 0 {
		return errors.New("Throttle Window must be > 0 when throttling is enabled")
	}

	// Store
	if c.Store.RedisPrefix == "" {
		return errors.New("Store RedisPrefix is required")
	}
	if c.Store.OperationTimeout < 0 {
		return errors.New("Store OperationTimeout must be >= 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode {
		if len(c.Challenge.HashKey) == 0 {
			return errors.New("ProductionMode requires Challenge HashKey")
		}
		if c.Challenge.MaxAttempts > 5 {
			return errors.New("ProductionMode requires Challenge MaxAttempts <= 5")
		}
		if c.Challenge.TTL > 15*time.Minute {
			return errors.New("ProductionMode requires Challenge TTL <= 15m")
		}
		if !c.Throttle.EnableIdentifierThrottle || !c.Throttle.EnableIPThrottle {
			return errors.New("ProductionMode requires identifier and IP throttles")
		}
		if c.Store.OperationTimeout == 0 {
			return errors.New("ProductionMode requires Store OperationTimeout > 0")
		}
	}

	return nil
}
