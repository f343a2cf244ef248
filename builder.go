package codegate

import (
	"errors"

	"github.com/MrEthical07/codegate/internal"
	"github.com/MrEthical07/codegate/internal/audit"
	"github.com/MrEthical07/codegate/internal/flows"
	"github.com/MrEthical07/codegate/internal/limiters"
	"github.com/MrEthical07/codegate/internal/stores"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identity  Identity
	deliverer Deliverer
	clock     Clock
	logger    *zerolog.Logger
	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client holding challenges, flow sessions and
// throttle counters. Standalone, cluster and failover clients all work.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentity(identity Identity) *Builder {
	b.identity = identity
	return b
}

func (b *Builder) WithDeliverer(deliverer Deliverer) *Builder {
	b.deliverer = deliverer
	return b
}

// WithClock overrides time.Now for expiry and cooldown decisions.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = &logger
	return b
}

// WithAuditSink sets the sink behind the audit dispatcher. Events only flow
// when Config.Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identity == nil {
		return nil, errors.New("identity required")
	}
	if b.deliverer == nil {
		return nil, errors.New("deliverer required")
	}

	logger := zerolog.Nop()
	if b.logger != nil {
		logger = *b.logger
	}

	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}

	hashKey := cfg.Challenge.HashKey
	if len(hashKey) == 0 {
		key, err := internal.NewHashKey()
		if err != nil {
			return nil, err
		}
		hashKey = key
		logger.Warn().Msg("no challenge hash key configured, using an ephemeral key; codes will not survive a restart or validate on other instances")
	}
	hasher, err := internal.NewCodeHasher(hashKey)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cfg,
		clock:     clock,
		logger:    logger,
		identity:  b.identity,
		deliverer: b.deliverer,
		hasher:    hasher,
	}

	engine.challengeStore = stores.NewChallengeStore(b.redis, cfg.Store.RedisPrefix)
	engine.sessionStore = stores.NewFlowSessionStore(b.redis, cfg.Store.RedisPrefix)
	if cfg.Throttle.EnableIdentifierThrottle || cfg.Throttle.EnableIPThrottle {
		engine.issueLimiter = limiters.NewIssueLimiter(b.redis, limiters.IssueConfig{
			EnableIdentifierThrottle: cfg.Throttle.EnableIdentifierThrottle,
			EnableIPThrottle:         cfg.Throttle.EnableIPThrottle,
			MaxPerIdentifier:         cfg.Throttle.MaxPerIdentifier,
			MaxPerIP:                 cfg.Throttle.MaxPerIP,
			Window:                   cfg.Throttle.Window,
			Prefix:                   cfg.Store.RedisPrefix,
		})
	}
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Logger:     logger.With().Str("component", "audit").Logger(),
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	engine.flow = flows.New(flows.Deps{
		Verification: engine.verificationDeps(),
		Flow:         engine.flowDeps(),
	})

	b.built = true

	return engine, nil
}
