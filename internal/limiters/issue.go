package limiters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/codegate/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrIssueRateLimited        = errors.New("code issuance rate limited")
	ErrIssueLimiterUnavailable = errors.New("code issuance limiter unavailable")
)

type IssueConfig struct {
	EnableIdentifierThrottle bool
	EnableIPThrottle         bool
	MaxPerIdentifier         int
	MaxPerIP                 int
	Window                   time.Duration
	Prefix                   string
}

// IssueLimiter bounds how often codes are sent for one identifier and from one
// client address, per purpose.
type IssueLimiter struct {
	config     IssueConfig
	identifier *rate.FixedWindow
	ip         *rate.FixedWindow
}

func NewIssueLimiter(redisClient redis.UniversalClient, cfg IssueConfig) *IssueLimiter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cg"
	}
	return &IssueLimiter{
		config:     cfg,
		identifier: rate.NewFixedWindow(redisClient, prefix+":rli:", cfg.MaxPerIdentifier, cfg.Window),
		ip:         rate.NewFixedWindow(redisClient, prefix+":rlip:", cfg.MaxPerIP, cfg.Window),
	}
}

// CheckIssue records one issuance for identifier and ip under purpose.
func (l *IssueLimiter) CheckIssue(ctx context.Context, purpose uint8, identifier, ip string) error {
	if l == nil {
		return nil
	}
	if l.config.EnableIdentifierThrottle {
		if err := mapRateError(l.identifier.Allow(ctx, issueKey(purpose, normalizeIdentifier(identifier)))); err != nil {
			return err
		}
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := mapRateError(l.ip.Allow(ctx, issueKey(purpose, ip))); err != nil {
			return err
		}
	}
	return nil
}

func issueKey(purpose uint8, value string) string {
	return fmt.Sprintf("%d:%s", purpose, value)
}

// Identifiers are email-like; case and surrounding space must not open extra
// windows for the same mailbox.
func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func mapRateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrIssueRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrIssueLimiterUnavailable, err)
	}
}
