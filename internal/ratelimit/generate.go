package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/slabworks/internal/config"
)

const keyGenerateTenant = "generate:tenant:%s"

// GenerateLimiter throttles job submissions per tenant. A nil limiter allows everything.
type GenerateLimiter struct {
	bucket *TokenBucket
	quota  Quota
}

func NewGenerateLimiter(client *redis.Client, cfg config.Config) (*GenerateLimiter, error) {
	if client == nil {
		return nil, nil
	}
	limitCfg := cfg.RateLimit
	if limitCfg.GenerateTenantRate <= 0 || limitCfg.GenerateTenantBurst <= 0 {
		return nil, errors.New("generate tenant rate limit must be positive")
	}

	return &GenerateLimiter{
		bucket: NewTokenBucket(client),
		quota: Quota{
			Rate:  limitCfg.GenerateTenantRate,
			Burst: limitCfg.GenerateTenantBurst,
		},
	}, nil
}

func (l *GenerateLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *GenerateLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGenerateTenant, strings.TrimSpace(tenantID)), l.quota)
}
