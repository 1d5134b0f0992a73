package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/checkledger/internal/config"
)

const keyProviderBucket = "checks:provider:%s"

// ProviderLimiter meters calls to one external provider (serp, maps, openai, ...) across replicas.
type ProviderLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewProviderLimiter(cfg config.Config, client *redis.Client) (*ProviderLimiter, error) {
	if client == nil {
		return nil, nil
	}
	limitCfg := cfg.RateLimit
	if limitCfg.ProviderRate <= 0 || limitCfg.ProviderBurst <= 0 {
		return nil, errors.New("provider rate limit must be positive")
	}
	return &ProviderLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.ProviderRate,
		burst:  limitCfg.ProviderBurst,
	}, nil
}

func (l *ProviderLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token for provider. A disabled limiter always allows.
func (l *ProviderLimiter) Allow(ctx context.Context, provider string) (bool, time.Duration, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false, 0, errors.New("provider is empty")
	}
	decision, err := l.bucket.Take(ctx, fmt.Sprintf(keyProviderBucket, provider), l.rate, l.burst, 1)
	if err != nil {
		return false, 0, err
	}
	return decision.Allowed, decision.RetryAfter, nil
}
