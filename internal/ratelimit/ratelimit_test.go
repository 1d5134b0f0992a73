package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/checkledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderLimiterAllows(t *testing.T) {
	limiter, err := NewProviderLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	ok, wait, err := limiter.Allow(context.Background(), "serp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestDisabledLockerIsNoop(t *testing.T) {
	locker := NewLocker(nil)
	assert.False(t, locker.Enabled())

	_, ok, err := locker.TryLock(context.Background(), "dispatch", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "dispatch", "tok"))
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Take(context.Background(), "k", 1, 1, 1)
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)

	bucket = NewTokenBucket(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	cases := []struct {
		name  string
		key   string
		rate  float64
		burst int
		cost  int
	}{
		{name: "empty key", key: "", rate: 1, burst: 1, cost: 1},
		{name: "zero rate", key: "k", rate: 0, burst: 1, cost: 1},
		{name: "zero burst", key: "k", rate: 1, burst: 0, cost: 1},
		{name: "cost above burst", key: "k", rate: 1, burst: 2, cost: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bucket.Take(context.Background(), tc.key, tc.rate, tc.burst, tc.cost)
			assert.ErrorIs(t, err, ErrInvalidBucket)
		})
	}
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, bucketTTL(0, 5))
	assert.Equal(t, 4*time.Second, bucketTTL(5, 10))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
}
