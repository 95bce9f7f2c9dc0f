package ratelimit

import (
	"context"
	"fmt"
	"time"

	"codejudge/internal/common/cache"
	pkgerrors "codejudge/pkg/errors"
)

// RedisLimiter enforces fixed-window limits using Redis so that every
// judge replica shares one budget.
type RedisLimiter struct {
	cache        cache.BasicOps
	window       time.Duration
	redisTimeout time.Duration
}

func NewRedisLimiter(cacheClient cache.BasicOps, window time.Duration, redisTimeout time.Duration) *RedisLimiter {
	if redisTimeout <= 0 {
		redisTimeout = 200 * time.Millisecond
	}
	return &RedisLimiter{cache: cacheClient, window: window, redisTimeout: redisTimeout}
}

func (s *RedisLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if s.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = s.window
	}

	ctxCache, cancel := context.WithTimeout(ctx, s.redisTimeout)
	defer cancel()

	acquired, err := s.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	var count int64
	if acquired {
		count = 1
	} else {
		count, err = s.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
		// A key that lost its TTL would block forever.
		ttl, ttlErr := s.cache.TTL(ctxCache, key)
		if ttlErr == nil && ttl < 0 {
			_ = s.cache.Expire(ctxCache, key, window)
		}
	}
	if int(count) > max {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}
