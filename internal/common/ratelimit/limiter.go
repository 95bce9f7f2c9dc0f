// Package ratelimit provides fixed-window request limiting backed by Redis
// with an in-process token bucket fallback.
package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or rejects one request for key.
// A rejection is a TooManyRequests error.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}
