package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "codejudge/pkg/errors"

	"golang.org/x/time/rate"
)

const localSweepEvery = 1024

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is a per-process token bucket limiter used when Redis is
// not configured. max requests per window refill continuously.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	calls   int
	idle    time.Duration
	now     func() time.Time
}

func NewLocalLimiter(idle time.Duration) *LocalLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &LocalLimiter{
		entries: make(map[string]*localEntry),
		idle:    idle,
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, max int, window time.Duration) error {
	if max <= 0 || window <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		every := rate.Every(window / time.Duration(max))
		entry = &localEntry{limiter: rate.NewLimiter(every, max)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	l.calls++
	if l.calls%localSweepEvery == 0 {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	if !entry.limiter.AllowN(now, 1) {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.entries, key)
		}
	}
}
