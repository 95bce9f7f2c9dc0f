package service

import (
	"context"
	"time"
)

// ComputeBackoff doubles base for every prior attempt, capped at max.
// A non-positive base disables the delay.
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base > max {
		return max
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	return delay
}

// sleepContext waits for delay and reports false when ctx ended first.
func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
