package scheduler

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// backoff returns the wait before retry number attempt (1-based):
// base * factor^(attempt-1), jittered by +/- jitter and capped at max.
func backoff(attempt int, base, max time.Duration, factor, jitter float64) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	if factor < 1 {
		factor = 1
	}

	interval := float64(base) * math.Pow(factor, float64(attempt-1))
	if max > 0 && interval > float64(max) {
		interval = float64(max)
	}
	if jitter > 0 {
		interval += interval * jitter * (rand.Float64()*2 - 1)
	}
	if max > 0 && interval > float64(max) {
		interval = float64(max)
	}
	return time.Duration(interval)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
