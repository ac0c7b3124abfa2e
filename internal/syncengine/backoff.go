package syncengine

import (
	"context"
	"math/rand"
	"time"
)

// backoffDelay returns the wait before reconnection attempt n
// (1-based): exponential growth up to limit, with equal jitter so a
// fleet of clients does not reconnect in lockstep.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleepCtx waits d, reporting false if the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
