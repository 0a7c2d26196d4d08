// Package retry implements the exponential-backoff-with-jitter policy shared
// by the IPFS and chain clients.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy controls attempt count and delay growth.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means
	// retry everything.
	Retryable func(error) bool
}

// jitterRand is guarded; rand.Rand is not safe for concurrent use.
var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter() time.Duration {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return time.Duration(jitterRand.Intn(1000)) * time.Millisecond
}

// Delay returns the backoff before attempt n (1-based):
// base × 2^(n-1) + uniform[0,1000)ms.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Base*time.Duration(1<<(attempt-1)) + jitter()
}

// Do runs fn up to MaxRetries+1 times. It stops early on success, on a
// non-retryable error, or when ctx is done; cancellation surfaces as
// ctx.Err() so callers can distinguish it from the last attempt's failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt > p.MaxRetries {
			return lastErr
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
