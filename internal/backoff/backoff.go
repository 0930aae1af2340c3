// SPDX-License-Identifier: MIT

// Package backoff provides bounded exponential delays with jitter for
// reconnect and retry loops.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy describes an exponential backoff curve. Delay grows as
// Base * 2^attempt, clamped to Max, with a symmetric jitter fraction
// applied on top. Attempt counters are owned by the caller and reset
// to zero on every observed success.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

var (
	// Default is the general-purpose reconnect policy.
	Default = Policy{Base: 2 * time.Second, Max: 300 * time.Second, Jitter: 0.30}
	// Fast suits per-request retries against HTTP upstreams.
	Fast = Policy{Base: 1 * time.Second, Max: 30 * time.Second, Jitter: 0.30}
	// Slow suits long-lived outer loops that should not hammer anything.
	Slow = Policy{Base: 5 * time.Second, Max: 600 * time.Second, Jitter: 0.30}
)

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter only
)

func randFloat() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()
}

// Delay returns the wait for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := p.Max
	// 1<<attempt overflows past 62; the curve is clamped long before that.
	if attempt < 62 {
		wait = p.Base * time.Duration(1<<uint(attempt))
		if wait <= 0 || wait > p.Max {
			wait = p.Max
		}
	}
	if p.Jitter > 0 {
		frac := (randFloat()*2 - 1) * p.Jitter
		wait += time.Duration(frac * float64(wait))
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Sleep waits for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
