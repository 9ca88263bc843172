// Package backoff provides exponential backoff with full jitter for retry
// loops, plus a context-aware sleep.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

// maxShift caps the exponent so base<<attempt cannot overflow int64.
const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection. Negative
// attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a uniformly random duration in [0, delay). Randomness
// comes from crypto/rand with a seeded math/rand fallback so jitter never
// stalls under entropy exhaustion.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt),
// the "full jitter" strategy.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for duration or until ctx is done, whichever comes
// first. Zero and negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
