package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/tachyon-beep/elspeth/internal/config"
)

// BackoffPolicy configures retry delays for row-level retries and capacity
// waits.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

func policyFromRetry(r config.RetryConfig) BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: r.InitialDelay(),
		MaxDelay:     r.MaxDelay(),
		Base:         r.ExponentialBase,
		Jitter:       r.Jitter,
	}
}

// DelayForAttempt computes the delay before retry `attempt` (1-indexed).
// Jitter is seeded, not random, so a replayed run waits the same intervals.
func (p BackoffPolicy) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	base := float64(p.InitialDelay) * math.Pow(p.Base, float64(attempt-1))
	if p.MaxDelay > 0 {
		base = math.Min(base, float64(p.MaxDelay))
	}
	if p.Jitter {
		base *= 0.5 + jitterUnit(seed) // [0.5, 1.5]
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
