// Package retry computes the exponential backoff schedule from spec §4.D
// and classifies whether a given failure should consume a retry attempt.
package retry

import (
	"math/rand"
	"time"

	"github.com/hrygo/taskforge/internal/errs"
)

// Config is the per-task retry policy.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// Delay returns the backoff before retry k (1-based; the planner passes the
// number of attempts already made, so the first retry waits about base):
// min(base*2^(k-1), max), jittered by ±25%. rng is injected so callers get deterministic
// tests; pass rand.New(rand.NewSource(time.Now().UnixNano())) in production.
func Delay(attempt int, cfg Config, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		base *= 2
		if time.Duration(base) > cfg.MaxDelay {
			base = float64(cfg.MaxDelay)
			break
		}
	}
	if time.Duration(base) > cfg.MaxDelay {
		base = float64(cfg.MaxDelay)
	}

	jitterFrac := 1.0
	if rng != nil {
		jitterFrac = 0.75 + rng.Float64()*0.5 // [0.75, 1.25]
	}
	return time.Duration(base * jitterFrac)
}

// protocolErrorMaxAttempts is spec §7's distinct bound for malformed
// external-tool output: retryable, but never more than 2 attempts
// regardless of how high max_retries is configured.
const protocolErrorMaxAttempts = 2

// ShouldRetry reports whether err (classified via internal/errs) warrants
// another attempt given attempts already made and the configured cap.
// Attempts here counts prior attempts (0 before the first try), matching
// §8's invariant that attempts never exceeds max_retries+1.
func ShouldRetry(err error, attemptsMade int, cfg Config) bool {
	kind := errs.KindOf(err)
	if kind.Terminal() {
		return false
	}
	if !kind.Retryable() {
		return false
	}

	limit := cfg.MaxRetries
	if kind == errs.ProtocolError && protocolErrorMaxAttempts < limit {
		limit = protocolErrorMaxAttempts
	}
	return attemptsMade < limit
}
