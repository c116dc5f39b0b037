// Package breaker implements the per-executor circuit breaker from spec
// §4.D: a misbehaving executor is isolated for a cooldown window while the
// rest of the pool keeps draining the queue.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current posture.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config controls the thresholds and cooldown schedule.
type Config struct {
	FailureThreshold int
	OpenCooldown     time.Duration
	MaxCooldown      time.Duration
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenCooldown:     60 * time.Second,
		MaxCooldown:      600 * time.Second,
	}
}

// Breaker is one executor's circuit breaker. Not safe to share across
// executors — each executor owns exactly one.
type Breaker struct {
	mu sync.Mutex

	executorID int
	cfg        Config

	state               State
	consecutiveFailures int
	openSince           time.Time
	cooldown            time.Duration
	probeInFlight        bool
}

// New creates a Breaker for the given executor, starting CLOSED.
func New(executorID int, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenCooldown <= 0 {
		cfg.OpenCooldown = DefaultConfig().OpenCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	return &Breaker{
		executorID: executorID,
		cfg:        cfg,
		state:      Closed,
		cooldown:   cfg.OpenCooldown,
	}
}

// State returns the breaker's current state, resolving an expired OPEN
// cooldown to HALF_OPEN as a side effect-free read (the actual probe
// admission happens in Allow).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveStateLocked()
}

func (b *Breaker) effectiveStateLocked() State {
	if b.state == Open && time.Since(b.openSince) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether the executor may accept a new task right now. In
// HALF_OPEN it admits exactly one probe task; concurrent callers after the
// probe is claimed are refused until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.effectiveStateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.state == Open {
			// Cooldown just expired; formally enter HALF_OPEN.
			b.state = HalfOpen
		}
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // Open, cooldown not yet expired
		return false
	}
}

// RecordSuccess resets the failure counter and, from HALF_OPEN, closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHalfOpen := b.state == HalfOpen || (b.state == Open && b.probeInFlight)
	b.consecutiveFailures = 0
	b.probeInFlight = false
	if wasHalfOpen || b.state == Closed {
		if b.state != Closed {
			slog.Info("breaker: probe succeeded, closing",
				"executor_id", b.executorID)
		}
		b.state = Closed
		b.cooldown = b.cfg.OpenCooldown
	}
}

// RecordFailure increments the consecutive-failure counter on a transient
// failure and trips the breaker when the threshold is reached. A failed
// probe from HALF_OPEN reopens with the cooldown doubled, capped at
// MaxCooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen || (b.state == Open && b.probeInFlight) {
		b.probeInFlight = false
		b.openSince = time.Now()
		b.cooldown = minDuration(b.cooldown*2, b.cfg.MaxCooldown)
		b.state = Open
		slog.Warn("breaker: probe failed, reopening with extended cooldown",
			"executor_id", b.executorID, "cooldown", b.cooldown)
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = Open
		b.openSince = time.Now()
		b.cooldown = b.cfg.OpenCooldown
		slog.Warn("breaker: tripped open",
			"executor_id", b.executorID,
			"consecutive_failures", b.consecutiveFailures,
			"cooldown", b.cooldown)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
