package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsByDefault(t *testing.T) {
	b := New(0, DefaultConfig())
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := New(0, Config{FailureThreshold: 3, OpenCooldown: time.Hour, MaxCooldown: time.Hour})
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, Closed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(0, Config{FailureThreshold: 3, OpenCooldown: time.Hour, MaxCooldown: time.Hour})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State(), "counter should have reset after success")
}

func TestHalfOpenAdmitsOneProbe(t *testing.T) {
	b := New(0, Config{FailureThreshold: 1, OpenCooldown: 10 * time.Millisecond, MaxCooldown: time.Second})
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	assert.True(t, b.Allow(), "first probe should be admitted")
	assert.False(t, b.Allow(), "second concurrent caller should be refused")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(0, Config{FailureThreshold: 1, OpenCooldown: 10 * time.Millisecond, MaxCooldown: time.Second})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	b := New(0, Config{FailureThreshold: 1, OpenCooldown: 10 * time.Millisecond, MaxCooldown: time.Second})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, Open, b.State())
	assert.Equal(t, 20*time.Millisecond, b.cooldown)
}

func TestCooldownCappedAtMax(t *testing.T) {
	b := New(0, Config{FailureThreshold: 1, OpenCooldown: 300 * time.Millisecond, MaxCooldown: 400 * time.Millisecond})
	b.RecordFailure()
	b.mu.Lock()
	b.openSince = time.Now().Add(-time.Hour)
	b.mu.Unlock()
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, 400*time.Millisecond, b.cooldown)
}
