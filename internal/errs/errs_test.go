package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	assert.True(t, Transient.Retryable())
	assert.True(t, ProtocolError.Retryable())
	assert.True(t, ValidationFailure.Retryable())
	assert.False(t, DependencyCycle.Retryable())
	assert.False(t, Conflict.Retryable())
	assert.False(t, BudgetExhausted.Retryable())
}

func TestKindTerminal(t *testing.T) {
	assert.True(t, BudgetExhausted.Terminal())
	assert.True(t, ConfigurationError.Terminal())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Transient.Terminal())
}

func TestClassifiedUnwrap(t *testing.T) {
	base := errors.New("boom")
	c := New(Transient, "dial tcp", base)
	require.ErrorIs(t, c, base)
	assert.Contains(t, c.Error(), "transient")
	assert.Contains(t, c.Error(), "dial tcp")
}

func TestKindOfDefaultsTransient(t *testing.T) {
	assert.Equal(t, Transient, KindOf(errors.New("anything")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindOfClassified(t *testing.T) {
	err := New(DependencyCycle, "", errors.New("cycle"))
	assert.Equal(t, DependencyCycle, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestAs(t *testing.T) {
	err := New(ValidationFailure, "missing file", nil)
	c, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, ValidationFailure, c.Kind)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}
