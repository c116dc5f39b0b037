package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMaxWorkers(t *testing.T) {
	cfg := Default()
	cfg.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg.MaxWorkers = 33
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBreakerThreshold(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBudgetMode(t *testing.T) {
	cfg := Default()
	cfg.Budget.EnforcementMode = "nonsense"
	assert.Error(t, cfg.Validate())
}

func TestLoadCredentialRejectsShort(t *testing.T) {
	t.Setenv(CredentialEnvVar, "short")
	var cfg Config
	assert.Error(t, cfg.LoadCredential())
}

func TestLoadCredentialAcceptsValid(t *testing.T) {
	t.Setenv(CredentialEnvVar, "a-long-enough-credential")
	var cfg Config
	require.NoError(t, cfg.LoadCredential())
	assert.Equal(t, "a-long-enough-credential", cfg.Credential)
}

func TestLoadCredentialRejectsMissing(t *testing.T) {
	os.Unsetenv(CredentialEnvVar)
	var cfg Config
	assert.Error(t, cfg.LoadCredential())
}
