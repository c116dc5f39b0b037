// Package config is the engine's Profile-equivalent: a flat, validated
// configuration struct loaded from viper-bound flags/env, matching
// §6's recognized options.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hrygo/taskforge/internal/breaker"
	"github.com/hrygo/taskforge/internal/budget"
	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/retry"
)

// CredentialEnvVar is the environment variable the engine reads once at
// startup for the external tool's API credential (§6 "Environment").
const CredentialEnvVar = "TASKFORGE_API_CREDENTIAL"

// minCredentialLength is the minimum length for the credential to be
// considered plausible ("validated (non-empty, minimum length)").
const minCredentialLength = 8

// Config is the full engine configuration.
type Config struct {
	MaxWorkers     int
	WorkerTimeout  time.Duration
	ShutdownGrace  time.Duration

	Retry   retry.Config
	Breaker breaker.Config
	Budget  budget.Config

	CheckpointRoot          string
	CheckpointMaxAge        time.Duration
	CheckpointStaleThreshold time.Duration

	TaskStorePath string

	ReviewDepthLimit int

	// ReviewRatePerMinute caps how often the review pass may invoke the
	// external tool; 0 disables pacing.
	ReviewRatePerMinute float64

	// Credential is the external tool's API credential, read once from
	// CredentialEnvVar.
	Credential string
}

// Default returns the documented defaults from §6.
func Default() Config {
	return Config{
		MaxWorkers:    3,
		WorkerTimeout: 1800 * time.Second,
		ShutdownGrace: 30 * time.Second,

		Retry:   retry.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Budget: budget.Config{
			TotalLimit:          0,
			PerTaskLimit:        0,
			WarningThresholdPct: 80,
			EnforcementMode:     budget.Strict,
		},

		CheckpointRoot:           "./.taskforge/checkpoints",
		CheckpointMaxAge:         30 * 24 * time.Hour,
		CheckpointStaleThreshold: 24 * time.Hour,

		TaskStorePath: "./.taskforge/tasks.yaml",

		ReviewDepthLimit:    5,
		ReviewRatePerMinute: 6,
	}
}

// LoadCredential reads and validates the credential environment variable.
// Per §6, this is the only runtime-variable side channel the engine reads.
func (c *Config) LoadCredential() error {
	v := os.Getenv(CredentialEnvVar)
	if len(v) < minCredentialLength {
		return errs.New(errs.ConfigurationError,
			fmt.Sprintf("%s must be set and at least %d characters", CredentialEnvVar, minCredentialLength), nil)
	}
	c.Credential = v
	return nil
}

// Validate rejects a configuration the engine cannot run with, per §6/§7:
// a ConfigurationError aborts startup with exit code 4, never a silent
// clamp.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > 32 {
		return errs.New(errs.ConfigurationError, "max_workers must be between 1 and 32", nil)
	}
	if c.WorkerTimeout <= 0 {
		return errs.New(errs.ConfigurationError, "worker_timeout must be positive", nil)
	}
	if c.ShutdownGrace <= 0 {
		return errs.New(errs.ConfigurationError, "shutdown_grace_seconds must be positive", nil)
	}
	if c.Retry.MaxRetries < 0 {
		return errs.New(errs.ConfigurationError, "max_retries must be non-negative", nil)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return errs.New(errs.ConfigurationError, "retry delays must be positive", nil)
	}
	if c.Breaker.FailureThreshold < 1 {
		return errs.New(errs.ConfigurationError, "breaker.failure_threshold must be at least 1", nil)
	}
	if c.CheckpointRoot == "" {
		return errs.New(errs.ConfigurationError, "checkpoint.root is required", nil)
	}
	if c.TaskStorePath == "" {
		return errs.New(errs.ConfigurationError, "task store path is required", nil)
	}
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	return nil
}
