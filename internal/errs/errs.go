// Package errs classifies engine failures into the error taxonomy the
// planner and retry policy reason about: transient vs. permanent vs.
// terminal, and whether a failure should consume a retry attempt.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification of an engine error, not a concrete type.
type Kind string

const (
	// Transient covers network, rate-limit, and timeout failures. Retryable.
	Transient Kind = "transient"
	// ProtocolError covers malformed external-tool output. Retryable, bounded.
	ProtocolError Kind = "protocol_error"
	// ValidationFailure covers claimed files that don't exist on disk. Retryable.
	ValidationFailure Kind = "validation_failure"
	// DependencyCycle marks every task in a detected dependency cycle. Permanent.
	DependencyCycle Kind = "dependency_cycle"
	// Conflict is a store CAS race, retried internally and never surfaced.
	Conflict Kind = "conflict"
	// BudgetExhausted is terminal: the engine drains the pool and exits.
	BudgetExhausted Kind = "budget_exhausted"
	// CorruptCheckpoint indicates a checksum mismatch on checkpoint load.
	CorruptCheckpoint Kind = "corrupt_checkpoint"
	// StaleCheckpoint indicates the latest checkpoint predates stale_threshold.
	StaleCheckpoint Kind = "stale_checkpoint"
	// ConfigurationError is terminal: the engine refuses to start.
	ConfigurationError Kind = "configuration_error"
	// Cancelled is terminal: a clean shutdown was requested.
	Cancelled Kind = "cancelled"
)

// Retryable reports whether a failure of this kind should consume a retry
// attempt rather than immediately failing the task.
func (k Kind) Retryable() bool {
	switch k {
	case Transient, ProtocolError, ValidationFailure:
		return true
	default:
		return false
	}
}

// Terminal reports whether this kind ends the engine run rather than just
// the one task.
func (k Kind) Terminal() bool {
	switch k {
	case BudgetExhausted, ConfigurationError, Cancelled:
		return true
	default:
		return false
	}
}

// Classified wraps an underlying error with its engine-level kind.
type Classified struct {
	Kind     Kind
	Original error
	// Context is a short human-readable detail, persisted in the task record
	// for post-mortem (§7's "full error payloads are always persisted").
	Context string
}

func (c *Classified) Error() string {
	if c.Original == nil {
		return fmt.Sprintf("%s: %s", c.Kind, c.Context)
	}
	if c.Context != "" {
		return fmt.Sprintf("%s: %s: %v", c.Kind, c.Context, c.Original)
	}
	return fmt.Sprintf("%s: %v", c.Kind, c.Original)
}

func (c *Classified) Unwrap() error { return c.Original }

// New wraps err with the given kind and context.
func New(kind Kind, context string, err error) *Classified {
	return &Classified{Kind: kind, Original: err, Context: context}
}

// As reports whether err (or anything in its chain) is a *Classified and
// returns it.
func As(err error) (*Classified, bool) {
	var c *Classified
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// KindOf returns the classification of err, defaulting to Transient for any
// error that wasn't explicitly classified — matching §7's "an unexpected
// error is caught, classified as Transient by default".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if c, ok := As(err); ok {
		return c.Kind
	}
	return Transient
}

// Retryable reports whether err should consume a retry attempt.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
