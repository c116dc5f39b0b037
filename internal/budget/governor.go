// Package budget implements the admission controller from spec §4.F: it
// refuses (strict) or warns (soft) when a dispatch would push cumulative
// token usage past the configured limit, and emits one idempotent warning
// when usage crosses warning_threshold.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/events"
)

// Mode is the admission-check enforcement policy.
type Mode string

const (
	Strict Mode = "strict"
	Soft   Mode = "soft"
)

// Config is the governor's static policy, taken from §6's budget.* keys.
type Config struct {
	TotalLimit         int64
	PerTaskLimit       int64
	WarningThresholdPct int
	EnforcementMode    Mode
}

// Validate rejects a configuration the governor cannot enforce.
func (c Config) Validate() error {
	if c.TotalLimit < 0 || c.PerTaskLimit < 0 {
		return errs.New(errs.ConfigurationError, "budget limits must be non-negative", nil)
	}
	if c.WarningThresholdPct < 0 || c.WarningThresholdPct > 100 {
		return errs.New(errs.ConfigurationError, "budget.warning_threshold must be 0-100", nil)
	}
	if c.EnforcementMode != Strict && c.EnforcementMode != Soft {
		return errs.New(errs.ConfigurationError, fmt.Sprintf("unknown budget.enforcement_mode %q", c.EnforcementMode), nil)
	}
	return nil
}

// record is the persisted shape, matching §3's Budget Record.
type record struct {
	TokensUsed    int64            `json:"tokens_used"`
	PerTask       map[string]int64 `json:"per_task"`
	WallClockReset time.Time       `json:"wall_clock_reset"`
}

// Governor tracks cumulative token usage and enforces the admission check.
type Governor struct {
	mu sync.Mutex

	cfg  Config
	sink events.Sink

	tokensUsed     int64
	perTask        map[string]int64
	warningEmitted bool
	exhausted      bool
	wallClockReset time.Time
}

// New creates a Governor. sink may be events.NoopSink{}.
func New(cfg Config, sink events.Sink) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Governor{
		cfg:            cfg,
		sink:           sink,
		perTask:        make(map[string]int64),
		wallClockReset: time.Now(),
	}, nil
}

// Load restores a persisted Governor state (§3: "Budget Record... persisted
// at shutdown"), falling back to a fresh Governor if no file exists.
func Load(path string, cfg Config, sink events.Sink) (*Governor, error) {
	g, err := New(cfg, sink)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "budget: read persisted state")
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, pkgerrors.Wrap(err, "budget: corrupted persisted state")
	}
	g.tokensUsed = rec.TokensUsed
	if rec.PerTask != nil {
		g.perTask = rec.PerTask
	}
	if !rec.WallClockReset.IsZero() {
		g.wallClockReset = rec.WallClockReset
	}
	return g, nil
}

// Save persists the governor's state to path, atomically.
func (g *Governor) Save(path string) error {
	g.mu.Lock()
	rec := record{
		TokensUsed:     g.tokensUsed,
		PerTask:        g.perTask,
		WallClockReset: g.wallClockReset,
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "budget: marshal state")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrap(err, "budget: create state dir")
	}
	tmp, err := os.CreateTemp(dir, ".budget-*.tmp")
	if err != nil {
		return pkgerrors.Wrap(err, "budget: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "budget: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Admit runs the admission check from §4.F before a dispatch. In strict
// mode a would-be overrun is refused; in soft mode it's allowed with a
// warning event.
func (g *Governor) Admit(taskID string, estimatedCost int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.PerTaskLimit > 0 && estimatedCost > g.cfg.PerTaskLimit {
		return g.admitRefused(taskID, estimatedCost, "per_task_limit")
	}

	if g.cfg.TotalLimit > 0 && g.tokensUsed+estimatedCost > g.cfg.TotalLimit {
		if g.cfg.EnforcementMode == Strict {
			return g.admitRefused(taskID, estimatedCost, "total_limit")
		}
		g.sink.Emit(events.Event{
			Type:   events.EventBudgetWarning,
			TaskID: taskID,
			At:     time.Now(),
			Data: map[string]any{
				"reason":         "total_limit_exceeded_soft",
				"tokens_used":    g.tokensUsed,
				"estimated_cost": estimatedCost,
				"total_limit":    g.cfg.TotalLimit,
			},
		})
	}
	return true
}

func (g *Governor) admitRefused(taskID string, estimatedCost int64, reason string) bool {
	g.exhausted = true
	g.sink.Emit(events.Event{
		Type:   events.EventBudgetExhausted,
		TaskID: taskID,
		At:     time.Now(),
		Data: map[string]any{
			"reason":         reason,
			"tokens_used":    g.tokensUsed,
			"estimated_cost": estimatedCost,
			"total_limit":    g.cfg.TotalLimit,
		},
	})
	return false
}

// Exhausted reports whether an admission has been refused this run (a
// strict-mode total_limit refusal, or a per_task_limit refusal in either
// mode); Engine.Run checks it after the planner returns to choose exit
// code 3.
func (g *Governor) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhausted
}

// Record accounts for a successful invocation's token usage and emits the
// one-time warning event when usage crosses warning_threshold.
func (g *Governor) Record(taskID string, tokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokensUsed += tokens
	g.perTask[taskID] += tokens

	if g.cfg.TotalLimit <= 0 || g.warningEmitted {
		return
	}
	pct := float64(g.tokensUsed) / float64(g.cfg.TotalLimit) * 100
	if pct >= float64(g.cfg.WarningThresholdPct) {
		g.warningEmitted = true
		g.sink.Emit(events.Event{
			Type:   events.EventBudgetWarning,
			TaskID: taskID,
			At:     time.Now(),
			Data: map[string]any{
				"tokens_used":  g.tokensUsed,
				"total_limit":  g.cfg.TotalLimit,
				"threshold_pct": g.cfg.WarningThresholdPct,
			},
		})
	}
}

// TokensUsed returns cumulative usage across the run.
func (g *Governor) TokensUsed() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokensUsed
}

// TotalLimit returns the configured run-wide token ceiling (0 means
// unbounded).
func (g *Governor) TotalLimit() int64 {
	return g.cfg.TotalLimit
}

// TaskUsage returns tokens attributed to a specific task.
func (g *Governor) TaskUsage(taskID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perTask[taskID]
}
