// Package engine wires the Task Store, Planner, Executor Pool, Budget
// Governor, and Checkpoint Store into one runnable process, and implements
// the crash-resume protocol from spec §4.E. Grounded on the teacher's
// cmd/divinesense/main.go Run closure: construct collaborators, start the
// HTTP surface, wait for a termination signal, shut down with a grace
// timeout.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/taskforge/internal/budget"
	"github.com/hrygo/taskforge/internal/checkpoint"
	"github.com/hrygo/taskforge/internal/config"
	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/events"
	"github.com/hrygo/taskforge/internal/executor"
	"github.com/hrygo/taskforge/internal/httpapi"
	"github.com/hrygo/taskforge/internal/llmtool"
	"github.com/hrygo/taskforge/internal/metrics"
	"github.com/hrygo/taskforge/internal/planner"
	"github.com/hrygo/taskforge/internal/reviewer"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
)

// Exit codes per spec §6/§7.
const (
	ExitOK              = 0
	ExitTasksFailed     = 2
	ExitBudgetExhausted = 3
	ExitConfigInvalid   = 4
	ExitInterrupted     = 130
)

// Engine owns every collaborator for one run.
type Engine struct {
	cfg      config.Config
	store    *taskstore.Store
	cps      *checkpoint.Store
	gov      *budget.Governor
	pool     *executor.Pool
	planner  *planner.Planner
	exporter *metrics.Exporter
	api      *httpapi.Server
	sink     events.Sink
	progress events.ProgressSink
	reviewer planner.Reviewer
}

// New constructs every collaborator from cfg. tool is the external LLM CLI
// port; sink/progress/reviewer may be nil to get no-op defaults.
func New(cfg config.Config, tool llmtool.Tool, sink events.Sink, progress events.ProgressSink, rev planner.Reviewer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	if progress == nil {
		progress = events.NoopProgressSink{}
	}
	if rev == nil {
		rev = reviewer.New(tool, ".", cfg.ReviewRatePerMinute)
	}

	store, err := taskstore.Open(cfg.TaskStorePath)
	if err != nil {
		return nil, errs.New(errs.ConfigurationError, "open task store", err)
	}
	cps, err := checkpoint.Open(cfg.CheckpointRoot)
	if err != nil {
		return nil, errs.New(errs.ConfigurationError, "open checkpoint store", err)
	}
	gov, err := budget.New(cfg.Budget, sink)
	if err != nil {
		return nil, err
	}
	exporter := metrics.New()

	pool := executor.New(executor.Config{
		MaxWorkers:        cfg.MaxWorkers,
		WorkerTimeout:     cfg.WorkerTimeout,
		WorkDir:           ".",
		Breaker:           cfg.Breaker,
		EstimatedTaskCost: cfg.Budget.PerTaskLimit,
	}, store, cps, tool, gov, sink, progress, exporter)

	p := planner.New(store, sink, progress, rev, planner.Config{
		ReviewDepthLimit: cfg.ReviewDepthLimit,
		Retry:            cfg.Retry,
	}, nil, exporter)

	api := httpapi.New(store, gov, exporter)

	return &Engine{
		cfg: cfg, store: store, cps: cps, gov: gov,
		pool: pool, planner: p, exporter: exporter, api: api,
		sink: sink, progress: progress, reviewer: rev,
	}, nil
}

// Store exposes the task store for CLI subcommands (status/report).
func (e *Engine) Store() *taskstore.Store { return e.store }

// Governor exposes the budget governor for CLI subcommands.
func (e *Engine) Governor() *budget.Governor { return e.gov }

// APIServer exposes the status server, whose Echo instance cmd/taskforge
// starts and stops alongside the run.
func (e *Engine) APIServer() *httpapi.Server { return e.api }

// Resume implements spec §4.E's crash-resume protocol: every RUNNING task
// is checked against its latest non-completed checkpoint and either
// restored to READY or failed as stale.
func (e *Engine) Resume(staleThreshold time.Duration) error {
	running := e.store.List(taskstore.Filter{Statuses: []task.Status{task.StatusRunning}})
	for _, t := range running {
		cp, err := e.cps.LatestNonCompleted(t.ID)
		if err != nil || cp == nil {
			if err := e.failStale(t.ID, "no checkpoint found for running task"); err != nil {
				return err
			}
			continue
		}
		if time.Since(cp.UpdatedAt) > staleThreshold {
			if err := e.failStale(t.ID, fmt.Sprintf("checkpoint %s older than stale_threshold", cp.CheckpointID)); err != nil {
				return err
			}
			continue
		}
		if _, err := e.cps.Restore(cp.CheckpointID); err != nil {
			return errs.New(errs.ConfigurationError, "restore checkpoint", err)
		}
		if err := e.store.Transition(t.ID, task.StatusRunning, task.StatusReady, func(c *task.Task) error {
			c.Restored = true
			return nil
		}); err != nil {
			return errs.New(errs.ConfigurationError, "restore task to ready", err)
		}
		slog.Info("engine: resumed task from checkpoint", "task_id", t.ID, "checkpoint_id", cp.CheckpointID)
	}
	return nil
}

func (e *Engine) failStale(taskID, reason string) error {
	if err := e.store.Transition(taskID, task.StatusRunning, task.StatusFailed, func(c *task.Task) error {
		c.LastError = &task.ErrorRecord{Kind: errs.StaleCheckpoint, Message: reason, At: time.Now()}
		return nil
	}); err != nil {
		return errs.New(errs.ConfigurationError, "fail stale task", err)
	}
	slog.Warn("engine: failed stale task on resume", "task_id", taskID, "reason", reason)
	return nil
}

// Run resumes crashed state, starts the executor pool, runs the planner to
// completion, and returns the exit code the process should use.
func (e *Engine) Run(ctx context.Context) (int, error) {
	if err := e.Resume(e.cfg.CheckpointStaleThreshold); err != nil {
		return ExitConfigInvalid, err
	}

	e.pool.Start(ctx)
	err := e.planner.Run(ctx, e.pool)
	e.pool.Close()
	_ = e.pool.Wait()

	if ctx.Err() != nil {
		return ExitInterrupted, ctx.Err()
	}
	if err != nil {
		return ExitConfigInvalid, err
	}
	if e.gov.Exhausted() {
		return ExitBudgetExhausted, nil
	}

	failed := e.store.List(taskstore.Filter{Statuses: []task.Status{task.StatusFailed, task.StatusBlocked}})
	if len(failed) > 0 {
		return ExitTasksFailed, nil
	}
	return ExitOK, nil
}

// Shutdown stops accepting new work and waits up to shutdown_grace for
// in-flight invocations to terminate before returning. A non-nil return
// means the grace period elapsed with executors still running; the caller
// is expected to cancel the run context to force-terminate them (§5).
func (e *Engine) Shutdown(parent context.Context) error {
	e.pool.Close()
	e.sink.Emit(events.Event{Type: events.EventShutdown, At: time.Now()})

	ctx, cancel := context.WithTimeout(parent, e.cfg.ShutdownGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.pool.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
