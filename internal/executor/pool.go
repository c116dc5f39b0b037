// Package executor implements spec §4.C: a fixed pool of workers draining
// a bounded queue, each running the eight-step per-task procedure —
// reserve, budget check, breaker check, prompt build, tool invocation,
// output parse, file validation, result writeback.
//
// The pool's worker lifecycle is an errgroup.Group (grounded on the same
// cancellation-aware-context shape the teacher wires through
// ai/agents/orchestrator), replacing the teacher's bespoke WaitGroup loop;
// the dispatch queue itself is a plain buffered channel, which already
// gives the bounded-FIFO-with-blocking-send semantics spec §4.C asks for.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/taskforge/internal/breaker"
	"github.com/hrygo/taskforge/internal/budget"
	"github.com/hrygo/taskforge/internal/checkpoint"
	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/events"
	"github.com/hrygo/taskforge/internal/llmtool"
	"github.com/hrygo/taskforge/internal/metrics"
	"github.com/hrygo/taskforge/internal/planner"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
)

// Config controls pool sizing and per-task limits not already owned by one
// of the collaborator packages.
type Config struct {
	MaxWorkers    int
	WorkerTimeout time.Duration
	WorkDir       string
	Breaker       breaker.Config

	// EstimatedTaskCost is the per-dispatch token estimate handed to the
	// Budget Governor's admission check (§4.F: "estimated_cost"). The
	// governor has no way to know the true cost before invocation, so the
	// pool uses the configured per-task limit as the estimate — the same
	// number the governor would refuse against anyway.
	EstimatedTaskCost int64
}

// Pool is the fixed-size executor pool. It implements planner.Dispatcher.
type Pool struct {
	cfg      Config
	store    *taskstore.Store
	cps      *checkpoint.Store
	tool     llmtool.Tool
	gov      *budget.Governor
	sink     events.Sink
	progress events.ProgressSink
	exporter *metrics.Exporter

	breakers []*breaker.Breaker
	queue    chan string
	settled  chan planner.SettledEvent

	running int64 // atomic count of in-flight handle() calls

	mu        sync.Mutex
	eg        *errgroup.Group
	closeOnce sync.Once
}

// New builds a Pool. Call Start to spawn workers. exporter may be nil to
// skip metrics recording (e.g. in tests that don't stand up an Exporter).
func New(cfg Config, store *taskstore.Store, cps *checkpoint.Store, tool llmtool.Tool, gov *budget.Governor, sink events.Sink, progress events.ProgressSink, exporter *metrics.Exporter) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	if progress == nil {
		progress = events.NoopProgressSink{}
	}
	breakers := make([]*breaker.Breaker, cfg.MaxWorkers)
	for i := range breakers {
		breakers[i] = breaker.New(i, cfg.Breaker)
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		cps:      cps,
		tool:     tool,
		gov:      gov,
		sink:     sink,
		progress: progress,
		exporter: exporter,
		breakers: breakers,
		queue:    make(chan string, 2*cfg.MaxWorkers),
		settled:  make(chan planner.SettledEvent, 4*cfg.MaxWorkers),
	}
}

// Start spawns cfg.MaxWorkers worker goroutines under an errgroup derived
// from ctx. It returns immediately; call Wait to block until every worker
// has exited (after Close or ctx cancellation drains the queue).
func (p *Pool) Start(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	p.mu.Lock()
	p.eg = eg
	p.mu.Unlock()

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		executorID := i
		eg.Go(func() error {
			p.workerLoop(egCtx, executorID)
			return nil
		})
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() error {
	p.mu.Lock()
	eg := p.eg
	p.mu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

// Close signals workers to exit once the queue drains. Safe to call more
// than once — Run's post-planner cleanup and Engine.Shutdown's "stop
// accepting new work" step may both reach it for the same pool.
func (p *Pool) Close() { p.closeOnce.Do(func() { close(p.queue) }) }

// Submit hands a READY task id to the pool, blocking while the queue is
// full — the primary backpressure signal back to the planner (§4.C).
// Close may race a Submit from the planner's own goroutine (Engine.Shutdown
// runs concurrently with Run); the recover turns that race into the same
// "pool closed" error a caller would see if it checked first, instead of a
// crash.
func (p *Pool) Submit(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.Cancelled, "pool closed, not accepting new work", nil)
		}
	}()
	select {
	case p.queue <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled implements planner.Dispatcher.
func (p *Pool) Settled() <-chan planner.SettledEvent { return p.settled }

// Idle reports whether the pool has no in-flight task and nothing queued.
func (p *Pool) Idle() bool {
	return atomic.LoadInt64(&p.running) == 0 && len(p.queue) == 0
}

func (p *Pool) workerLoop(ctx context.Context, executorID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(ctx, executorID, taskID)
		}
	}
}

// handle implements spec §4.C's eight-step per-task procedure.
func (p *Pool) handle(ctx context.Context, executorID int, taskID string) {
	atomic.AddInt64(&p.running, 1)
	defer atomic.AddInt64(&p.running, -1)
	start := time.Now()

	// Step 1: reserve.
	err := p.store.Transition(taskID, task.StatusReady, task.StatusRunning, func(c *task.Task) error {
		c.Attempts++
		return nil
	})
	if errors.Is(err, taskstore.ErrCASMismatch) {
		return // another executor won the race
	}
	if err != nil {
		slog.Warn("executor: reserve failed", "task_id", taskID, "error", err)
		return
	}

	t, err := p.store.Get(taskID)
	if err != nil {
		slog.Warn("executor: reload after reserve failed", "task_id", taskID, "error", err)
		return
	}

	// Step 2: budget admission.
	if !p.gov.Admit(taskID, p.cfg.EstimatedTaskCost) {
		p.release(taskID, "budget_denied")
		return
	}

	// Step 3: circuit breaker.
	br := p.breakers[executorID]
	if !br.Allow() {
		p.release(taskID, "breaker_open")
		return
	}

	// Step 4: build prompt.
	prompt, err := p.buildPrompt(t)
	if err != nil {
		p.failTask(t.ID, nil, errs.New(errs.ValidationFailure, "resolve dependency results", err), br, executorID, start)
		return
	}

	cp, err := p.cps.Create(t.ID, t.Attempts, "invoke external tool", nil, "")
	if err != nil {
		slog.Warn("executor: checkpoint create failed", "task_id", t.ID, "error", err)
		p.failTask(t.ID, nil, errs.New(errs.Transient, "create checkpoint", err), br, executorID, start)
		return
	}
	if _, err := p.cps.Activate(cp.CheckpointID); err != nil {
		slog.Warn("executor: checkpoint activate failed", "task_id", t.ID, "error", err)
	}

	// Step 5: invoke, with a wall-clock timeout scoping the subprocess.
	invCtx, cancel := context.WithTimeout(ctx, p.cfg.WorkerTimeout)
	out, invErr := p.tool.Invoke(invCtx, llmtool.Invocation{
		TaskID:  t.ID,
		WorkDir: p.workDir(t),
		Prompt:  prompt,
		Env:     p.envFor(),
	})
	cancel()

	if invErr != nil {
		if ctx.Err() != nil {
			p.cancelInFlight(t.ID, cp)
			return
		}
		p.failTask(t.ID, cp, invErr, br, executorID, start)
		return
	}

	// Step 7: validate claimed files.
	if err := validateOutputFiles(p.workDir(t), out); err != nil {
		p.failTask(t.ID, cp, err, br, executorID, start)
		return
	}

	// Step 8: success.
	p.succeedTask(t.ID, cp, out, br, executorID, start)
}

// release returns a READY-claimed task to READY without consuming a retry
// attempt or touching the breaker — budget/breaker refusals aren't task
// failures, just backpressure (§4.C steps 2-3).
func (p *Pool) release(taskID, reason string) {
	if err := p.store.Transition(taskID, task.StatusRunning, task.StatusReady, nil); err != nil {
		slog.Warn("executor: release to ready failed", "task_id", taskID, "error", err)
		return
	}
	p.progress.Observe(events.ProgressUpdate{TaskID: taskID, From: string(task.StatusRunning), To: string(task.StatusReady), At: time.Now()})
	slog.Info("executor: released task", "task_id", taskID, "reason", reason)
}

// cancelInFlight implements the cancellation semantics from §5: the task
// returns to READY and the active checkpoint is flushed as RESTORED.
func (p *Pool) cancelInFlight(taskID string, cp *checkpoint.Record) {
	if err := p.store.Transition(taskID, task.StatusRunning, task.StatusReady, func(c *task.Task) error {
		c.Restored = true
		return nil
	}); err != nil {
		slog.Warn("executor: cancellation release failed", "task_id", taskID, "error", err)
	}
	if cp != nil {
		if _, err := p.cps.Restore(cp.CheckpointID); err != nil {
			slog.Warn("executor: cancellation checkpoint restore failed", "task_id", taskID, "error", err)
		}
	}
	slog.Info("executor: returned in-flight task to ready on cancellation", "task_id", taskID)
}

func (p *Pool) failTask(taskID string, cp *checkpoint.Record, cause error, br *breaker.Breaker, executorID int, start time.Time) {
	kind := errs.KindOf(cause)
	if err := p.store.Transition(taskID, task.StatusRunning, task.StatusFailed, func(c *task.Task) error {
		c.LastError = &task.ErrorRecord{Kind: kind, Message: cause.Error(), At: time.Now()}
		return nil
	}); err != nil {
		slog.Warn("executor: fail transition failed", "task_id", taskID, "error", err)
		return
	}
	if cp != nil {
		if _, err := p.cps.Fail(cp.CheckpointID, cause); err != nil {
			slog.Warn("executor: checkpoint fail failed", "task_id", taskID, "error", err)
		}
	}
	br.RecordFailure()
	p.recordBreakerState(executorID, br)
	if p.exporter != nil {
		p.exporter.RecordTaskSettled(string(task.StatusFailed), time.Since(start).Seconds())
	}
	p.sink.Emit(events.Event{Type: events.EventTaskFailed, TaskID: taskID, At: time.Now(), Data: map[string]any{"kind": string(kind)}})
	p.progress.Observe(events.ProgressUpdate{TaskID: taskID, From: string(task.StatusRunning), To: string(task.StatusFailed), At: time.Now()})
	p.pushSettled(planner.SettledEvent{TaskID: taskID, Status: task.StatusFailed})
}

func (p *Pool) succeedTask(taskID string, cp *checkpoint.Record, out *llmtool.Output, br *breaker.Breaker, executorID int, start time.Time) {
	result := &task.Result{
		Text:          out.Text,
		CreatedFiles:  out.CreatedFiles,
		ModifiedFiles: out.ModifiedFiles,
		TokensUsed:    out.TokensUsed,
	}
	if err := p.store.Transition(taskID, task.StatusRunning, task.StatusCompleted, func(c *task.Task) error {
		c.Result = result
		c.Restored = false
		return nil
	}); err != nil {
		slog.Warn("executor: complete transition failed", "task_id", taskID, "error", err)
		return
	}
	if cp != nil {
		finalData, _ := json.Marshal(result)
		if _, err := p.cps.Complete(cp.CheckpointID, finalData); err != nil {
			slog.Warn("executor: checkpoint complete failed", "task_id", taskID, "error", err)
		}
	}
	p.gov.Record(taskID, out.TokensUsed)
	br.RecordSuccess()
	p.recordBreakerState(executorID, br)
	if p.exporter != nil {
		p.exporter.RecordTaskSettled(string(task.StatusCompleted), time.Since(start).Seconds())
		p.exporter.SetBudget(p.gov.TokensUsed(), p.gov.TotalLimit())
	}
	p.sink.Emit(events.Event{Type: events.EventTaskCompleted, TaskID: taskID, At: time.Now()})
	p.progress.Observe(events.ProgressUpdate{TaskID: taskID, From: string(task.StatusRunning), To: string(task.StatusCompleted), At: time.Now()})
	p.pushSettled(planner.SettledEvent{TaskID: taskID, Status: task.StatusCompleted})
}

// recordBreakerState publishes one executor's current breaker state to the
// circuit-state gauge (§9); the transition itself already happened inside
// br.RecordSuccess/RecordFailure, this just mirrors the result out.
func (p *Pool) recordBreakerState(executorID int, br *breaker.Breaker) {
	if p.exporter == nil {
		return
	}
	p.exporter.SetBreakerState(strconv.Itoa(executorID), string(br.State()))
}

// pushSettled is a best-effort, non-blocking notify: the planner drains
// Settled() promptly, and a full buffer only means the planner already has
// other READY work queued up that will trigger a re-tick on its own.
func (p *Pool) pushSettled(ev planner.SettledEvent) {
	select {
	case p.settled <- ev:
	default:
		slog.Warn("executor: settled channel full, dropping notification", "task_id", ev.TaskID)
	}
}

// buildPrompt composes the task description, resolved dependency results,
// and retry context (§4.C step 4).
func (p *Pool) buildPrompt(t *task.Task) (string, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", t.Title, t.Description)

	if len(t.Dependencies) > 0 {
		b.WriteString("\n## Dependency results\n")
		for _, depID := range t.Dependencies {
			dep, err := p.store.Get(depID)
			if err != nil {
				return "", fmt.Errorf("resolve dependency %s: %w", depID, err)
			}
			text := ""
			if dep.Result != nil {
				text = dep.Result.Text
			}
			fmt.Fprintf(&b, "\n### %s\n%s\n", depID, text)
		}
	}

	if t.Attempts > 1 && t.LastError != nil {
		fmt.Fprintf(&b, "\n## Previous attempt failed\nkind: %s\n%s\n", t.LastError.Kind, t.LastError.Message)
	}
	if t.Restored {
		b.WriteString("\n## Note\nThis task is resuming after an engine restart.\n")
	}
	return b.String(), nil
}

func (p *Pool) workDir(t *task.Task) string {
	return filepath.Join(p.cfg.WorkDir, t.ID)
}

func (p *Pool) envFor() []string {
	env := os.Environ()
	return env
}

// validateOutputFiles implements §4.C step 7: every claimed file must exist
// on disk and be non-empty.
func validateOutputFiles(workDir string, out *llmtool.Output) error {
	for _, name := range append(append([]string{}, out.CreatedFiles...), out.ModifiedFiles...) {
		path := filepath.Join(workDir, name)
		info, err := os.Stat(path)
		if err != nil {
			return errs.New(errs.ValidationFailure, fmt.Sprintf("claimed file %s does not exist", name), err)
		}
		if info.Size() == 0 {
			return errs.New(errs.ValidationFailure, fmt.Sprintf("claimed file %s is empty", name), nil)
		}
	}
	return nil
}
