// Package planner implements spec §4.B: ready-frontier computation over the
// task DAG, deterministic dispatch ordering, cycle detection, and the
// review pass that lets the external tool append new tasks mid-run.
//
// The planner never talks to the external tool or the executor pool
// directly for task *execution* — it only decides what is ready and in
// what order, then hands task ids to a Dispatcher. This mirrors the
// teacher's DAGScheduler shape (graph + inDegree + readyQueue) but keeps
// the graph itself in the durable task store instead of an in-memory map,
// since tasks here survive a process restart.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/events"
	"github.com/hrygo/taskforge/internal/metrics"
	"github.com/hrygo/taskforge/internal/retry"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
)

// Dispatcher is the executor pool's half of the contract: Submit hands a
// READY task id to the pool (blocking when its queue is full, which is the
// primary backpressure signal back to the planner), and Settled delivers
// one notification per terminal transition (COMPLETED or FAILED) so the
// planner can react without polling.
type Dispatcher interface {
	Submit(ctx context.Context, taskID string) error
	Settled() <-chan SettledEvent
	Idle() bool
}

// SettledEvent is pushed by the executor pool whenever a task reaches a
// terminal status for its current attempt.
type SettledEvent struct {
	TaskID string
	Status task.Status
}

// Reviewer runs the review pass: given a summary of the run so far, it
// returns new tasks to append (possibly none), per §9's structured
// new-task contract.
type Reviewer interface {
	Review(ctx context.Context, completed, failed []*task.Task) ([]*task.Task, error)
}

// Config controls planner behavior beyond what's on the task graph itself.
type Config struct {
	ReviewDepthLimit int
	Retry            retry.Config
}

// Planner drives one run to completion: compute the ready frontier, submit
// it in deterministic order, react to settlement, retry or cascade BLOCKED,
// and run the review pass when the frontier and pool both go idle.
type Planner struct {
	store    *taskstore.Store
	sink     events.Sink
	progress events.ProgressSink
	reviewer Reviewer
	cfg      Config
	rng      *rand.Rand
	exporter *metrics.Exporter

	// pendingRetries counts scheduled-but-not-yet-applied retry transitions.
	// allTerminal treats a nonzero count as "not done yet" even though every
	// task's current status looks terminal, since a FAILED task here is
	// about to bounce back to READY once its backoff elapses.
	pendingRetries int32

	// wake is signalled by a retry goroutine after it moves a task back to
	// READY, so tick's blocking select notices it without waiting for the
	// next Settled event.
	wake chan struct{}
}

// New builds a Planner. reviewer may be nil, in which case the review pass
// is skipped entirely (no new tasks are ever appended). rng drives retry
// jitter; pass nil in production to get a time-seeded source, or an
// explicit *rand.Rand in tests for deterministic delays. exporter may be
// nil to skip metrics recording.
func New(store *taskstore.Store, sink events.Sink, progress events.ProgressSink, reviewer Reviewer, cfg Config, rng *rand.Rand, exporter *metrics.Exporter) *Planner {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if progress == nil {
		progress = events.NoopProgressSink{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{store: store, sink: sink, progress: progress, reviewer: reviewer, cfg: cfg, rng: rng, exporter: exporter, wake: make(chan struct{}, 1)}
}

// Run drives the full planning loop against the given dispatcher until the
// graph is fully resolved (every task terminal) and the review pass has
// nothing left to add, or ctx is cancelled.
func (p *Planner) Run(ctx context.Context, d Dispatcher) error {
	reviewRounds := 0
	for {
		if err := p.tick(ctx, d); err != nil {
			return err
		}

		if !p.allTerminal() {
			continue
		}
		if !d.Idle() {
			continue
		}

		if p.reviewer == nil || reviewRounds >= p.cfg.ReviewDepthLimit {
			return nil
		}
		added, err := p.runReview(ctx)
		if err != nil {
			return err
		}
		reviewRounds++
		if !added {
			return nil
		}
	}
}

// tick recomputes the frontier once: promotes newly-ready tasks, cascades
// BLOCKED from failed dependencies, schedules due retries, and submits the
// resulting ready set in deterministic order. It blocks on Settled() when
// there is nothing new to do, so it never busy-loops.
func (p *Planner) tick(ctx context.Context, d Dispatcher) error {
	all := p.store.List(taskstore.Filter{})
	index := indexByID(all)

	if err := p.detectCycles(all, index); err != nil {
		return err
	}
	all = p.store.List(taskstore.Filter{}) // cycle detection may have mutated statuses
	index = indexByID(all)

	p.cascadeBlocked(all, index)
	p.promoteReady(all, index)

	// Submit every task currently READY, not just the ones just promoted:
	// a retried or crash-resumed task reaches READY directly, without going
	// through promoteReady's PENDING->READY step. Re-submitting a task the
	// dispatcher already claimed is harmless — the store's CAS rejects the
	// stale claim and the dispatcher treats that as "lost the race".
	ready := p.store.List(taskstore.Filter{Statuses: []task.Status{task.StatusReady}})
	sortDispatchOrder(ready)
	if p.exporter != nil {
		p.exporter.SetQueueDepth(len(ready))
	}

	for _, t := range ready {
		if err := d.Submit(ctx, t.ID); err != nil {
			return err
		}
	}

	if p.allTerminal() {
		return nil
	}
	if len(ready) > 0 {
		return nil // more work may already be ready; re-tick immediately
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-d.Settled():
		return p.handleSettled(ev)
	case <-p.wake:
		return nil
	}
}

// handleSettled reacts to one terminal transition: a FAILED task either
// gets a scheduled retry (FAILED -> READY after backoff) or, once retries
// are exhausted or the error is permanent, stays FAILED and its dependents
// cascade to BLOCKED on the next tick.
func (p *Planner) handleSettled(ev SettledEvent) error {
	if ev.Status != task.StatusFailed {
		return nil
	}
	t, err := p.store.Get(ev.TaskID)
	if err != nil {
		return err
	}
	kind := errs.Transient
	if t.LastError != nil {
		kind = t.LastError.Kind
	}
	if !retry.ShouldRetry(errs.New(kind, "", nil), t.Attempts, p.cfg.Retry) {
		slog.Info("planner: retries exhausted", "task_id", t.ID, "attempts", t.Attempts, "kind", kind)
		return nil
	}

	delay := retry.Delay(t.Attempts, p.cfg.Retry, p.rng)
	slog.Info("planner: scheduling retry", "task_id", t.ID, "attempt", t.Attempts+1, "delay", delay)
	atomic.AddInt32(&p.pendingRetries, 1)
	go func() {
		defer atomic.AddInt32(&p.pendingRetries, -1)
		time.Sleep(delay)
		if err := p.store.Transition(t.ID, task.StatusFailed, task.StatusReady, nil); err != nil {
			slog.Warn("planner: retry transition failed", "task_id", t.ID, "error", err)
		}
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}()
	return nil
}

func (p *Planner) allTerminal() bool {
	if atomic.LoadInt32(&p.pendingRetries) > 0 {
		return false
	}
	for _, t := range p.store.List(taskstore.Filter{}) {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// promoteReady transitions every PENDING task whose dependencies are all
// COMPLETED to READY, and returns the clones that were just promoted.
func (p *Planner) promoteReady(all []*task.Task, index map[string]*task.Task) []*task.Task {
	var ready []*task.Task
	for _, t := range all {
		if t.Status != task.StatusPending {
			continue
		}
		if !allDepsCompleted(t, index) {
			continue
		}
		if err := p.store.Transition(t.ID, task.StatusPending, task.StatusReady, nil); err != nil {
			continue // lost a race or already moved; next tick will see the true state
		}
		clone := t.Clone()
		clone.Status = task.StatusReady
		ready = append(ready, clone)
		p.progress.Observe(events.ProgressUpdate{TaskID: t.ID, From: string(task.StatusPending), To: string(task.StatusReady), At: time.Now()})
	}
	return ready
}

func allDepsCompleted(t *task.Task, index map[string]*task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := index[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// cascadeBlocked moves every PENDING/READY task transitively downstream of
// a FAILED (permanently) or BLOCKED dependency to BLOCKED, repeating until
// a full pass makes no further change.
func (p *Planner) cascadeBlocked(all []*task.Task, index map[string]*task.Task) {
	for {
		changed := false
		for _, t := range all {
			if t.Status != task.StatusPending && t.Status != task.StatusReady {
				continue
			}
			if !p.dependsOnUnresolvable(t, index) {
				continue
			}
			from := t.Status
			if err := p.store.Transition(t.ID, from, task.StatusBlocked, nil); err != nil {
				continue
			}
			t.Status = task.StatusBlocked
			index[t.ID] = t
			p.sink.Emit(events.Event{Type: events.EventTaskBlocked, TaskID: t.ID, At: time.Now()})
			p.progress.Observe(events.ProgressUpdate{TaskID: t.ID, From: string(from), To: string(task.StatusBlocked), At: time.Now()})
			changed = true
		}
		if !changed {
			return
		}
	}
}

// dependsOnUnresolvable reports whether t has a dependency that can never
// complete: already BLOCKED, or FAILED with no retry left to attempt. A
// FAILED dependency that is still eligible for a scheduled retry is not
// unresolvable yet — the retry scheduler may still return it to READY.
func (p *Planner) dependsOnUnresolvable(t *task.Task, index map[string]*task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := index[dep]
		if !ok {
			continue
		}
		if d.Status == task.StatusBlocked {
			return true
		}
		if d.Status == task.StatusFailed && !p.retryEligible(d) {
			return true
		}
	}
	return false
}

// retryEligible mirrors handleSettled's retry decision so cascadeBlocked
// doesn't prematurely block dependents of a task still waiting on its
// scheduled retry.
func (p *Planner) retryEligible(t *task.Task) bool {
	kind := errs.Transient
	if t.LastError != nil {
		kind = t.LastError.Kind
	}
	return retry.ShouldRetry(errs.New(kind, "", nil), t.Attempts, p.cfg.Retry)
}

// detectCycles runs Kahn's algorithm over the subgraph of still-PENDING
// tasks. Any task left with nonzero in-degree once the algorithm settles is
// part of a cycle (or depends on one) and transitions to FAILED with
// DependencyCycle; the acyclic remainder is left untouched so planning can
// continue on it.
func (p *Planner) detectCycles(all []*task.Task, index map[string]*task.Task) error {
	pending := make(map[string]*task.Task)
	for _, t := range all {
		if t.Status == task.StatusPending {
			pending[t.ID] = t
		}
	}
	if len(pending) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(pending))
	graph := make(map[string][]string)
	for id, t := range pending {
		n := 0
		for _, dep := range t.Dependencies {
			if _, ok := pending[dep]; ok {
				graph[dep] = append(graph[dep], id)
				n++
			}
		}
		inDegree[id] = n
	}

	var queue []string
	for id := range pending {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	processed := make(map[string]bool, len(pending))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed[id] = true
		var next []string
		for _, dependent := range graph[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	for id := range pending {
		if processed[id] {
			continue
		}
		cycleErr := errs.New(errs.DependencyCycle, fmt.Sprintf("task %s is part of a dependency cycle", id), nil)
		mutator := func(clone *task.Task) error {
			clone.LastError = &task.ErrorRecord{Kind: errs.DependencyCycle, Message: cycleErr.Error(), At: time.Now()}
			return nil
		}
		if err := p.store.Transition(id, task.StatusPending, task.StatusFailed, mutator); err != nil {
			slog.Warn("planner: failed to fail cyclic task", "task_id", id, "error", err)
			continue
		}
		p.sink.Emit(events.Event{Type: events.EventTaskFailed, TaskID: id, At: time.Now(), Data: map[string]any{"kind": string(errs.DependencyCycle)}})
	}
	return nil
}

// runReview invokes the reviewer once the graph has fully drained, and
// appends any new tasks it returns. It reports whether any were added.
func (p *Planner) runReview(ctx context.Context) (bool, error) {
	if p.exporter != nil {
		p.exporter.IncReviewRound()
	}
	all := p.store.List(taskstore.Filter{})
	var completed, failed []*task.Task
	for _, t := range all {
		switch t.Status {
		case task.StatusCompleted:
			completed = append(completed, t)
		case task.StatusFailed, task.StatusBlocked:
			failed = append(failed, t)
		}
	}

	newTasks, err := p.reviewer.Review(ctx, completed, failed)
	if err != nil {
		// A malformed review response is a contract violation, not a run
		// failure: log it and treat this round as having added nothing,
		// same as a well-formed empty new_tasks list. Cancellation still
		// propagates so an engine shutdown doesn't hang in the review loop.
		if errs.KindOf(err) == errs.ProtocolError {
			slog.Warn("planner: review pass returned malformed output, skipping", "error", err)
			return false, nil
		}
		return false, err
	}
	if len(newTasks) == 0 {
		return false, nil
	}
	if err := p.store.BatchUpdate(newTasks); err != nil {
		return false, err
	}
	slog.Info("planner: review pass appended tasks", "count", len(newTasks))
	return true, nil
}

// sortDispatchOrder applies the deterministic tie-break from §4.B:
// priority (HIGH before MEDIUM before LOW), then ascending created_at,
// then lexicographic id, to whatever set of tasks is READY at this tick.
// Because the ready set at each tick is exactly Kahn's algorithm's next
// zero-in-degree frontier, sorting it here (rather than computing a
// separate global ordering up front) already produces a single
// deterministic topological order across the whole run.
func sortDispatchOrder(ready []*task.Task) {
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
}

func indexByID(tasks []*task.Task) map[string]*task.Task {
	m := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}
