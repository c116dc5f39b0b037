package planner

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/events"
	"github.com/hrygo/taskforge/internal/metrics"
	"github.com/hrygo/taskforge/internal/retry"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
)

// fakeDispatcher records submission order and lets tests drive settlement
// without a real executor pool.
type fakeDispatcher struct {
	mu       sync.Mutex
	store    *taskstore.Store
	order    []string
	settled  chan SettledEvent
	running  map[string]bool
	autoSucceed bool
}

func newFakeDispatcher(store *taskstore.Store) *fakeDispatcher {
	return &fakeDispatcher{store: store, settled: make(chan SettledEvent, 64), running: make(map[string]bool)}
}

func (f *fakeDispatcher) Submit(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.order = append(f.order, taskID)
	f.running[taskID] = true
	auto := f.autoSucceed
	f.mu.Unlock()

	if err := f.store.Transition(taskID, task.StatusReady, task.StatusRunning, func(c *task.Task) error {
		c.Attempts++
		return nil
	}); err != nil {
		return err
	}
	if auto {
		if err := f.store.Transition(taskID, task.StatusRunning, task.StatusCompleted, func(c *task.Task) error {
			c.Result = &task.Result{Text: "ok"}
			return nil
		}); err != nil {
			return err
		}
		f.mu.Lock()
		delete(f.running, taskID)
		f.mu.Unlock()
		f.settled <- SettledEvent{TaskID: taskID, Status: task.StatusCompleted}
	}
	return nil
}

func (f *fakeDispatcher) Settled() <-chan SettledEvent { return f.settled }

func (f *fakeDispatcher) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running) == 0
}

func (f *fakeDispatcher) complete(taskID string) error {
	if err := f.store.Transition(taskID, task.StatusRunning, task.StatusCompleted, func(c *task.Task) error {
		c.Result = &task.Result{Text: "ok"}
		return nil
	}); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.running, taskID)
	f.mu.Unlock()
	f.settled <- SettledEvent{TaskID: taskID, Status: task.StatusCompleted}
	return nil
}

func (f *fakeDispatcher) fail(taskID string, kind errs.Kind) error {
	if err := f.store.Transition(taskID, task.StatusRunning, task.StatusFailed, func(c *task.Task) error {
		c.LastError = &task.ErrorRecord{Kind: kind, Message: "boom", At: time.Now()}
		return nil
	}); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.running, taskID)
	f.mu.Unlock()
	f.settled <- SettledEvent{TaskID: taskID, Status: task.StatusFailed}
	return nil
}

func newStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)
	return s
}

func putTask(t *testing.T, s *taskstore.Store, id string, prio task.Priority, deps []string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.Put(&task.Task{ID: id, Priority: prio, Dependencies: deps, CreatedAt: createdAt}))
}

func TestPlannerLinearChainDispatchesInOrder(t *testing.T) {
	s := newStore(t)
	base := time.Now()
	putTask(t, s, "a", task.PriorityMedium, nil, base)
	putTask(t, s, "b", task.PriorityMedium, []string{"a"}, base.Add(time.Second))
	putTask(t, s, "c", task.PriorityMedium, []string{"b"}, base.Add(2*time.Second))

	d := newFakeDispatcher(s)
	d.autoSucceed = true

	p := New(s, nil, nil, nil, Config{ReviewDepthLimit: 0, Retry: retry.DefaultConfig()}, rand.New(rand.NewSource(1)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, d))

	assert.Equal(t, []string{"a", "b", "c"}, d.order)
}

func TestPlannerTieBreakByPriorityThenCreatedAtThenID(t *testing.T) {
	s := newStore(t)
	base := time.Now()
	// All three ready simultaneously (no deps); priority/created_at/id decide order.
	putTask(t, s, "z", task.PriorityLow, nil, base)
	putTask(t, s, "y", task.PriorityHigh, nil, base.Add(time.Second))
	putTask(t, s, "x", task.PriorityHigh, nil, base)

	d := newFakeDispatcher(s)
	d.autoSucceed = true
	p := New(s, nil, nil, nil, Config{Retry: retry.DefaultConfig()}, rand.New(rand.NewSource(1)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, d))

	assert.Equal(t, []string{"x", "y", "z"}, d.order)
}

func TestPlannerCascadesBlockedOnPermanentFailure(t *testing.T) {
	s := newStore(t)
	base := time.Now()
	putTask(t, s, "a", task.PriorityMedium, nil, base)
	putTask(t, s, "b", task.PriorityMedium, []string{"a"}, base.Add(time.Second))

	d := newFakeDispatcher(s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recorder := events.NewRecorder()
	cfg := Config{Retry: retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}}
	p := New(s, recorder, recorder, nil, cfg, rand.New(rand.NewSource(1)), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, d) }()

	// Wait for "a" to be submitted, then fail it permanently (no retries left).
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.order) == 1 && d.order[0] == "a"
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, d.fail("a", errs.ValidationFailure))

	require.NoError(t, <-done)

	bt, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, bt.Status)

	var sawBlocked bool
	for _, e := range recorder.Events {
		if e.Type == events.EventTaskBlocked && e.TaskID == "b" {
			sawBlocked = true
		}
	}
	assert.True(t, sawBlocked)
}

func TestPlannerRetriesTransientFailureThenSucceeds(t *testing.T) {
	s := newStore(t)
	putTask(t, s, "a", task.PriorityMedium, nil, time.Now())

	d := newFakeDispatcher(s)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := Config{Retry: retry.Config{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}}
	p := New(s, nil, nil, nil, cfg, rand.New(rand.NewSource(1)), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, d) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.order) >= 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.fail("a", errs.Transient))

	// Second attempt: let it succeed this time.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.order) >= 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.complete("a"))

	require.NoError(t, <-done)
	final, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func TestPlannerDetectsCycleAndFailsMembers(t *testing.T) {
	s := newStore(t)
	base := time.Now()
	putTask(t, s, "p", task.PriorityMedium, []string{"q"}, base)
	putTask(t, s, "q", task.PriorityMedium, []string{"p"}, base)
	putTask(t, s, "r", task.PriorityMedium, nil, base)

	d := newFakeDispatcher(s)
	d.autoSucceed = true
	p := New(s, nil, nil, nil, Config{Retry: retry.DefaultConfig()}, rand.New(rand.NewSource(1)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, d))

	pt, err := s.Get("p")
	require.NoError(t, err)
	qt, err := s.Get("q")
	require.NoError(t, err)
	rt, err := s.Get("r")
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, pt.Status)
	assert.Equal(t, errs.DependencyCycle, pt.LastError.Kind)
	assert.Equal(t, task.StatusFailed, qt.Status)
	assert.Equal(t, task.StatusCompleted, rt.Status)
}

type stubReviewer struct {
	calls   int
	newTask *task.Task
}

func (r *stubReviewer) Review(ctx context.Context, completed, failed []*task.Task) ([]*task.Task, error) {
	r.calls++
	if r.calls == 1 && r.newTask != nil {
		nt := r.newTask
		r.newTask = nil
		return []*task.Task{nt}, nil
	}
	return nil, nil
}

func TestPlannerReviewPassAppendsTask(t *testing.T) {
	s := newStore(t)
	putTask(t, s, "a", task.PriorityMedium, nil, time.Now())

	d := newFakeDispatcher(s)
	d.autoSucceed = true
	reviewer := &stubReviewer{newTask: &task.Task{ID: "followup"}}
	p := New(s, nil, nil, reviewer, Config{ReviewDepthLimit: 3, Retry: retry.DefaultConfig()}, rand.New(rand.NewSource(1)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, d))

	assert.Equal(t, 2, reviewer.calls)
	ft, err := s.Get("followup")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, ft.Status)
}

func TestPlannerRecordsQueueDepthAndReviewRounds(t *testing.T) {
	s := newStore(t)
	putTask(t, s, "a", task.PriorityMedium, nil, time.Now())

	d := newFakeDispatcher(s)
	d.autoSucceed = true
	reviewer := &stubReviewer{}
	exporter := metrics.New()
	p := New(s, nil, nil, reviewer, Config{ReviewDepthLimit: 1, Retry: retry.DefaultConfig()}, rand.New(rand.NewSource(1)), exporter)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, d))

	reviewCount, err := testutil.GatherAndCount(exporter.Registry(), "taskforge_review_rounds_total")
	require.NoError(t, err)
	assert.Equal(t, 1, reviewCount)

	queueCount, err := testutil.GatherAndCount(exporter.Registry(), "taskforge_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, queueCount)
}
