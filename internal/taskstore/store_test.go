package taskstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.yaml"))
	require.NoError(t, err)
	return s
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.List(Filter{}))
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	tk := &task.Task{ID: "a", Title: "Task A"}
	require.NoError(t, s.Put(tk))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "Task A", got.Title)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPutRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	tk := &task.Task{ID: "b", Dependencies: []string{"missing"}}
	assert.Error(t, s.Put(tk))
}

func TestBatchUpdateAllowsInternalForwardRefs(t *testing.T) {
	s := newTestStore(t)
	a := &task.Task{ID: "a", Dependencies: []string{"b"}}
	b := &task.Task{ID: "b"}
	require.NoError(t, s.BatchUpdate([]*task.Task{a, b}))
	assert.Len(t, s.List(Filter{}), 2)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionHappyPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	require.NoError(t, s.Transition("a", task.StatusPending, task.StatusReady, nil))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.EqualValues(t, 1, got.Version)
}

func TestTransitionMutator(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	require.NoError(t, s.Transition("a", task.StatusPending, task.StatusReady, nil))
	require.NoError(t, s.Transition("a", task.StatusReady, task.StatusRunning, nil))

	err := s.Transition("a", task.StatusRunning, task.StatusCompleted, func(t *task.Task) error {
		t.Result = &task.Result{Text: "done"}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Text)
}

func TestTransitionNoOpSucceeds(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	require.NoError(t, s.Transition("a", task.StatusPending, task.StatusPending, nil))
}

func TestTransitionInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	err := s.Transition("a", task.StatusPending, task.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionCASMismatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	require.NoError(t, s.Transition("a", task.StatusPending, task.StatusReady, nil))

	// Caller still believes the task is Pending; another writer already
	// moved it to Ready.
	err := s.Transition("a", task.StatusPending, task.StatusReady, nil)
	assert.ErrorIs(t, err, ErrCASMismatch)
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Transition("missing", task.StatusPending, task.StatusReady, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(&task.Task{ID: "a", Title: "hello"}))

	s2, err := Open(path)
	require.NoError(t, err)
	got, err := s2.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Title)
}

func TestOpenCorruptedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenRejectsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	doc := "tasks:\n  - id: a\n    status: WEIRD\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.Equal(t, errs.ConfigurationError, errs.KindOf(err))
}

func TestListFilterByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&task.Task{ID: "a"}))
	require.NoError(t, s.Put(&task.Task{ID: "b"}))
	require.NoError(t, s.Transition("a", task.StatusPending, task.StatusReady, nil))

	ready := s.List(Filter{Statuses: []task.Status{task.StatusReady}})
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}
