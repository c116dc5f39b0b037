package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/taskforge/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateActivateComplete(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "first step", []byte("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State)

	rec, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)

	rec, err = s.Complete(rec.CheckpointID, []byte("final"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, []byte("final"), rec.Data)
}

func TestCreateRejectsDuplicateCheckpointID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.createWithID("cp_fixed_1", "task-1", 1, "step", nil, "")
	require.NoError(t, err)

	_, err = s.createWithID("cp_fixed_1", "task-1", 1, "step again", nil, "")
	require.Error(t, err)
	c, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Conflict, c.Kind)
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)

	// CREATED -> COMPLETED is not permitted; must go through ACTIVE.
	_, err = s.Complete(rec.CheckpointID, nil)
	assert.Error(t, err)
}

func TestFailThenRestoreThenActivate(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)
	rec, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)

	rec, err = s.Fail(rec.CheckpointID, assertErr("boom"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "boom", rec.Error)

	rec, err = s.Restore(rec.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, rec.State)

	rec, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
}

func TestRestoreFromActiveSimulatesCrash(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)
	rec, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)

	rec, err = s.Restore(rec.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, rec.State)
}

func TestLatestNonCompleted(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Create("task-1", 1, "step 1", nil, "")
	require.NoError(t, err)
	_, err = s.Activate(first.CheckpointID)
	require.NoError(t, err)
	_, err = s.Complete(first.CheckpointID, nil)
	require.NoError(t, err)

	second, err := s.Create("task-1", 2, "step 2", nil, first.CheckpointID)
	require.NoError(t, err)
	_, err = s.Activate(second.CheckpointID)
	require.NoError(t, err)

	latest, err := s.LatestNonCompleted("task-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.CheckpointID, latest.CheckpointID)
}

func TestLatestNonCompletedAllCompleted(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)
	_, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)
	_, err = s.Complete(rec.CheckpointID, nil)
	require.NoError(t, err)

	latest, err := s.LatestNonCompleted("task-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestChecksumMismatchIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", []byte("original"), "")
	require.NoError(t, err)

	// Rewrite the payload but keep the checksum computed for "original".
	path := filepath.Join(s.root, "active", rec.CheckpointID)
	onDisk, err := s.readRecordFile(path)
	require.NoError(t, err)
	onDisk.Data = []byte("tampered")
	tampered, err := yaml.Marshal(onDisk)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = s.findLocked(rec.CheckpointID)
	require.Error(t, err)
	c, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CorruptCheckpoint, c.Kind)
}

func TestGCRemovesOldCompletedOnly(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)
	_, err = s.Activate(rec.CheckpointID)
	require.NoError(t, err)
	_, err = s.Complete(rec.CheckpointID, nil)
	require.NoError(t, err)

	// Backdate the file's CreatedAt by rewriting it directly.
	path := filepath.Join(s.root, "completed", rec.CheckpointID)
	old, err := s.readRecordFile(path)
	require.NoError(t, err)
	old.CreatedAt = time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, s.writeRecordLocked(old, StateCompleted, false))

	removed, err := s.GC(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Create("task-1", 1, "step", nil, "")
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	latest, err := s2.Latest("task-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "task-1", latest.TaskID)
}

// assertErr is a tiny helper to build a plain error without importing
// "errors" solely for one test.
func assertErr(msg string) error { return simpleErr(msg) }

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
