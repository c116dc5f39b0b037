// Package taskstore implements the durable, keyed task collection described
// in spec §4.A: a human-readable file, loaded once at startup and flushed
// after every mutation, with optimistic-CAS transitions guarded by a
// bounded retry loop.
package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/task"
)

// ErrNotFound is returned by Get/Transition when the id isn't in the store.
var ErrNotFound = errors.New("taskstore: task not found")

// ErrInvalidTransition is returned when from->to isn't in the permitted set.
var ErrInvalidTransition = errors.New("taskstore: invalid status transition")

// ErrCASMismatch is returned when the task's current status no longer
// equals the caller's expected `from` — another writer already moved it.
// Callers (executors racing for the same READY task) treat this as "lost
// the race", not a failure.
var ErrCASMismatch = errors.New("taskstore: task status no longer matches expected value")

const casAttempts = 3

// fileDocument is the on-disk shape: a flat, human-readable list of tasks.
type fileDocument struct {
	Tasks []*task.Task `yaml:"tasks"`
}

// Store is the single mutable collection of tasks. All access is guarded by
// mu; mutations are flushed to disk before the call returns, so a crash
// never loses an acknowledged write.
type Store struct {
	mu    sync.Mutex
	path  string
	index map[string]*task.Task
}

// Open loads the store from path, creating an empty store if the file
// doesn't exist yet. A corrupted file is a fatal error — per §4.A there is
// no silent recovery.
func Open(path string) (*Store, error) {
	s := &Store{path: path, index: make(map[string]*task.Task)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, pkgerrors.Wrap(err, "taskstore: create store directory")
		}
		return s, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "taskstore: read store file")
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, pkgerrors.Wrapf(err, "taskstore: corrupted store file %s", path)
	}
	for _, t := range doc.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("taskstore: corrupted store file %s: task with empty id", path)
		}
		if !t.Status.IsValid() {
			return nil, errs.New(errs.ConfigurationError, fmt.Sprintf("taskstore: corrupted store file %s: task %s has unknown status %q", path, t.ID, t.Status), nil)
		}
		s.index[t.ID] = t
	}
	return s, nil
}

// Get returns a clone of the task with the given id.
func (s *Store) Get(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Put inserts or overwrites a task. Dependencies must already resolve to
// tasks present in the store (§3's invariant); use BatchUpdate to insert a
// mutually-referencing group atomically.
func (s *Store) Put(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range t.Dependencies {
		if _, ok := s.index[dep]; !ok && dep != t.ID {
			return fmt.Errorf("taskstore: task %s depends on unknown task %s", t.ID, dep)
		}
	}

	now := time.Now()
	clone := t.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.index[clone.ID] = clone
	return s.persistLocked()
}

// BatchUpdate atomically inserts/overwrites a group of tasks whose
// dependencies may reference each other within the same batch.
func (s *Store) BatchUpdate(tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchIDs := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		batchIDs[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if batchIDs[dep] {
				continue
			}
			if _, ok := s.index[dep]; !ok {
				return fmt.Errorf("taskstore: task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	now := time.Now()
	for _, t := range tasks {
		clone := t.Clone()
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		s.index[clone.ID] = clone
	}
	return s.persistLocked()
}

// Filter narrows List's result set. A nil/zero field means "don't filter
// on this dimension".
type Filter struct {
	Statuses  []task.Status
	Predicate func(*task.Task) bool
}

func (f Filter) match(t *task.Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if t.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Predicate != nil && !f.Predicate(t) {
		return false
	}
	return true
}

// List returns clones of every task matching filter, ordered by id for
// determinism (callers needing dispatch order use the planner, not this).
func (s *Store) List(filter Filter) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.index))
	for _, t := range s.index {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutator customizes a transition beyond the status change itself (e.g.
// recording a result or error). It mutates the clone in place.
type Mutator func(*task.Task) error

// Transition moves a task from `from` to `to`, applying mutator first.
// A same-state transition (from == to) on a task in that state is a no-op
// success (§8 idempotence). A mismatch between the task's current status
// and `from` returns ErrCASMismatch at once; this is the race two
// executors hit when both try to claim the same READY task. A concurrent
// write that bumps the task's Version between the read and the write is
// retried up to casAttempts times (optimistic CAS against Version) before
// surfacing a Conflict error.
func (s *Store) Transition(id string, from, to task.Status, mutator Mutator) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		s.mu.Lock()
		cur, ok := s.index[id]
		if !ok {
			s.mu.Unlock()
			return ErrNotFound
		}
		curClone := cur.Clone()
		s.mu.Unlock()

		if curClone.Status != from {
			return ErrCASMismatch
		}
		if from == to {
			return nil // idempotent no-op
		}
		if !task.CanTransition(from, to) {
			return ErrInvalidTransition
		}

		mutated := curClone
		if mutator != nil {
			if err := mutator(mutated); err != nil {
				return err
			}
		}
		mutated.Status = to
		mutated.UpdatedAt = time.Now()
		expectedVersion := curClone.Version
		mutated.Version = expectedVersion + 1

		s.mu.Lock()
		latest, ok := s.index[id]
		if !ok {
			s.mu.Unlock()
			return ErrNotFound
		}
		if latest.Version != expectedVersion {
			s.mu.Unlock()
			continue // lost the optimistic race; retry
		}
		s.index[id] = mutated
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return pkgerrors.Wrap(err, "taskstore: persist after transition")
		}
		return nil
	}
	return errs.New(errs.Conflict, fmt.Sprintf("task %s: exceeded %d CAS attempts", id, casAttempts), nil)
}

// persistLocked writes the index to disk atomically (write-to-tempfile,
// then rename). Callers must hold s.mu.
func (s *Store) persistLocked() error {
	doc := fileDocument{Tasks: make([]*task.Task, 0, len(s.index))}
	for _, t := range s.index {
		doc.Tasks = append(doc.Tasks, t)
	}
	sort.Slice(doc.Tasks, func(i, j int) bool { return doc.Tasks[i].ID < doc.Tasks[j].ID })

	data, err := yaml.Marshal(doc)
	if err != nil {
		return pkgerrors.Wrap(err, "taskstore: marshal store")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.tmp")
	if err != nil {
		return pkgerrors.Wrap(err, "taskstore: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "taskstore: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "taskstore: close temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return pkgerrors.Wrap(err, "taskstore: rename temp file into place")
	}
	return nil
}
