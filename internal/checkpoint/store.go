package checkpoint

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/taskforge/internal/errs"
)

const indexFileName = "index"

func stateDir(state State) string {
	switch state {
	case StateActive, StateCreated, StateRestored:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "active"
	}
}

// Store is the file-backed checkpoint collection rooted at Root, partitioned
// into active/ completed/ failed/ per §6's checkpoint layout.
type Store struct {
	mu    sync.Mutex
	root  string
	index map[string][]string // task_id -> ordered checkpoint ids
}

// Open creates the directory layout if needed and loads the index.
func Open(root string) (*Store, error) {
	s := &Store{root: root, index: make(map[string][]string)}
	for _, d := range []string{"active", "completed", "failed"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "checkpoint: create %s dir", d)
		}
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	path := filepath.Join(s.root, indexFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(err, "checkpoint: open index")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			// Malformed line: rebuild from the checkpoint files themselves
			// rather than trust a partially-written index.
			return s.rebuildIndexLocked()
		}
		s.index[parts[0]] = append(s.index[parts[0]], parts[1])
	}
	if err := scanner.Err(); err != nil {
		return pkgerrors.Wrap(err, "checkpoint: scan index")
	}
	return nil
}

// rebuildIndexLocked reconstructs the index from the checkpoint files on
// disk, per §4.E: "the index is rebuilt from scratch on a consistency-check
// failure."
func (s *Store) rebuildIndexLocked() error {
	s.index = make(map[string][]string)
	var all []*Record
	for _, dir := range []string{"active", "completed", "failed"} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return pkgerrors.Wrapf(err, "checkpoint: list %s dir", dir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			rec, err := s.readRecordFile(filepath.Join(s.root, dir, e.Name()))
			if err != nil {
				continue // skip unreadable/corrupt files; they just won't be indexed
			}
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, rec := range all {
		s.index[rec.TaskID] = append(s.index[rec.TaskID], rec.CheckpointID)
	}
	return s.appendIndexFullLocked()
}

// appendIndexFullLocked rewrites the index file from the in-memory index.
// The index itself is documented as append-only in normal operation; a full
// rewrite only happens during an explicit rebuild.
func (s *Store) appendIndexFullLocked() error {
	var sb strings.Builder
	taskIDs := make([]string, 0, len(s.index))
	for id := range s.index {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, taskID := range taskIDs {
		for _, cpID := range s.index[taskID] {
			sb.WriteString(taskID)
			sb.WriteByte(' ')
			sb.WriteString(cpID)
			sb.WriteByte('\n')
		}
	}
	return atomicWrite(filepath.Join(s.root, indexFileName), []byte(sb.String()))
}

func (s *Store) appendIndexEntryLocked(taskID, cpID string) error {
	s.index[taskID] = append(s.index[taskID], cpID)
	f, err := os.OpenFile(filepath.Join(s.root, indexFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return pkgerrors.Wrap(err, "checkpoint: open index for append")
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", taskID, cpID)
	return err
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, pkgerrors.Wrapf(err, "checkpoint: corrupt file %s", path)
	}
	if checksum(rec.Data) != rec.Checksum {
		return nil, errs.New(errs.CorruptCheckpoint, fmt.Sprintf("checksum mismatch for %s", rec.CheckpointID), nil)
	}
	return &rec, nil
}

func recordPath(root string, state State, cpID string) string {
	return filepath.Join(root, stateDir(state), cpID)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cp-*.tmp")
	if err != nil {
		return pkgerrors.Wrap(err, "checkpoint: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return pkgerrors.Wrap(err, "checkpoint: rename temp file into place")
	}
	return nil
}

func (s *Store) writeRecordLocked(rec *Record, previousState State, isNew bool) error {
	rec.Checksum = checksum(rec.Data)
	data, err := yaml.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "checkpoint: marshal record")
	}
	newPath := recordPath(s.root, rec.State, rec.CheckpointID)
	if err := atomicWrite(newPath, data); err != nil {
		return err
	}
	if !isNew && stateDir(previousState) != stateDir(rec.State) {
		_ = os.Remove(recordPath(s.root, previousState, rec.CheckpointID))
	}
	return nil
}

// Create creates a checkpoint in the CREATED state for task/step, recording
// the parent checkpoint id if this step continues a prior one.
func (s *Store) Create(taskID string, step int, description string, data []byte, parent string) (*Record, error) {
	return s.createWithID(NewID(taskID, step, time.Now()), taskID, step, description, data, parent)
}

// createWithID is Create with the checkpoint id supplied by the caller
// instead of generated, so tests can force the id-collision path that
// NewID's random suffix makes practically unreachable otherwise.
func (s *Store) createWithID(cpID, taskID string, step int, description string, data []byte, parent string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.existsLocked(cpID) {
		return nil, errs.New(errs.Conflict, fmt.Sprintf("checkpoint %s already recorded", cpID), nil)
	}

	now := time.Now()
	rec := &Record{
		CheckpointID:       cpID,
		TaskID:             taskID,
		StepNumber:         step,
		StepDescription:    description,
		State:              StateCreated,
		Data:               data,
		ParentCheckpointID: parent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.writeRecordLocked(rec, "", true); err != nil {
		return nil, err
	}
	if err := s.appendIndexEntryLocked(taskID, rec.CheckpointID); err != nil {
		return nil, err
	}
	return rec, nil
}

// transition loads rec, validates from->to, applies mutate, persists,
// and moves the file between state directories if needed.
func (s *Store) transition(cpID string, to State, mutate func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.findLocked(cpID)
	if err != nil {
		return nil, err
	}
	from := rec.State
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("checkpoint: invalid transition %s -> %s for %s", from, to, cpID)
	}
	rec.State = to
	rec.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(rec)
	}
	if err := s.writeRecordLocked(rec, from, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// Activate transitions CREATED->ACTIVE (first step of execution) or
// RESTORED->ACTIVE (resuming after a crash).
func (s *Store) Activate(cpID string) (*Record, error) {
	return s.transition(cpID, StateActive, nil)
}

// Update overwrites the data payload of an ACTIVE checkpoint without
// changing its state.
func (s *Store) Update(cpID string, data []byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.findLocked(cpID)
	if err != nil {
		return nil, err
	}
	if rec.State != StateActive {
		return nil, fmt.Errorf("checkpoint: cannot update %s checkpoint %s", rec.State, cpID)
	}
	rec.Data = data
	rec.UpdatedAt = time.Now()
	if err := s.writeRecordLocked(rec, rec.State, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// Complete transitions ACTIVE->COMPLETED with the final data payload.
func (s *Store) Complete(cpID string, finalData []byte) (*Record, error) {
	return s.transition(cpID, StateCompleted, func(r *Record) { r.Data = finalData })
}

// Fail transitions ACTIVE->FAILED, recording the error.
func (s *Store) Fail(cpID string, cause error) (*Record, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(cpID, StateFailed, func(r *Record) { r.Error = msg })
}

// Restore implements the resume path: an ACTIVE checkpoint found at startup
// represents a run that crashed mid-task, so it is first failed (ACTIVE ->
// FAILED, simulating the crash) and then moved FAILED -> RESTORED, which is
// the only pair of transitions §3's table actually permits into RESTORED.
func (s *Store) Restore(cpID string) (*Record, error) {
	s.mu.Lock()
	rec, err := s.findLocked(cpID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if rec.State == StateActive {
		if _, err := s.Fail(cpID, fmt.Errorf("checkpoint: engine restarted mid-task")); err != nil {
			return nil, err
		}
	}
	return s.transition(cpID, StateRestored, nil)
}

// existsLocked reports whether cpID is already recorded, across any of the
// three state directories — §8's "recording the same checkpoint id twice
// is rejected" property.
func (s *Store) existsLocked(cpID string) bool {
	for _, dir := range []string{"active", "completed", "failed"} {
		if _, err := os.Stat(filepath.Join(s.root, dir, cpID)); err == nil {
			return true
		}
	}
	return false
}

func (s *Store) findLocked(cpID string) (*Record, error) {
	for _, dir := range []string{"active", "completed", "failed"} {
		path := filepath.Join(s.root, dir, cpID)
		if _, err := os.Stat(path); err == nil {
			return s.readRecordFile(path)
		}
	}
	return nil, fmt.Errorf("checkpoint: %s not found", cpID)
}

// Latest returns the most recently created checkpoint for a task, or nil if
// none exists.
func (s *Store) Latest(taskID string) (*Record, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.index[taskID]...)
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	return s.findLocked(ids[len(ids)-1])
}

// LatestNonCompleted returns the most recent checkpoint for taskID whose
// state isn't COMPLETED, used by the resume protocol (§4.E) to find the
// snapshot describing where a crashed run left off.
func (s *Store) LatestNonCompleted(taskID string) (*Record, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.index[taskID]...)
	s.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := s.findLocked(ids[i])
		if err != nil {
			continue
		}
		if rec.State != StateCompleted {
			return rec, nil
		}
	}
	return nil, nil
}

// ListFilter narrows List's result set.
type ListFilter struct {
	TaskID string
	States []State
}

func (f ListFilter) match(r *Record) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if r.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// List returns every checkpoint matching filter across all three dirs.
func (s *Store) List(filter ListFilter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, dir := range []string{"active", "completed", "failed"} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "checkpoint: list %s dir", dir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			rec, err := s.readRecordFile(filepath.Join(s.root, dir, e.Name()))
			if err != nil {
				return nil, err
			}
			if filter.match(rec) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GC deletes completed/failed checkpoints older than maxAge, per §3:
// "garbage-collected by age (default 30 days, completed/failed only)".
func (s *Store) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, dir := range []string{"completed", "failed"} {
		s.mu.Lock()
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			s.mu.Unlock()
			return removed, pkgerrors.Wrapf(err, "checkpoint: list %s dir", dir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(s.root, dir, e.Name())
			rec, err := s.readRecordFile(path)
			if err != nil {
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}
