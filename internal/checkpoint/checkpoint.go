// Package checkpoint implements the durable per-step execution snapshots
// described in spec §4.E: one file per checkpoint, partitioned by state,
// plus an append-only task_id → checkpoint ids index, and the resume
// protocol that decides whether a crashed task continues or fails stale.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// State is a checkpoint's lifecycle stage.
type State string

const (
	StateCreated   State = "CREATED"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateRestored  State = "RESTORED"
)

var validTransitions = map[State]map[State]bool{
	StateCreated:   {StateActive: true},
	StateActive:    {StateCompleted: true, StateFailed: true},
	StateCompleted: {},
	StateFailed:    {StateRestored: true},
	StateRestored:  {StateActive: true},
}

// CanTransition reports whether from->to is in the permitted set. Same-state
// is not special-cased here (unlike task.Status) — §3 lists an exhaustive
// set and repeating a state isn't one of them.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Record is a durable snapshot of one execution step of one task.
type Record struct {
	CheckpointID        string    `yaml:"checkpoint_id"`
	TaskID               string    `yaml:"task_id"`
	StepNumber           int       `yaml:"step_number"`
	TotalSteps           int       `yaml:"total_steps,omitempty"`
	StepDescription      string    `yaml:"step_description"`
	State                State     `yaml:"state"`
	Data                 []byte    `yaml:"data,omitempty"`
	Error                string    `yaml:"error,omitempty"`
	Checksum             string    `yaml:"checksum"`
	ParentCheckpointID   string    `yaml:"parent_checkpoint_id,omitempty"`
	CreatedAt            time.Time `yaml:"created_at"`
	UpdatedAt            time.Time `yaml:"updated_at"`
}

// NewID generates a checkpoint id in the cp_{task_id}_{step}_{timestamp}
// shape from §3, with a short random tiebreak suffix so two checkpoints
// created for the same task/step in the same millisecond never collide.
func NewID(taskID string, step int, at time.Time) string {
	return fmt.Sprintf("cp_%s_%d_%d_%s", taskID, step, at.UnixMilli(), shortuuid.New()[:6])
}
