// Package events defines the two observer ports named in spec §2/§9: a
// ProgressSink watching state transitions, and an EventSink receiving
// terminal events. Both are out-of-scope collaborators per §1 — the engine
// only depends on the interface, never a concrete transport.
package events

import "time"

// Event is one terminal notification: a task finishing, the budget
// crossing its warning threshold, or the engine shutting down.
type Event struct {
	Type    string
	TraceID string
	TaskID  string
	At      time.Time
	Data    map[string]any
}

// Well-known event types emitted by the engine.
const (
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskBlocked    = "task_blocked"
	EventBudgetWarning  = "budget_warning"
	EventBudgetExhausted = "budget_exhausted"
	EventShutdown       = "shutdown"
)

// Sink receives terminal events for delivery to an external collaborator
// (webhook, email, chat bot). Implementations must not block the caller for
// long; slow sinks should buffer internally.
type Sink interface {
	Emit(Event)
}

// ProgressUpdate describes one status transition for a live-progress
// observer.
type ProgressUpdate struct {
	TaskID string
	From   string
	To     string
	At     time.Time
}

// ProgressSink observes state transitions as they happen. The engine ships
// only a no-op implementation; terminal rendering is explicitly out of
// scope (spec §1).
type ProgressSink interface {
	Observe(ProgressUpdate)
}

// NoopSink discards every event. It's the default when no EventSink is
// configured.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

// NoopProgressSink discards every update.
type NoopProgressSink struct{}

func (NoopProgressSink) Observe(ProgressUpdate) {}

// Recorder is a Sink + ProgressSink that records everything it receives,
// used by tests that need to assert on engine-emitted events.
type Recorder struct {
	Events  []Event
	Updates []ProgressUpdate
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(e Event) { r.Events = append(r.Events, e) }

func (r *Recorder) Observe(u ProgressUpdate) { r.Updates = append(r.Updates, u) }
