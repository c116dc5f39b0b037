package llmtool

import (
	"context"
	"sync"
)

// Scripted is a deterministic test double: each task id maps to a canned
// response (or error), recorded in call order so tests can assert dispatch
// behavior.
type Scripted struct {
	mu sync.Mutex

	// Responses maps task id -> output to return. A task id absent from
	// both maps returns a default empty success.
	Responses map[string]*Output
	// Errors maps task id -> error to return instead of a response. If a
	// slice is provided via ErrorSequence, it takes precedence and is
	// consumed one entry per call (for tests that need an id to fail N
	// times before succeeding).
	Errors map[string]error
	// ErrorSequence lets one task id fail a scripted number of times
	// before the fallback in Responses/Errors is used.
	ErrorSequence map[string][]error

	Calls []Invocation
}

// NewScripted creates an empty Scripted double.
func NewScripted() *Scripted {
	return &Scripted{
		Responses:     make(map[string]*Output),
		Errors:        make(map[string]error),
		ErrorSequence: make(map[string][]error),
	}
}

func (s *Scripted) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, inv)

	if seq, ok := s.ErrorSequence[inv.TaskID]; ok && len(seq) > 0 {
		next := seq[0]
		s.ErrorSequence[inv.TaskID] = seq[1:]
		s.mu.Unlock()
		return nil, next
	}
	if err, ok := s.Errors[inv.TaskID]; ok {
		s.mu.Unlock()
		return nil, err
	}
	if out, ok := s.Responses[inv.TaskID]; ok {
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	return &Output{Text: "ok"}, nil
}

// CallCount returns how many times Invoke was called for taskID.
func (s *Scripted) CallCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c.TaskID == taskID {
			n++
		}
	}
	return n
}
