// Package reviewer implements planner.Reviewer by driving the external LLM
// CLI tool through a review pass: summarize what completed and what failed,
// ask for a structured verdict, and parse it into new tasks to append to
// the graph (spec §9's Open Question, resolved as the "Review-pass output
// contract" in SPEC_FULL.md §12).
//
// Grounded on the teacher's ai/agents/orchestrator/decomposer.go (prompt
// build, LLM call, strict JSON parse with markdown-fence stripping) and
// its TaskPlan contract in ai/agents/orchestrator/types.go.
package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hrygo/taskforge/internal/errs"
	"github.com/hrygo/taskforge/internal/llmtool"
	"github.com/hrygo/taskforge/internal/task"
)

// verdict is the strict JSON contract a review-pass invocation must
// produce on stdout: an analysis line plus zero or more new tasks.
type verdict struct {
	Analysis string        `json:"analysis"`
	NewTasks []verdictTask `json:"new_tasks"`
}

type verdictTask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Reviewer drives one review-pass invocation of tool per Review call,
// paced by limiter so repeated review rounds don't hammer the external
// CLI faster than the operator's configured budget allows.
type Reviewer struct {
	tool    llmtool.Tool
	workDir string
	limiter *rate.Limiter
}

// New builds a Reviewer. ratePerMinute <= 0 disables pacing (every Review
// call runs immediately).
func New(tool llmtool.Tool, workDir string, ratePerMinute float64) *Reviewer {
	var limiter *rate.Limiter
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerMinute/60.0), 1)
	}
	return &Reviewer{tool: tool, workDir: workDir, limiter: limiter}
}

// Review implements planner.Reviewer: it summarizes the run so far,
// invokes the tool with a review prompt, and parses the strict
// {"analysis":"...","new_tasks":[...]} contract into new task.Task values
// with generated ids. A malformed response is a ProtocolError, which the
// planner treats as "no new tasks" rather than aborting the run.
func (r *Reviewer) Review(ctx context.Context, completed, failed []*task.Task) ([]*task.Task, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, errs.New(errs.Cancelled, "review pass rate limiter", err)
		}
	}

	out, err := r.tool.Invoke(ctx, llmtool.Invocation{
		TaskID:  "review",
		WorkDir: r.workDir,
		Prompt:  buildReviewPrompt(completed, failed),
	})
	if err != nil {
		return nil, errs.New(errs.Transient, "review pass invocation", err)
	}

	v, err := parseVerdict(out.Text)
	if err != nil {
		return nil, errs.New(errs.ProtocolError, "review pass output", err)
	}

	tasks := make([]*task.Task, 0, len(v.NewTasks))
	now := time.Now()
	for _, vt := range v.NewTasks {
		tasks = append(tasks, &task.Task{
			ID:           "review_" + uuid.NewString()[:8],
			Title:        vt.Title,
			Description:  vt.Description,
			Priority:     normalizePriority(vt.Priority),
			Dependencies: vt.Dependencies,
			Status:       task.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return tasks, nil
}

func normalizePriority(p string) task.Priority {
	switch strings.ToUpper(p) {
	case string(task.PriorityHigh):
		return task.PriorityHigh
	case string(task.PriorityLow):
		return task.PriorityLow
	default:
		return task.PriorityMedium
	}
}

func buildReviewPrompt(completed, failed []*task.Task) string {
	var b strings.Builder
	b.WriteString("Review the results of this run and decide whether any follow-up work is needed.\n\n")
	b.WriteString(fmt.Sprintf("Completed tasks (%d):\n", len(completed)))
	for _, t := range completed {
		b.WriteString(fmt.Sprintf("- %s: %s\n", t.ID, t.Title))
	}
	b.WriteString(fmt.Sprintf("\nFailed tasks (%d):\n", len(failed)))
	for _, t := range failed {
		msg := ""
		if t.LastError != nil {
			msg = t.LastError.Message
		}
		b.WriteString(fmt.Sprintf("- %s: %s (%s)\n", t.ID, t.Title, msg))
	}
	b.WriteString("\nRespond with exactly one JSON object of the form " +
		`{"analysis": "...", "new_tasks": [{"title": "...", "description": "...", "priority": "HIGH|MEDIUM|LOW", "dependencies": ["..."]}]}` +
		". Respond with no new_tasks if no follow-up work is warranted.\n")
	return b.String()
}

// parseVerdict mirrors the teacher's parseTaskPlan: strip a markdown code
// fence if present, then decode strictly.
func parseVerdict(response string) (*verdict, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var v verdict
	if err := json.Unmarshal([]byte(response), &v); err != nil {
		return nil, fmt.Errorf("decode review verdict: %w", err)
	}
	return &v, nil
}
