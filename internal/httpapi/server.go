// Package httpapi exposes the read-only status surface from spec §9:
// /healthz, /metrics, /tasks, and /budget. Grounded on the teacher's echo
// usage in server/router (route groups, labstack/echo/v4/middleware) but
// stripped of auth/gateway machinery this engine has no use for — there is
// no mutation endpoint, so there is nothing here to authenticate.
package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/taskforge/internal/budget"
	"github.com/hrygo/taskforge/internal/metrics"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
)

// Server wires the engine's read-only collaborators to an *echo.Echo.
type Server struct {
	echo      *echo.Echo
	store     *taskstore.Store
	gov       *budget.Governor
	exporter  *metrics.Exporter
	startedAt time.Time
}

// New builds a Server. gov and exporter may be nil if those subsystems are
// disabled for the run.
func New(store *taskstore.Store, gov *budget.Governor, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, store: store, gov: gov, exporter: exporter, startedAt: time.Now()}

	e.GET("/healthz", s.handleHealthz)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}
	e.GET("/tasks", s.handleTasks)
	e.GET("/tasks/:id", s.handleTask)
	e.GET("/budget", s.handleBudget)

	return s
}

// Echo exposes the underlying instance so main can call Start/Shutdown.
func (s *Server) Echo() *echo.Echo { return s.echo }

type healthzResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	})
}

type taskSummary struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Status   task.Status  `json:"status"`
	Priority task.Priority `json:"priority"`
	Attempts int          `json:"attempts"`
}

func (s *Server) handleTasks(c echo.Context) error {
	var filter taskstore.Filter
	if statusParam := c.QueryParam("status"); statusParam != "" {
		filter.Statuses = []task.Status{task.Status(statusParam)}
	}
	tasks := s.store.List(filter)
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{ID: t.ID, Title: t.Title, Status: t.Status, Priority: t.Priority, Attempts: t.Attempts})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleTask(c echo.Context) error {
	t, err := s.store.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, t)
}

type budgetResponse struct {
	TokensUsed int64 `json:"tokens_used"`
	TotalLimit int64 `json:"total_limit"`
	Exhausted  bool  `json:"exhausted"`
}

func (s *Server) handleBudget(c echo.Context) error {
	if s.gov == nil {
		return c.JSON(http.StatusOK, echo.Map{"enabled": false})
	}
	return c.JSON(http.StatusOK, budgetResponse{
		TokensUsed: s.gov.TokensUsed(),
		TotalLimit: s.gov.TotalLimit(),
		Exhausted:  s.gov.Exhausted(),
	})
}
