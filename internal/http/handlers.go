package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/archive"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	services := map[string]string{"orchestrator": "ok"}
	if s.archive != nil {
		services["archive"] = "ok"
	}
	if s.events != nil {
		services["events"] = "ok"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:   "ok",
		Version:  s.version,
		Services: services,
		Tasks:    countsByName(s.orch.Tasks()),
		Messages: s.orch.Graph().Len(),
	})
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks := s.orch.Tasks()
	if c.QueryParam("archived") == "true" && s.archive != nil {
		archived, err := s.archive.Tasks(c.Request().Context(), queryInt(c, "limit", 0))
		if err != nil {
			return s.httpError(err)
		}
		tasks = mergeTasks(tasks, archived)
	}
	return c.JSON(http.StatusOK, TaskListResponse{
		Tasks:  tasks,
		Counts: countsByName(tasks),
	})
}

// handleStartTask starts a task and returns it without waiting.
func (s *Server) handleStartTask(c echo.Context) error {
	var req StartTaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := s.orch.Start(c.Request().Context(), req.Description)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusAccepted, TaskResponse{Task: task})
}

func (s *Server) handleGetTask(c echo.Context) error {
	id := c.Param("id")
	task, err := s.orch.Task(id)
	if err == nil {
		return c.JSON(http.StatusOK, TaskResponse{Task: task})
	}
	if s.archive == nil || !errors.Is(err, orchestrator.ErrTaskNotFound) {
		return s.httpError(err)
	}
	task, err = s.archive.Task(c.Request().Context(), id)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, TaskResponse{Task: task, Archived: true})
}

func (s *Server) handleStopTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.orch.Stop(id); err != nil {
		return s.httpError(err)
	}
	task, err := s.orch.Task(id)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusAccepted, TaskResponse{Task: task})
}

func (s *Server) handleEvictTask(c echo.Context) error {
	if err := s.orch.Evict(c.Request().Context(), c.Param("id")); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMessages(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.orch.Messages(id)
	if err == nil {
		return c.JSON(http.StatusOK, MessagesResponse{TaskID: id, Messages: nonNil(msgs)})
	}
	if s.archive == nil || !errors.Is(err, orchestrator.ErrTaskNotFound) {
		return s.httpError(err)
	}
	ctx := c.Request().Context()
	if _, err := s.archive.Task(ctx, id); err != nil {
		return s.httpError(err)
	}
	msgs, err = s.archive.Messages(ctx, id)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, MessagesResponse{TaskID: id, Messages: nonNil(msgs), Archived: true})
}

// handleMemory returns the memory snapshot and its rendered context. The
// before query parameter limits phase summaries, defaulting to all.
func (s *Server) handleMemory(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	task, err := s.orch.Task(id)
	if err != nil {
		return s.httpError(err)
	}
	mem, err := s.orch.Memory(ctx, id)
	if err != nil {
		return s.httpError(err)
	}
	rendered, err := s.orch.CompressedContext(ctx, id, queryInt(c, "before", len(task.Phases)+1))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, MemoryResponse{
		TaskID:            id,
		Memory:            mem,
		CompressedContext: rendered,
	})
}

func (s *Server) handleThreads(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.orch.Task(id); err != nil {
		return s.httpError(err)
	}
	phase, err := strconv.Atoi(c.Param("phase"))
	if err != nil || phase < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "phase must be a positive integer")
	}
	threads := s.orch.Graph().Forest(id, phase)
	if threads == nil {
		threads = []graph.Thread{}
	}
	return c.JSON(http.StatusOK, ThreadsResponse{TaskID: id, Phase: phase, Threads: threads})
}

func (s *Server) handleThread(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.orch.Graph().BuildThread(id)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, ThreadResponse{RootID: id, Messages: msgs})
}

func (s *Server) handleRevision(c echo.Context) error {
	view, err := s.orch.Graph().Revision(c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// httpError maps domain errors onto status codes.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, graph.ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrTaskRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrShutdown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

func countsByName(tasks []*orchestrator.Task) map[string]int {
	out := make(map[string]int)
	for status, n := range orchestrator.Counts(tasks) {
		out[string(status)] = n
	}
	return out
}

// mergeTasks appends archived tasks that are no longer live.
func mergeTasks(live, archived []*orchestrator.Task) []*orchestrator.Task {
	seen := make(map[string]bool, len(live))
	for _, t := range live {
		seen[t.ID] = true
	}
	for _, t := range archived {
		if !seen[t.ID] {
			live = append(live, t)
		}
	}
	return live
}

func nonNil(msgs []graph.Message) []graph.Message {
	if msgs == nil {
		return []graph.Message{}
	}
	return msgs
}
