package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/marathon/internal/events"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// heartbeatInterval keeps idle streams open through proxies.
var heartbeatInterval = 30 * time.Second

// handleEvents streams a task's events via Server-Sent Events.
//
// The handler subscribes to the task's NATS subjects and forwards every
// envelope. The stream ends when the task reaches COMPLETED or FAILED, or
// when the client disconnects.
//
// Example:
//
//	GET /api/v1/tasks/{id}/events
//
//	event: message
//	data: {"type":"message","taskId":"...","message":{"role":"WORKER",...}}
//
//	event: phase
//	data: {"type":"phase","taskId":"...","event":{"phase":1,"status":"VERIFIED",...}}
//
//	event: task
//	data: {"type":"task","taskId":"...","event":{"status":"COMPLETED",...}}
func (s *Server) handleEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not enabled")
	}
	id := c.Param("id")
	if _, err := s.orch.Task(id); err != nil {
		return s.httpError(err)
	}

	msgChan := make(chan *nats.Msg, 64)
	unsubscribe, err := s.events.Subscribe(id, msgChan)
	if err != nil {
		return err
	}
	defer unsubscribe()

	// Set SSE headers
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	// A task that finished before the subscription existed gets its final
	// state and an immediate close.
	task, err := s.orch.Task(id)
	if err == nil && task.Status.Terminal() {
		return writeSnapshot(c, task)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			eventType := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
			writeEvent(c, eventType, msg.Data)

			var env events.Envelope
			if err := json.Unmarshal(msg.Data, &env); err == nil && env.Terminal() {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeSnapshot(c echo.Context, task *orchestrator.Task) error {
	data, err := json.Marshal(events.Envelope{
		Type:   events.TypeTask,
		TaskID: task.ID,
		Event: &orchestrator.Event{
			Kind:    orchestrator.EventTask,
			TaskID:  task.ID,
			Status:  string(task.Status),
			Message: task.Error,
			Time:    task.UpdatedAt,
		},
		PublishedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	writeEvent(c, events.TypeTask, data)
	return nil
}

func writeEvent(c echo.Context, eventType string, data []byte) {
	fmt.Fprintf(c.Response(), "event: %s\n", eventType)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
}
