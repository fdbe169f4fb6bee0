package http

import (
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/memory"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Tasks    map[string]int    `json:"tasks"`
	Messages int               `json:"messages"`
}

// StartTaskRequest is the request body for POST /api/v1/tasks.
type StartTaskRequest struct {
	Description string `json:"description"`
}

// TaskResponse wraps a task with where it was read from.
type TaskResponse struct {
	*orchestrator.Task
	Archived bool `json:"archived,omitempty"`
}

// TaskListResponse is the response body for GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks  []*orchestrator.Task `json:"tasks"`
	Counts map[string]int       `json:"counts"`
}

// MessagesResponse is the response body for GET /api/v1/tasks/:id/messages.
type MessagesResponse struct {
	TaskID   string          `json:"taskId"`
	Messages []graph.Message `json:"messages"`
	Archived bool            `json:"archived,omitempty"`
}

// MemoryResponse is the response body for GET /api/v1/tasks/:id/memory.
type MemoryResponse struct {
	TaskID            string             `json:"taskId"`
	Memory            *memory.TaskMemory `json:"memory"`
	CompressedContext string             `json:"compressedContext"`
}

// ThreadsResponse is the response body for
// GET /api/v1/tasks/:id/phases/:phase/threads.
type ThreadsResponse struct {
	TaskID  string         `json:"taskId"`
	Phase   int            `json:"phase"`
	Threads []graph.Thread `json:"threads"`
}

// ThreadResponse is the response body for GET /api/v1/messages/:id/thread.
type ThreadResponse struct {
	RootID   string          `json:"rootId"`
	Messages []graph.Message `json:"messages"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
