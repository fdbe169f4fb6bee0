package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	marathonhttp "github.com/fyrsmithlabs/marathon/internal/http"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// client talks to the marathond REST API.
type client struct {
	base string
	http *http.Client
}

func newClient(serverURL string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a JSON reply into out when out is non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var body marathonhttp.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	// echo's own errors use "message"
	var echoBody struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &echoBody) == nil && echoBody.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: echoBody.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func (c *client) health(ctx context.Context) (*marathonhttp.HealthResponse, error) {
	var out marathonhttp.HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

func (c *client) status(ctx context.Context) (*marathonhttp.StatusResponse, error) {
	var out marathonhttp.StatusResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
}

func (c *client) start(ctx context.Context, description string) (*orchestrator.Task, error) {
	var out orchestrator.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", marathonhttp.StartTaskRequest{Description: description}, &out)
	return &out, err
}

func (c *client) list(ctx context.Context, archived bool) (*marathonhttp.TaskListResponse, error) {
	path := "/api/v1/tasks"
	if archived {
		path += "?archived=true"
	}
	var out marathonhttp.TaskListResponse
	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *client) task(ctx context.Context, id string) (*marathonhttp.TaskResponse, error) {
	out := marathonhttp.TaskResponse{Task: &orchestrator.Task{}}
	return &out, c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out)
}

func (c *client) stop(ctx context.Context, id string) (*orchestrator.Task, error) {
	var out orchestrator.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/stop", nil, &out)
	return &out, err
}

func (c *client) evict(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *client) messages(ctx context.Context, id string) (*marathonhttp.MessagesResponse, error) {
	var out marathonhttp.MessagesResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/messages", nil, &out)
}

func (c *client) thread(ctx context.Context, messageID string) (*marathonhttp.ThreadResponse, error) {
	var out marathonhttp.ThreadResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(messageID)+"/thread", nil, &out)
}

func (c *client) memory(ctx context.Context, id string, before int) (*marathonhttp.MemoryResponse, error) {
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/memory"
	if before > 0 {
		path += fmt.Sprintf("?before=%d", before)
	}
	var out marathonhttp.MemoryResponse
	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// wait polls the task until it is COMPLETED or FAILED.
func (c *client) wait(ctx context.Context, id string, interval time.Duration) (*orchestrator.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.task(ctx, id)
		if err != nil {
			return nil, err
		}
		if resp.Status.Terminal() {
			return resp.Task, nil
		}
		select {
		case <-ctx.Done():
			return resp.Task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// events opens the task's SSE stream. The caller closes the body.
func (c *client) events(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/tasks/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the request timeout.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}
