package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// scriptedPort rejects the first audit of phase 1 and verifies the rest.
// Worker calls wait on the gate when one is set.
type scriptedPort struct {
	mu     sync.Mutex
	audits int
	gate   chan struct{}
}

func (p *scriptedPort) Complete(ctx context.Context, _ string, schema *capability.Schema) (*capability.Result, error) {
	switch schema.Name {
	case capability.CallWorker:
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &capability.Result{Fields: map[string]any{"text": "Worker output", "thoughtTrace": "We decided to use a table driven parser"}}, nil
	case capability.CallCritic:
		return &capability.Result{Fields: map[string]any{"feedback": "Looks reasonable", "suggestions": []any{}}}, nil
	case capability.CallAudit:
		p.mu.Lock()
		p.audits++
		n := p.audits
		p.mu.Unlock()
		if n == 1 {
			return &capability.Result{Fields: map[string]any{"verdict": "REJECTED", "analysis": "Missing edge cases", "score": 40}}, nil
		}
		return &capability.Result{Fields: map[string]any{"verdict": "VERIFIED", "analysis": "Sound reasoning", "score": 85}}, nil
	default:
		return &capability.Result{Fields: map[string]any{"summary": "Task summary"}}, nil
	}
}

type harness struct {
	orch    *orchestrator.Orchestrator
	session *mcp.ClientSession
}

func newHarness(t *testing.T, port capability.Port) *harness {
	t.Helper()
	return newHarnessWithConfig(t, port, nil)
}

func newHarnessWithConfig(t *testing.T, port capability.Port, cfg *Config) *harness {
	t.Helper()
	ctx := context.Background()

	o, err := orchestrator.New(port, nil, nil, orchestrator.Config{Phases: []string{"Analysis", "Planning"}})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	server, err := NewServer(cfg, o)
	require.NoError(t, err)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &harness{orch: o, session: cs}
}

// call invokes a tool and decodes its structured output into out.
func (h *harness) call(t *testing.T, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := h.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out))
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestTools_Listed(t *testing.T) {
	h := newHarness(t, &scriptedPort{})

	res, err := h.session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"task_start", "task_stop", "task_status", "task_list", "task_wait",
		"task_messages", "message_thread", "task_memory",
	}, names)
}

func TestTools_TaskLifecycle(t *testing.T) {
	h := newHarness(t, &scriptedPort{})

	var started taskOutput
	res := h.call(t, "task_start", map[string]any{"description": "Build a parser"}, &started)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "Build a parser", started.Description)
	assert.Equal(t, "IN_PROGRESS", started.Status)
	require.Len(t, started.Phases, 2)
	assert.Contains(t, text(res), started.ID)

	var waited taskWaitOutput
	res = h.call(t, "task_wait", map[string]any{"task_id": started.ID, "timeout_seconds": 5}, &waited)
	require.False(t, res.IsError, text(res))
	assert.True(t, waited.Finished)
	assert.Equal(t, "COMPLETED", waited.Task.Status)

	phase1 := waited.Task.Phases[0]
	assert.Equal(t, "VERIFIED", phase1.Status)
	assert.True(t, phase1.Retried)
	require.NotNil(t, phase1.Score)
	assert.Equal(t, 85, *phase1.Score)

	var status taskOutput
	res = h.call(t, "task_status", map[string]any{"task_id": started.ID}, &status)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "COMPLETED", status.Status)
	assert.Contains(t, text(res), "1. Analysis: VERIFIED (85/100)")

	var list taskListOutput
	res = h.call(t, "task_list", map[string]any{}, &list)
	require.False(t, res.IsError, text(res))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, 1, list.Counts["COMPLETED"])
}

func TestTools_MessagesAndThread(t *testing.T) {
	h := newHarness(t, &scriptedPort{})

	var started taskOutput
	h.call(t, "task_start", map[string]any{"description": "Build a parser"}, &started)
	h.call(t, "task_wait", map[string]any{"task_id": started.ID, "timeout_seconds": 5}, nil)

	var phase1 messagesOutput
	res := h.call(t, "task_messages", map[string]any{"task_id": started.ID, "phase": 1}, &phase1)
	require.False(t, res.IsError, text(res))
	// worker, critic, rejecting audit, self-correcting note, retry, second audit
	require.Equal(t, 6, phase1.Count)
	retry := phase1.Messages[4]
	assert.True(t, retry.IsRevision)
	assert.Equal(t, phase1.Messages[0].ID, retry.OriginalMessageID)
	assert.Equal(t, "REJECTED", phase1.Messages[2].Verdict)

	var all messagesOutput
	h.call(t, "task_messages", map[string]any{"task_id": started.ID}, &all)
	assert.Equal(t, 9, all.Count)

	var thread messagesOutput
	res = h.call(t, "message_thread", map[string]any{"message_id": phase1.Messages[0].ID}, &thread)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, 6, thread.Count)
	assert.Contains(t, text(res), "[Phase 1] WORKER")
}

func TestTools_Memory(t *testing.T) {
	h := newHarness(t, &scriptedPort{})

	var started taskOutput
	h.call(t, "task_start", map[string]any{"description": "Build a parser"}, &started)
	h.call(t, "task_wait", map[string]any{"task_id": started.ID, "timeout_seconds": 5}, nil)

	var mem memoryOutput
	res := h.call(t, "task_memory", map[string]any{"task_id": started.ID}, &mem)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "Task summary", mem.Summary)
	require.Len(t, mem.PhaseSummaries, 2)
	assert.Equal(t, 1, mem.PhaseSummaries[0].Phase)
	require.NotEmpty(t, mem.Lessons)
	assert.Contains(t, mem.Lessons[0], "Self-corrected in Phase 1")
	assert.Contains(t, mem.CompressedContext, "Lessons Learned:")

	var early memoryOutput
	h.call(t, "task_memory", map[string]any{"task_id": started.ID, "before_phase": 1}, &early)
	assert.NotContains(t, early.CompressedContext, "Phase 1 Summary:")
}

func TestTools_StopAndWaitTimeout(t *testing.T) {
	port := &scriptedPort{gate: make(chan struct{})}
	h := newHarness(t, port)

	var started taskOutput
	h.call(t, "task_start", map[string]any{"description": "Long task"}, &started)

	var waited taskWaitOutput
	res := h.call(t, "task_wait", map[string]any{"task_id": started.ID, "timeout_seconds": 1}, &waited)
	require.False(t, res.IsError, text(res))
	assert.False(t, waited.Finished)
	assert.Contains(t, text(res), "Still running")

	var stopped taskOutput
	res = h.call(t, "task_stop", map[string]any{"task_id": started.ID}, &stopped)
	require.False(t, res.IsError, text(res))
	close(port.gate)

	h.call(t, "task_wait", map[string]any{"task_id": started.ID, "timeout_seconds": 5}, &waited)
	assert.True(t, waited.Finished)
	assert.Equal(t, "FAILED", waited.Task.Status)
	assert.Equal(t, "task cancelled", waited.Task.Error)
}

func TestTools_Errors(t *testing.T) {
	h := newHarness(t, &scriptedPort{})

	res := h.call(t, "task_start", map[string]any{"description": "   "}, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "description is required")

	res = h.call(t, "task_status", map[string]any{"task_id": "missing"}, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "task not found")

	res = h.call(t, "message_thread", map[string]any{"message_id": "missing"}, nil)
	assert.True(t, res.IsError)

	res = h.call(t, "task_messages", map[string]any{"task_id": "missing", "phase": -1}, nil)
	assert.True(t, res.IsError)
}

func TestNewServer_RequiresOrchestrator(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil)
	assert.ErrorContains(t, err, "orchestrator is required")
}
