package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/memory"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

var errInvalidArgument = errors.New("invalid argument")

const (
	defaultWait = 60 * time.Second
	maxWait     = 10 * time.Minute
)

// addTool registers a typed handler with metrics. The text is returned as
// the human-readable content next to the structured output.
func addTool[In, Out any](s *Server, tool *mcp.Tool, fn func(ctx context.Context, in In) (Out, string, error)) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Begin(ctx, tool.Name)
		out, text, err := fn(ctx, in)
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", tool.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "task_start",
		Description: "Start a task. Its phases run in the background; poll task_status or call task_wait.",
	}, s.taskStart)

	addTool(s, &mcp.Tool{
		Name:        "task_stop",
		Description: "Request cooperative cancellation of a task. The capability call in flight finishes first.",
	}, s.taskStop)

	addTool(s, &mcp.Tool{
		Name:        "task_status",
		Description: "Get a task with the status, verdict and score of each phase",
	}, s.taskStatus)

	addTool(s, &mcp.Tool{
		Name:        "task_list",
		Description: "List all tasks with counts per status",
	}, s.taskList)

	addTool(s, &mcp.Tool{
		Name:        "task_wait",
		Description: "Wait until a task completes or fails, or the timeout passes",
	}, s.taskWait)

	addTool(s, &mcp.Tool{
		Name:        "task_messages",
		Description: "Get a task's messages in append order, optionally for one phase",
	}, s.taskMessages)

	addTool(s, &mcp.Tool{
		Name:        "message_thread",
		Description: "Get a root message and every reply and revision linked to it",
	}, s.messageThread)

	addTool(s, &mcp.Tool{
		Name:        "task_memory",
		Description: "Get a task's long-term memory and its compressed context",
	}, s.taskMemory)
}

// ===== TYPES =====

type taskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
}

type taskStartInput struct {
	Description string `json:"description" jsonschema:"What the task should accomplish"`
}

type taskWaitInput struct {
	TaskID         string `json:"task_id" jsonschema:"Task identifier"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"Maximum wait in seconds (default 60, max 600)"`
}

type taskMessagesInput struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
	Phase  int    `json:"phase,omitempty" jsonschema:"Only messages of this phase number"`
}

type messageThreadInput struct {
	MessageID string `json:"message_id" jsonschema:"Root message identifier"`
}

type taskMemoryInput struct {
	TaskID      string `json:"task_id" jsonschema:"Task identifier"`
	BeforePhase int    `json:"before_phase,omitempty" jsonschema:"Render context as seen by this phase (default: after the last phase)"`
}

type phaseOutput struct {
	Number  int    `json:"number" jsonschema:"Phase number, from 1"`
	Name    string `json:"name" jsonschema:"Phase name"`
	Status  string `json:"status" jsonschema:"PENDING, IN_PROGRESS, VERIFIED or REJECTED"`
	Verdict string `json:"verdict,omitempty" jsonschema:"Final audit verdict"`
	Score   *int   `json:"score,omitempty" jsonschema:"Final audit score"`
	Retried bool   `json:"retried" jsonschema:"Whether the phase used its retry"`
}

type taskOutput struct {
	ID           string        `json:"id" jsonschema:"Task identifier"`
	Description  string        `json:"description" jsonschema:"Task description"`
	Status       string        `json:"status" jsonschema:"PENDING, IN_PROGRESS, COMPLETED or FAILED"`
	CurrentPhase int           `json:"current_phase" jsonschema:"Index of the phase being run"`
	Error        string        `json:"error,omitempty" jsonschema:"Why the task failed"`
	Phases       []phaseOutput `json:"phases" jsonschema:"Phases in order"`
	CreatedAt    time.Time     `json:"created_at" jsonschema:"Creation time"`
	UpdatedAt    time.Time     `json:"updated_at" jsonschema:"Last status change"`
}

type taskWaitOutput struct {
	Task     taskOutput `json:"task" jsonschema:"Task snapshot"`
	Finished bool       `json:"finished" jsonschema:"False when the timeout passed first"`
}

type taskListOutput struct {
	Tasks  []taskOutput   `json:"tasks" jsonschema:"Tasks in start order"`
	Counts map[string]int `json:"counts" jsonschema:"Tasks per status"`
}

type messageOutput struct {
	ID                string    `json:"id" jsonschema:"Message identifier"`
	Role              string    `json:"role" jsonschema:"WORKER, CODE_REVIEW or AUDIT"`
	Phase             int       `json:"phase" jsonschema:"Phase number"`
	Body              string    `json:"body" jsonschema:"Public text"`
	ThoughtTrace      string    `json:"thought_trace,omitempty" jsonschema:"Private reasoning"`
	RespondsTo        string    `json:"responds_to,omitempty" jsonschema:"Message this replies to"`
	IsRevision        bool      `json:"is_revision" jsonschema:"Whether this supersedes an earlier message"`
	OriginalMessageID string    `json:"original_message_id,omitempty" jsonschema:"Message this revision supersedes"`
	Changes           string    `json:"changes,omitempty" jsonschema:"What the revision changed"`
	Verdict           string    `json:"verdict,omitempty" jsonschema:"Audit verdict"`
	Score             *int      `json:"score,omitempty" jsonschema:"Audit score"`
	Timestamp         time.Time `json:"timestamp" jsonschema:"Append time"`
}

type messagesOutput struct {
	Messages []messageOutput `json:"messages" jsonschema:"Messages in order"`
	Count    int             `json:"count" jsonschema:"Number of messages returned"`
}

type phaseSummaryOutput struct {
	Phase   int    `json:"phase" jsonschema:"Phase number"`
	Summary string `json:"summary" jsonschema:"Phase digest"`
}

type decisionOutput struct {
	Phase     int    `json:"phase" jsonschema:"Phase number"`
	Decision  string `json:"decision" jsonschema:"What was decided"`
	Rationale string `json:"rationale" jsonschema:"Why"`
}

type memoryOutput struct {
	TaskID            string               `json:"task_id" jsonschema:"Task identifier"`
	Summary           string               `json:"summary" jsonschema:"Rolling task summary"`
	PhaseSummaries    []phaseSummaryOutput `json:"phase_summaries" jsonschema:"Digest per finished phase"`
	KeyDecisions      []decisionOutput     `json:"key_decisions" jsonschema:"Most recent key decisions"`
	Lessons           []string             `json:"lessons" jsonschema:"Lessons from self-corrections"`
	CompressedContext string               `json:"compressed_context" jsonschema:"Context as given to the agents"`
}

// ===== HANDLERS =====

func (s *Server) taskStart(ctx context.Context, in taskStartInput) (taskOutput, string, error) {
	task, err := s.orch.Start(ctx, in.Description)
	if err != nil {
		return taskOutput{}, "", err
	}
	return toTask(task), fmt.Sprintf("Task started: %s (%d phases)", task.ID, len(task.Phases)), nil
}

func (s *Server) taskStop(_ context.Context, in taskIDInput) (taskOutput, string, error) {
	if err := s.orch.Stop(in.TaskID); err != nil {
		return taskOutput{}, "", err
	}
	task, err := s.orch.Task(in.TaskID)
	if err != nil {
		return taskOutput{}, "", err
	}
	return toTask(task), fmt.Sprintf("Stop requested for task %s (%s)", task.ID, task.Status), nil
}

func (s *Server) taskStatus(_ context.Context, in taskIDInput) (taskOutput, string, error) {
	task, err := s.orch.Task(in.TaskID)
	if err != nil {
		return taskOutput{}, "", err
	}
	return toTask(task), statusLine(task), nil
}

func (s *Server) taskList(_ context.Context, _ struct{}) (taskListOutput, string, error) {
	tasks := s.orch.Tasks()
	out := taskListOutput{
		Tasks:  make([]taskOutput, 0, len(tasks)),
		Counts: make(map[string]int),
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toTask(t))
		lines = append(lines, statusLine(t))
	}
	for status, n := range orchestrator.Counts(tasks) {
		out.Counts[string(status)] = n
	}
	if len(lines) == 0 {
		return out, "No tasks", nil
	}
	return out, strings.Join(lines, "\n"), nil
}

func (s *Server) taskWait(ctx context.Context, in taskWaitInput) (taskWaitOutput, string, error) {
	timeout := defaultWait
	if in.TimeoutSeconds > 0 {
		timeout = min(time.Duration(in.TimeoutSeconds)*time.Second, maxWait)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, err := s.orch.Wait(ctx, in.TaskID)
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.WaitOutcome(ctx, false)
		return taskWaitOutput{Task: toTask(task)}, "Still running: " + statusLine(task), nil
	}
	if err != nil {
		return taskWaitOutput{}, "", err
	}
	s.metrics.WaitOutcome(ctx, true)
	return taskWaitOutput{Task: toTask(task), Finished: true}, statusLine(task), nil
}

func (s *Server) taskMessages(_ context.Context, in taskMessagesInput) (messagesOutput, string, error) {
	if in.Phase < 0 {
		return messagesOutput{}, "", fmt.Errorf("%w: phase must be positive", errInvalidArgument)
	}
	msgs, err := s.orch.Messages(in.TaskID)
	if err != nil {
		return messagesOutput{}, "", err
	}
	out := messagesOutput{Messages: make([]messageOutput, 0, len(msgs))}
	for _, m := range msgs {
		if in.Phase == 0 || m.Phase == in.Phase {
			out.Messages = append(out.Messages, toMessage(m))
		}
	}
	out.Count = len(out.Messages)
	return out, transcript(out.Messages), nil
}

func (s *Server) messageThread(_ context.Context, in messageThreadInput) (messagesOutput, string, error) {
	msgs, err := s.orch.Graph().BuildThread(in.MessageID)
	if err != nil {
		return messagesOutput{}, "", err
	}
	out := messagesOutput{Messages: make([]messageOutput, 0, len(msgs)), Count: len(msgs)}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessage(m))
	}
	return out, transcript(out.Messages), nil
}

func (s *Server) taskMemory(ctx context.Context, in taskMemoryInput) (memoryOutput, string, error) {
	task, err := s.orch.Task(in.TaskID)
	if err != nil {
		return memoryOutput{}, "", err
	}
	mem, err := s.orch.Memory(ctx, in.TaskID)
	if err != nil {
		return memoryOutput{}, "", err
	}
	before := in.BeforePhase
	if before <= 0 {
		before = len(task.Phases) + 1
	}
	rendered, err := s.orch.CompressedContext(ctx, in.TaskID, before)
	if err != nil {
		return memoryOutput{}, "", err
	}

	out := toMemory(in.TaskID, mem)
	out.CompressedContext = rendered
	if rendered == "" {
		return out, "No memory yet", nil
	}
	return out, rendered, nil
}

// ===== CONVERSIONS =====

func toTask(t *orchestrator.Task) taskOutput {
	out := taskOutput{
		ID:           t.ID,
		Description:  t.Description,
		Status:       string(t.Status),
		CurrentPhase: t.CurrentPhase,
		Error:        t.Error,
		Phases:       make([]phaseOutput, 0, len(t.Phases)),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	for _, p := range t.Phases {
		out.Phases = append(out.Phases, phaseOutput{
			Number:  p.Number,
			Name:    p.Name,
			Status:  string(p.Status),
			Verdict: string(p.Verdict),
			Score:   p.Score,
			Retried: p.Retried,
		})
	}
	return out
}

func toMessage(m graph.Message) messageOutput {
	return messageOutput{
		ID:                m.ID,
		Role:              string(m.Role),
		Phase:             m.Phase,
		Body:              m.Body,
		ThoughtTrace:      m.ThoughtTrace,
		RespondsTo:        m.RespondsTo,
		IsRevision:        m.IsRevision,
		OriginalMessageID: m.OriginalMessageID,
		Changes:           m.Changes,
		Verdict:           string(m.Verdict),
		Score:             m.Score,
		Timestamp:         m.Timestamp,
	}
}

func toMemory(taskID string, mem *memory.TaskMemory) memoryOutput {
	out := memoryOutput{
		TaskID:         taskID,
		PhaseSummaries: []phaseSummaryOutput{},
		KeyDecisions:   []decisionOutput{},
		Lessons:        []string{},
	}
	if mem == nil {
		return out
	}
	out.Summary = mem.TaskSummary
	for phase, summary := range mem.PhaseSummaries {
		out.PhaseSummaries = append(out.PhaseSummaries, phaseSummaryOutput{Phase: phase, Summary: summary})
	}
	sort.Slice(out.PhaseSummaries, func(i, j int) bool {
		return out.PhaseSummaries[i].Phase < out.PhaseSummaries[j].Phase
	})
	for _, d := range mem.KeyDecisions {
		out.KeyDecisions = append(out.KeyDecisions, decisionOutput{Phase: d.Phase, Decision: d.Decision, Rationale: d.Rationale})
	}
	for _, c := range mem.SelfCorrections {
		out.Lessons = append(out.Lessons, c.Lesson)
	}
	return out
}

func statusLine(t *orchestrator.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", t.ID, t.Status, t.Description)
	for _, p := range t.Phases {
		fmt.Fprintf(&b, "\n  %d. %s: %s", p.Number, p.Name, p.Status)
		if p.Score != nil {
			fmt.Fprintf(&b, " (%d/100)", *p.Score)
		}
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "\n  error: %s", t.Error)
	}
	return b.String()
}

func transcript(msgs []messageOutput) string {
	if len(msgs) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Phase %d] %s %s:\n%s", m.Phase, m.Role, m.ID, m.Body)
	}
	return b.String()
}
