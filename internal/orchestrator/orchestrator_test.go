package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/config"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/logging"
	"github.com/fyrsmithlabs/marathon/internal/telemetry"
)

// handler answers the n-th call (0-based) of one kind.
type handler func(n int, prompt string) (map[string]any, error)

func fixed(fields map[string]any) handler {
	return func(int, string) (map[string]any, error) { return fields, nil }
}

func failing(msg string) handler {
	return func(int, string) (map[string]any, error) { return nil, errors.New(msg) }
}

// stubPort dispatches on the schema name and records every call.
type stubPort struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
	prompts  map[string][]string
}

func newStubPort() *stubPort {
	return &stubPort{
		handlers: map[string]handler{
			capability.CallWorker:  fixed(map[string]any{"text": "Worker output", "thoughtTrace": "Worker reasoning"}),
			capability.CallCritic:  fixed(map[string]any{"feedback": "Looks reasonable", "suggestions": []any{}}),
			capability.CallAudit:   fixed(map[string]any{"verdict": "VERIFIED", "analysis": "Sound reasoning", "score": 90}),
			capability.CallSummary: fixed(map[string]any{"summary": "Task summary"}),
		},
		prompts: make(map[string][]string),
	}
}

func (s *stubPort) on(call string, h handler) *stubPort {
	s.handlers[call] = h
	return s
}

func (s *stubPort) Complete(_ context.Context, prompt string, schema *capability.Schema) (*capability.Result, error) {
	s.mu.Lock()
	name := schema.Name
	n := len(s.prompts[name])
	s.prompts[name] = append(s.prompts[name], prompt)
	s.calls = append(s.calls, name)
	h := s.handlers[name]
	s.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("unexpected %s call", name)
	}
	fields, err := h(n, prompt)
	if err != nil {
		return nil, err
	}
	return &capability.Result{Fields: fields}, nil
}

// pipelineCalls returns the calls made, without memory summaries.
func (s *stubPort) pipelineCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c != capability.CallSummary {
			out = append(out, c)
		}
	}
	return out
}

func (s *stubPort) promptsFor(call string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[call]...)
}

func testConfig(phases ...string) Config {
	if len(phases) == 0 {
		phases = []string{"Analysis", "Planning"}
	}
	return Config{Phases: phases}
}

func newTestOrchestrator(t *testing.T, port capability.Port, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(port, nil, nil, cfg, opts...)
	require.NoError(t, err)
	return o
}

func runToEnd(t *testing.T, o *Orchestrator, description string) *Task {
	t.Helper()
	task, err := o.Start(context.Background(), description)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := o.Wait(ctx, task.ID)
	require.NoError(t, err)
	return final
}

func byRole(msgs []graph.Message, phase int, role graph.Role) []graph.Message {
	var out []graph.Message
	for _, m := range msgs {
		if m.Phase == phase && m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func messages(t *testing.T, o *Orchestrator, taskID string) []graph.Message {
	t.Helper()
	msgs, err := o.Messages(taskID)
	require.NoError(t, err)
	return msgs
}

func TestStart_RejectsEmptyDescription(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())

	for _, desc := range []string{"", "   \n\t"} {
		_, err := o.Start(context.Background(), desc)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Empty(t, o.Tasks())
}

func TestStart_InitializesTask(t *testing.T) {
	port := newStubPort()
	release := make(chan struct{})
	port.on(capability.CallWorker, func(int, string) (map[string]any, error) {
		<-release
		return map[string]any{"text": "out", "thoughtTrace": "trace"}, nil
	})
	o := newTestOrchestrator(t, port, testConfig())

	task, err := o.Start(context.Background(), "  Build a parser  ")
	require.NoError(t, err)
	defer close(release)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "Build a parser", task.Description)
	assert.Equal(t, TaskInProgress, task.Status)
	require.Len(t, task.Phases, 2)
	assert.Equal(t, 1, task.Phases[0].Number)
	assert.Equal(t, "Analysis", task.Phases[0].Name)
	assert.Equal(t, PhasePending, task.Phases[1].Status)
}

func TestScenarioA_HappyPath(t *testing.T) {
	port := newStubPort()
	o := newTestOrchestrator(t, port, testConfig())

	task := runToEnd(t, o, "X")

	assert.Equal(t, TaskCompleted, task.Status)
	assert.Empty(t, task.Error)
	for _, p := range task.Phases {
		assert.Equal(t, PhaseVerified, p.Status)
		assert.Equal(t, capability.VerdictVerified, p.Verdict)
		require.NotNil(t, p.Score)
		assert.Equal(t, 90, *p.Score)
		assert.False(t, p.Retried)
		assert.Equal(t, "Looks reasonable", p.Feedback)
	}

	msgs := messages(t, o, task.ID)
	for phase := 1; phase <= 2; phase++ {
		audits := byRole(msgs, phase, graph.RoleAudit)
		require.Len(t, audits, 1, "phase %d", phase)
		assert.Equal(t, "✓ VERIFIED (Score: 90/100)\nSound reasoning", audits[0].Body)
	}
	for _, m := range msgs {
		assert.False(t, m.IsRetry(), "unexpected retry %q", m.Body)
		assert.False(t, m.IsRevision, "unexpected revision %q", m.Body)
	}
	assert.Equal(t, []string{"worker", "critic", "audit", "worker", "critic", "audit"}, port.pipelineCalls())
}

func TestScenarioA_MessageLinks(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig("Analysis"))
	task := runToEnd(t, o, "X")

	msgs := messages(t, o, task.ID)
	require.Len(t, msgs, 3)
	worker, review, audit := msgs[0], msgs[1], msgs[2]

	assert.Equal(t, graph.RoleWorker, worker.Role)
	assert.Equal(t, "Worker reasoning", worker.ThoughtTrace)
	assert.Empty(t, worker.RespondsTo)
	assert.Equal(t, worker.ID, review.RespondsTo)
	assert.Equal(t, review.ID, audit.RespondsTo)
	assert.Equal(t, capability.VerdictVerified, audit.Verdict)

	roots := o.Graph().RootsForPhase(task.ID, 1)
	require.Len(t, roots, 1)
	assert.Equal(t, worker.ID, roots[0].ID)
}

func TestScenarioB_RetrySucceeds(t *testing.T) {
	port := newStubPort().on(capability.CallAudit, func(n int, _ string) (map[string]any, error) {
		switch n {
		case 0:
			return map[string]any{"verdict": "REJECTED", "analysis": "Missing error handling", "score": 40}, nil
		case 1:
			return map[string]any{"verdict": "VERIFIED", "analysis": "Fixed", "score": 85}, nil
		default:
			return map[string]any{"verdict": "VERIFIED", "analysis": "Fine", "score": 90}, nil
		}
	})
	tel := telemetry.NewTestTelemetry()
	o := newTestOrchestrator(t, port, testConfig(), WithTelemetry(tel.Tracer("test"), tel.Meter("test")))

	task := runToEnd(t, o, "X")
	require.Equal(t, TaskCompleted, task.Status)

	phase := task.Phases[0]
	assert.Equal(t, PhaseVerified, phase.Status)
	assert.True(t, phase.Retried)
	require.NotNil(t, phase.Score)
	assert.Equal(t, 85, *phase.Score)

	msgs := messages(t, o, task.ID)
	audits := byRole(msgs, 1, graph.RoleAudit)
	require.Len(t, audits, 2)
	assert.Equal(t, "✗ REJECTED (Score: 40/100)\nMissing error handling", audits[0].Body)
	assert.Equal(t, "✓ VERIFIED after correction (Score: 85/100)\nFixed", audits[1].Body)

	workers := byRole(msgs, 1, graph.RoleWorker)
	require.Len(t, workers, 3)
	first, note, retry := workers[0], workers[1], workers[2]

	assert.Equal(t, selfCorrectingNote, note.Body)
	assert.Equal(t, audits[0].ID, note.RespondsTo)

	assert.True(t, retry.IsRetry())
	assert.True(t, retry.IsRevision)
	assert.Equal(t, first.ID, retry.OriginalMessageID)
	assert.Equal(t, audits[0].ID, retry.RespondsTo)
	assert.Equal(t, "Addressed REJECTED audit: Missing error handling", retry.Changes)
	assert.Equal(t, retry.ID, audits[1].RespondsTo)

	// The retry goes straight to audit, without a second review.
	assert.Len(t, byRole(msgs, 1, graph.RoleCodeReview), 1)
	assert.Equal(t, []string{"worker", "critic", "audit", "worker", "audit", "worker", "critic", "audit"}, port.pipelineCalls())

	retryPrompt := port.promptsFor(capability.CallWorker)[1]
	assert.Contains(t, retryPrompt, "Previous attempt was REJECTED. Missing error handling")

	assert.Equal(t, int64(1), tel.CounterValue(t, "marathon.orchestrator.retries.total"))
}

func TestScenarioC_RejectionPersists(t *testing.T) {
	rejected := fixed(map[string]any{"verdict": "REJECTED", "analysis": "Unsupported claims", "score": 30})

	t.Run("fails by default", func(t *testing.T) {
		port := newStubPort().on(capability.CallAudit, rejected)
		o := newTestOrchestrator(t, port, testConfig())

		task := runToEnd(t, o, "X")

		assert.Equal(t, TaskFailed, task.Status)
		assert.Contains(t, task.Error, ErrPhaseRejected.Error())
		assert.Equal(t, PhaseRejected, task.Phases[0].Status)
		assert.Equal(t, PhasePending, task.Phases[1].Status)

		audits := byRole(messages(t, o, task.ID), 1, graph.RoleAudit)
		require.Len(t, audits, 2)
		assert.True(t, strings.HasPrefix(audits[1].Body, "✗ Still REJECTED (Score: 30/100)"))
		assert.Empty(t, byRole(messages(t, o, task.ID), 2, graph.RoleWorker))
	})

	t.Run("continues when configured", func(t *testing.T) {
		port := newStubPort().on(capability.CallAudit, rejected)
		cfg := testConfig()
		cfg.ContinueOnRejected = true
		o := newTestOrchestrator(t, port, cfg)

		task := runToEnd(t, o, "X")

		assert.Equal(t, TaskCompleted, task.Status)
		for _, p := range task.Phases {
			assert.Equal(t, PhaseRejected, p.Status)
			assert.True(t, p.Retried)
		}
		// Exactly one retry per phase: two audits each.
		msgs := messages(t, o, task.ID)
		assert.Len(t, byRole(msgs, 1, graph.RoleAudit), 2)
		assert.Len(t, byRole(msgs, 2, graph.RoleAudit), 2)
	})
}

func TestScenarioD_StopDuringCritic(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	port := newStubPort().on(capability.CallCritic, func(int, string) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{"feedback": "Needs work\nAdd validation", "question": "Why this approach?"}, nil
	})
	o := newTestOrchestrator(t, port, testConfig())

	task, err := o.Start(context.Background(), "X")
	require.NoError(t, err)

	<-entered
	require.NoError(t, o.Stop(task.ID))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := o.Wait(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, final.Status)
	assert.Equal(t, ErrCancelled.Error(), final.Error)
	assert.Equal(t, PhaseInProgress, final.Phases[0].Status)
	assert.Equal(t, PhasePending, final.Phases[1].Status)
	assert.Equal(t, []string{"worker", "critic"}, port.pipelineCalls())

	// The in-flight review was recorded.
	msgs := messages(t, o, task.ID)
	reviews := byRole(msgs, 1, graph.RoleCodeReview)
	require.NotEmpty(t, reviews)
	assert.Equal(t, "Needs work\nAdd validation", reviews[0].Body)
	assert.Empty(t, byRole(msgs, 1, graph.RoleAudit))
}

func TestQuestionAnswerAndRevision(t *testing.T) {
	port := newStubPort().
		on(capability.CallWorker, fixed(map[string]any{"text": "Draft plan", "thoughtTrace": "Initial reasoning"})).
		on(capability.CallCritic, fixed(map[string]any{
			"feedback": "Handle nil input\n\nAdd tests",
			"question": "What about retries?",
		})).
		on(capability.CallAnswer, fixed(map[string]any{"text": "Retries are bounded", "thoughtTrace": "Answered reasoning"})).
		on(capability.CallRevision, func(_ int, prompt string) (map[string]any, error) {
			if !strings.Contains(prompt, "1. Handle nil input") || !strings.Contains(prompt, "2. Add tests") {
				return nil, fmt.Errorf("suggestions missing from prompt")
			}
			return map[string]any{
				"revisedOutput":       "Revised plan",
				"revisedThoughtTrace": "Revised reasoning",
				"changes":             "Added nil handling and tests",
			}, nil
		})
	o := newTestOrchestrator(t, port, testConfig("Analysis"))

	task := runToEnd(t, o, "X")
	require.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "Revised reasoning", task.Phases[0].ThoughtTrace)

	msgs := messages(t, o, task.ID)
	require.Len(t, msgs, 6)
	worker, review, question, answer, revision, audit := msgs[0], msgs[1], msgs[2], msgs[3], msgs[4], msgs[5]

	assert.Equal(t, worker.ID, review.RespondsTo)
	assert.Equal(t, graph.QuestionPrefix+"What about retries?", question.Body)
	assert.Equal(t, review.ID, question.RespondsTo)
	assert.Equal(t, graph.AnswerPrefix+"Retries are bounded", answer.Body)
	assert.Equal(t, question.ID, answer.RespondsTo)

	assert.True(t, revision.IsRevision)
	assert.Equal(t, worker.ID, revision.OriginalMessageID)
	assert.Equal(t, review.ID, revision.RespondsTo)
	assert.Equal(t, "Added nil handling and tests", revision.Changes)

	// The audit hangs off the question and judges the revised trace.
	assert.Equal(t, question.ID, audit.RespondsTo)
	assert.Contains(t, port.promptsFor(capability.CallAudit)[0], "Revised reasoning")

	view, err := o.Graph().Revision(revision.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Original)
	assert.Equal(t, "Draft plan", view.Original.Body)

	thread, err := o.Graph().BuildThread(worker.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 6)
	assert.Len(t, o.Graph().RootsForPhase(task.ID, 1), 1)
}

func TestStructuredEmptySuggestionsSkipRevision(t *testing.T) {
	port := newStubPort().on(capability.CallCritic, fixed(map[string]any{
		"feedback":    "Several notes\nbut nothing to change",
		"suggestions": []any{},
	}))
	o := newTestOrchestrator(t, port, testConfig("Analysis"))

	runToEnd(t, o, "X")
	assert.NotContains(t, port.pipelineCalls(), capability.CallRevision)
}

func TestCapabilityFailuresUseFallbacks(t *testing.T) {
	port := newStubPort().
		on(capability.CallWorker, failing("worker unavailable")).
		on(capability.CallCritic, failing("critic unavailable")).
		on(capability.CallAudit, failing("audit unavailable"))
	logger := logging.NewTestLogger()
	tel := telemetry.NewTestTelemetry()
	o := newTestOrchestrator(t, port, testConfig("Analysis"),
		WithLogger(logger.Logger),
		WithTelemetry(tel.Tracer("test"), tel.Meter("test")),
	)

	task := runToEnd(t, o, "X")

	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, PhaseRejected, task.Phases[0].Status)
	assert.Equal(t, capability.VerdictPending, task.Phases[0].Verdict)

	msgs := messages(t, o, task.ID)
	workers := byRole(msgs, 1, graph.RoleWorker)
	require.Len(t, workers, 3)
	assert.Equal(t, "Error generating response", workers[0].Body)
	assert.Equal(t, "Error occurred", workers[0].ThoughtTrace)
	assert.Equal(t, graph.RetryPrefix+"Error generating response", workers[2].Body)

	reviews := byRole(msgs, 1, graph.RoleCodeReview)
	require.Len(t, reviews, 1)
	assert.Equal(t, "Error generating review", reviews[0].Body)

	audits := byRole(msgs, 1, graph.RoleAudit)
	require.Len(t, audits, 2)
	assert.Equal(t, "✗ PENDING (Score: 0/100)\nAudit failed", audits[0].Body)
	assert.Equal(t, "✗ Still PENDING (Score: 0/100)\nAudit failed", audits[1].Body)

	assert.NotContains(t, port.pipelineCalls(), capability.CallRevision)
	logger.AssertTaskLogged(t, task.ID, zapcore.WarnLevel, "capability call failed")
	logger.AssertField(t, "capability call failed", "phase.number", int64(1))
	failures := logger.FilterMessage("capability call failed").All()
	require.NotEmpty(t, failures)
	for _, entry := range failures {
		fields := entry.ContextMap()
		assert.NotEmpty(t, fields["trace_id"], "span context flows into phase logs")
		assert.NotEmpty(t, fields["span_id"])
	}
	assert.Equal(t, int64(2), tel.CounterValue(t, "marathon.orchestrator.capability.failures.total", attribute.String("call", "worker")))
	assert.Equal(t, int64(2), tel.CounterValue(t, "marathon.orchestrator.capability.failures.total", attribute.String("call", "audit")))
}

func TestInvalidVerdictIsCapabilityFailure(t *testing.T) {
	port := newStubPort().on(capability.CallAudit, fixed(map[string]any{"verdict": "MAYBE", "analysis": "?", "score": 50}))
	o := newTestOrchestrator(t, port, testConfig("Analysis"))

	task := runToEnd(t, o, "X")

	assert.Equal(t, TaskFailed, task.Status)
	audits := byRole(messages(t, o, task.ID), 1, graph.RoleAudit)
	require.Len(t, audits, 2)
	assert.Equal(t, capability.VerdictPending, audits[0].Verdict)
}

func TestPriorFeedbackReachesNextPhase(t *testing.T) {
	port := newStubPort().on(capability.CallCritic, func(n int, _ string) (map[string]any, error) {
		if n == 0 {
			return map[string]any{"feedback": "Use indexes", "question": "Which database?", "suggestions": []any{}}, nil
		}
		return map[string]any{"feedback": "Fine", "suggestions": []any{}}, nil
	}).on(capability.CallAnswer, fixed(map[string]any{"text": "Postgres"}))
	o := newTestOrchestrator(t, port, testConfig())

	task := runToEnd(t, o, "X")
	require.Equal(t, TaskCompleted, task.Status)

	prompts := port.promptsFor(capability.CallWorker)
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Code Review")

	second := prompts[1]
	assert.Contains(t, second, "Code Review Feedback: Use indexes")
	assert.Contains(t, second, "Code Review Question: Which database?")
	assert.Contains(t, second, "1. Which database?")
	assert.Contains(t, second, "Phase 1 (Analysis): Worker reasoning")
	assert.Contains(t, second, "Task Summary: Task summary")

	// The critic only sees its own phase.
	criticPrompts := port.promptsFor(capability.CallCritic)
	assert.NotContains(t, criticPrompts[1], "Use indexes")
}

func TestThinkingLevels(t *testing.T) {
	port := newStubPort().on(capability.CallThinking, fixed(map[string]any{
		"traces": []any{
			map[string]any{"level": "STRATEGIC", "reasoning": "Keep the API stable", "keyDecisions": []any{"No breaking changes"}},
			map[string]any{"level": "OPERATIONAL", "reasoning": "Start with the parser"},
		},
	}))
	cfg := testConfig("Analysis")
	cfg.ThinkingLevels = true
	o := newTestOrchestrator(t, port, cfg)

	task := runToEnd(t, o, "X")

	require.Len(t, task.Phases[0].ThinkingTraces, 2)
	assert.Equal(t, capability.LevelStrategic, task.Phases[0].ThinkingTraces[0].Level)
	assert.Equal(t, []string{"thinking", "worker", "critic", "audit"}, port.pipelineCalls())
	assert.Contains(t, port.promptsFor(capability.CallWorker)[0], "[STRATEGIC] Keep the API stable")
}

func TestMemoryUpdatedPerPhase(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())
	task := runToEnd(t, o, "X")

	mem, err := o.Memory(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "Task summary", mem.TaskSummary)
	assert.Contains(t, mem.PhaseSummaries, 1)
	assert.Contains(t, mem.PhaseSummaries, 2)
}

func TestStop_UnknownTask(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())
	assert.ErrorIs(t, o.Stop("missing"), ErrTaskNotFound)
	_, err := o.Task("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = o.Messages("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStop_FinishedTaskIsNoop(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig("Analysis"))
	task := runToEnd(t, o, "X")

	require.NoError(t, o.Stop(task.ID))
	got, err := o.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
}

func TestStop_DuringPacingDelay(t *testing.T) {
	port := newStubPort()
	cfg := testConfig()
	cfg.StepDelay = config.Duration(time.Hour)
	o := newTestOrchestrator(t, port, cfg)

	task, err := o.Start(context.Background(), "X")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(port.pipelineCalls()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, o.Stop(task.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := o.Wait(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, final.Status)
	assert.Equal(t, []string{"worker"}, port.pipelineCalls())
}

func TestEvict(t *testing.T) {
	release := make(chan struct{})
	port := newStubPort().on(capability.CallWorker, func(int, string) (map[string]any, error) {
		<-release
		return map[string]any{"text": "out", "thoughtTrace": "trace"}, nil
	})
	o := newTestOrchestrator(t, port, testConfig("Analysis"))

	task, err := o.Start(context.Background(), "X")
	require.NoError(t, err)
	assert.ErrorIs(t, o.Evict(context.Background(), task.ID), ErrTaskRunning)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = o.Wait(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, o.Evict(context.Background(), task.ID))
	_, err = o.Task(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Empty(t, o.Graph().Messages(task.ID))
	assert.Empty(t, o.Tasks())
}

func TestUpdateSettings(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())

	assert.ErrorIs(t, o.UpdateSettings(Config{}), ErrInvalidConfig)

	cfg := testConfig("Only")
	cfg.ContinueOnRejected = true
	require.NoError(t, o.UpdateSettings(cfg))

	task := runToEnd(t, o, "X")
	require.Len(t, task.Phases, 1)
	assert.Equal(t, "Only", task.Phases[0].Name)
}

func TestEvents(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())

	var mu sync.Mutex
	var events []Event
	o.OnEvent(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	task := runToEnd(t, o, "X")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)

	first, last := events[0], events[len(events)-1]
	assert.Equal(t, EventTask, first.Kind)
	assert.Equal(t, string(TaskInProgress), first.Status)
	assert.Equal(t, EventTask, last.Kind)
	assert.Equal(t, string(TaskCompleted), last.Status)
	assert.Equal(t, 100, last.Percentage)

	var phaseOne []string
	for _, ev := range events {
		assert.Equal(t, task.ID, ev.TaskID)
		if ev.Kind == EventPhase && ev.Phase == 1 {
			phaseOne = append(phaseOne, ev.Status)
		}
	}
	assert.Equal(t, []string{"IN_PROGRESS", "VERIFIED"}, phaseOne)
}

func TestTelemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	o := newTestOrchestrator(t, newStubPort(), testConfig(), WithTelemetry(tel.Tracer("test"), tel.Meter("test")))

	runToEnd(t, o, "X")

	tel.AssertSpanExists(t, "orchestrator.phase")
	tel.AssertSpanExists(t, "orchestrator.capability")
	assert.Equal(t, int64(1), tel.CounterValue(t, "marathon.orchestrator.tasks.started.total"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "marathon.orchestrator.tasks.finished.total", attribute.String("status", "COMPLETED")))
	assert.Equal(t, int64(2), tel.CounterValue(t, "marathon.orchestrator.phases.total", attribute.String("status", "VERIFIED")))
}

func TestConcurrentTasksAreIsolated(t *testing.T) {
	o := newTestOrchestrator(t, newStubPort(), testConfig())

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		task, err := o.Start(context.Background(), fmt.Sprintf("task %d", i))
		require.NoError(t, err)
		ids[i] = task.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		final, err := o.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, final.Status)

		msgs := messages(t, o, id)
		assert.Len(t, msgs, 6)
		for _, m := range msgs {
			assert.Equal(t, id, m.TaskID)
		}
	}
	assert.Equal(t, n, Counts(o.Tasks())[TaskCompleted])
}

func TestShutdownStopsTasks(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseDelay = config.Duration(time.Hour)
	o := newTestOrchestrator(t, newStubPort(), cfg)

	task, err := o.Start(context.Background(), "X")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	got, err := o.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)

	_, err = o.Start(context.Background(), "Y")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newStubPort(), nil, nil, Config{Phases: []string{"A", " "}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
