package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/logging"
)

const selfCorrectingNote = "Self-correcting based on feedback..."

// Fallbacks substituted for failed capability calls.
var (
	workerFallback = capability.WorkerOutput{Text: "Error generating response", ThoughtTrace: "Error occurred"}
	answerFallback = capability.AnswerOutput{Text: "Error generating response"}
	// HasSuggestions with no suggestions reads as "nothing to revise", so a
	// failed review never triggers the revision sub-turn.
	criticFallback = capability.CriticOutput{Feedback: "Error generating review", HasSuggestions: true}
	auditFallback  = capability.AuditOutput{Verdict: capability.VerdictPending, Analysis: "Audit failed", Score: 0}
)

// phaseRun executes one phase of a task.
type phaseRun struct {
	o           *Orchestrator
	r           *run
	index       int
	number      int
	name        string
	taskID      string
	description string
	logger      *logging.Logger
}

func newPhaseRun(o *Orchestrator, r *run, index int) *phaseRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.task.Phases[index]
	return &phaseRun{
		o:           o,
		r:           r,
		index:       index,
		number:      p.Number,
		name:        p.Name,
		taskID:      r.task.ID,
		description: r.task.Description,
		logger:      o.logger,
	}
}

// run executes the phase and returns its final status. ErrCancelled is
// returned when Stop was observed; the phase keeps whatever status it had.
func (p *phaseRun) run(ctx context.Context) (status PhaseStatus, err error) {
	started := time.Now()
	ctx = logging.WithPhase(logging.WithTaskID(ctx, p.taskID), p.number)
	ctx, span := p.o.tracer.Start(ctx, "orchestrator.phase", trace.WithAttributes(
		attribute.String("task.id", p.taskID),
		attribute.Int("phase.number", p.number),
		attribute.String("phase.name", p.name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("phase.status", string(status)))
			p.o.metrics.phaseFinished(ctx, status, time.Since(started))
		}
		span.End()
	}()

	if err := p.advance(ctx, PhaseInProgress, func(t *Task) { t.CurrentPhase = p.index }); err != nil {
		return "", err
	}

	status, err = p.execute(ctx)
	if err != nil {
		return "", err
	}

	if p.r.stopped() {
		return "", ErrCancelled
	}
	p.updateMemory(ctx)
	return status, nil
}

func (p *phaseRun) execute(ctx context.Context) (PhaseStatus, error) {
	cfg := p.o.settings()
	stepDelay := func() time.Duration { return p.o.settings().StepDelay.Duration() }

	feedback, questions := priorFeedback(p.o.graph.Messages(p.taskID), p.number)
	in := workerInput{
		Description: p.description,
		Phase:       p.phase(),
		Previous:    p.previous(),
		Feedback:    feedback,
		Questions:   questions,
		Memory:      p.o.memory.CompressedContext(ctx, p.taskID, p.number),
	}

	if cfg.ThinkingLevels {
		if err := p.ready(); err != nil {
			return "", err
		}
		in.Thinking = p.o.memory.ThinkingLevels(ctx, p.description, p.number, p.name, in.Memory)
		p.update(ctx, func(ph *Phase) { ph.ThinkingTraces = in.Thinking })
	}

	// Worker turn.
	if err := p.ready(); err != nil {
		return "", err
	}
	work := invoke(ctx, p, capability.CallWorker, func(ctx context.Context) (capability.WorkerOutput, error) {
		return capability.Worker(ctx, p.o.port, workerPrompt(in))
	}, workerFallback)
	workerMsg, err := p.append(ctx, graph.Message{
		Role:         graph.RoleWorker,
		Body:         work.Text,
		ThoughtTrace: work.ThoughtTrace,
		KeyDecision:  work.KeyDecision,
	})
	if err != nil {
		return "", err
	}
	p.update(ctx, func(ph *Phase) { ph.ThoughtTrace = work.ThoughtTrace })

	// Critic turn, scoped to this phase only.
	if err := p.pause(ctx, stepDelay()); err != nil {
		return "", err
	}
	review := invoke(ctx, p, capability.CallCritic, func(ctx context.Context) (capability.CriticOutput, error) {
		return capability.Critic(ctx, p.o.port, criticPrompt(p.description, p.phase(), work.ThoughtTrace, p.o.graph.PhaseMessages(p.taskID, p.number)))
	}, criticFallback)
	reviewMsg, err := p.append(ctx, graph.Message{
		Role:       graph.RoleCodeReview,
		Body:       review.Feedback,
		RespondsTo: workerMsg.ID,
	})
	if err != nil {
		return "", err
	}
	lastReview := reviewMsg

	if question := criticQuestion(review); question != "" {
		questionMsg, err := p.append(ctx, graph.Message{
			Role:       graph.RoleCodeReview,
			Body:       graph.QuestionPrefix + question,
			RespondsTo: reviewMsg.ID,
		})
		if err != nil {
			return "", err
		}
		lastReview = questionMsg

		if err := p.pause(ctx, stepDelay()); err != nil {
			return "", err
		}
		answer := invoke(ctx, p, capability.CallAnswer, func(ctx context.Context) (capability.AnswerOutput, error) {
			return capability.Answer(ctx, p.o.port, answerPrompt(p.description, p.phase(), question, work.ThoughtTrace, p.o.graph.PhaseMessages(p.taskID, p.number)))
		}, answerFallback)
		if _, err := p.append(ctx, graph.Message{
			Role:         graph.RoleWorker,
			Body:         graph.AnswerPrefix + answer.Text,
			ThoughtTrace: answer.ThoughtTrace,
			RespondsTo:   questionMsg.ID,
		}); err != nil {
			return "", err
		}
		if answer.ThoughtTrace != "" {
			p.update(ctx, func(ph *Phase) { ph.ThoughtTrace = answer.ThoughtTrace })
		}
	}

	// Revision against the critic's suggestions.
	if items := suggestions(review); len(items) > 0 {
		if err := p.pause(ctx, stepDelay()); err != nil {
			return "", err
		}
		rev, ok := invokeOK(ctx, p, capability.CallRevision, func(ctx context.Context) (capability.RevisionOutput, error) {
			return capability.Revise(ctx, p.o.port, revisionPrompt(p.description, p.phase(), work.Text, work.ThoughtTrace, review.Feedback, items))
		})
		if ok {
			if _, err := p.append(ctx, graph.Message{
				Role:              graph.RoleWorker,
				Body:              rev.RevisedOutput,
				ThoughtTrace:      rev.RevisedThoughtTrace,
				RespondsTo:        reviewMsg.ID,
				IsRevision:        true,
				OriginalMessageID: workerMsg.ID,
				Changes:           rev.Changes,
			}); err != nil {
				return "", err
			}
			if rev.RevisedThoughtTrace != "" {
				p.update(ctx, func(ph *Phase) { ph.ThoughtTrace = rev.RevisedThoughtTrace })
			}
		}
	}
	p.update(ctx, func(ph *Phase) { ph.Feedback = review.Feedback })

	// Audit gate over the latest trace.
	if err := p.pause(ctx, stepDelay()); err != nil {
		return "", err
	}
	latest := p.phase().ThoughtTrace
	audit := invoke(ctx, p, capability.CallAudit, func(ctx context.Context) (capability.AuditOutput, error) {
		return capability.Audit(ctx, p.o.port, auditPrompt(p.description, p.phase(), latest, review.Feedback))
	}, auditFallback)
	auditMsg, err := p.appendAudit(ctx, audit, false, lastReview.ID)
	if err != nil {
		return "", err
	}
	status := statusFor(audit.Verdict)
	if err := p.decide(ctx, status, audit); err != nil {
		return "", err
	}
	if status == PhaseVerified {
		return status, nil
	}

	return p.retry(ctx, in, workerMsg, review, audit, auditMsg)
}

// retry is the one-shot self-correction after a rejected audit: the worker
// is re-prompted with the rejection reason and audited again without a
// second review.
func (p *phaseRun) retry(ctx context.Context, in workerInput, workerMsg graph.Message, review capability.CriticOutput, audit capability.AuditOutput, auditMsg graph.Message) (PhaseStatus, error) {
	if _, err := p.append(ctx, graph.Message{
		Role:       graph.RoleWorker,
		Body:       selfCorrectingNote,
		RespondsTo: auditMsg.ID,
	}); err != nil {
		return "", err
	}
	if err := p.pause(ctx, p.o.settings().PhaseDelay.Duration()); err != nil {
		return "", err
	}

	current := p.o.graph.PhaseMessages(p.taskID, p.number)
	in.Phase = p.phase()
	in.Feedback = retryFeedback(audit, review.Feedback, current)
	in.Questions = openQuestions(current)

	p.o.metrics.retried(ctx)
	p.logger.Info(ctx, "retrying rejected phase", zap.String("verdict", string(audit.Verdict)), zap.Int("score", audit.Score))

	work := invoke(ctx, p, capability.CallWorker, func(ctx context.Context) (capability.WorkerOutput, error) {
		return capability.Worker(ctx, p.o.port, workerPrompt(in))
	}, workerFallback)
	retryMsg, err := p.append(ctx, graph.Message{
		Role:              graph.RoleWorker,
		Body:              graph.RetryPrefix + work.Text,
		ThoughtTrace:      work.ThoughtTrace,
		RespondsTo:        auditMsg.ID,
		IsRevision:        true,
		OriginalMessageID: workerMsg.ID,
		Changes:           fmt.Sprintf("Addressed %s audit: %s", audit.Verdict, audit.Analysis),
		KeyDecision:       work.KeyDecision,
	})
	if err != nil {
		return "", err
	}
	p.update(ctx, func(ph *Phase) { ph.ThoughtTrace = work.ThoughtTrace })

	if err := p.ready(); err != nil {
		return "", err
	}
	second := invoke(ctx, p, capability.CallAudit, func(ctx context.Context) (capability.AuditOutput, error) {
		return capability.Audit(ctx, p.o.port, auditPrompt(p.description, p.phase(), work.ThoughtTrace, review.Feedback))
	}, auditFallback)
	if _, err := p.appendAudit(ctx, second, true, retryMsg.ID); err != nil {
		return "", err
	}
	status := statusFor(second.Verdict)
	if err := p.decide(ctx, status, second); err != nil {
		return "", err
	}
	return status, nil
}

// updateMemory folds the log so far into the task's compressed memory. A
// failure only costs later prompts some context.
func (p *phaseRun) updateMemory(ctx context.Context) {
	snapshot := p.r.snapshot()
	if _, err := p.o.memory.Update(ctx, p.taskID, p.description, snapshot.phaseInfo(), p.o.graph.Messages(p.taskID)); err != nil {
		p.logger.Warn(ctx, "memory update failed", zap.Error(err))
	}
}

func statusFor(v capability.Verdict) PhaseStatus {
	if v == capability.VerdictVerified {
		return PhaseVerified
	}
	return PhaseRejected
}

// invoke runs one capability call and substitutes fallback on failure.
func invoke[T any](ctx context.Context, p *phaseRun, call string, fn func(context.Context) (T, error), fallback T) T {
	if out, ok := invokeOK(ctx, p, call, fn); ok {
		return out
	}
	return fallback
}

func invokeOK[T any](ctx context.Context, p *phaseRun, call string, fn func(context.Context) (T, error)) (T, bool) {
	ctx, span := p.o.tracer.Start(ctx, "orchestrator.capability", trace.WithAttributes(
		attribute.String("capability.call", call),
		attribute.String("task.id", p.taskID),
		attribute.Int("phase.number", p.number),
	))
	defer span.End()

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.o.metrics.capabilityFailed(ctx, call)
		p.logger.Warn(ctx, "capability call failed, using fallback", zap.String("call", call), zap.Error(err))
		var zero T
		return zero, false
	}
	return out, true
}

// ready is the cancellation check made before every capability call.
func (p *phaseRun) ready() error {
	if p.r.stopped() {
		return ErrCancelled
	}
	return nil
}

func (p *phaseRun) pause(ctx context.Context, d time.Duration) error {
	return p.o.pause(ctx, p.r, d)
}

func (p *phaseRun) append(ctx context.Context, msg graph.Message) (graph.Message, error) {
	msg.TaskID = p.taskID
	msg.Phase = p.number
	stored, err := p.o.graph.Append(ctx, msg)
	if err != nil {
		return graph.Message{}, fmt.Errorf("failed to append %s message: %w", msg.Role, err)
	}
	return stored, nil
}

func (p *phaseRun) appendAudit(ctx context.Context, audit capability.AuditOutput, retry bool, respondsTo string) (graph.Message, error) {
	score := audit.Score
	return p.append(ctx, graph.Message{
		Role:       graph.RoleAudit,
		Body:       verdictText(audit, retry),
		RespondsTo: respondsTo,
		Verdict:    audit.Verdict,
		Score:      &score,
	})
}

// decide records an audit verdict on the phase.
func (p *phaseRun) decide(ctx context.Context, status PhaseStatus, audit capability.AuditOutput) error {
	return p.advance(ctx, status, func(t *Task) {
		score := audit.Score
		t.Phases[p.index].Verdict = audit.Verdict
		t.Phases[p.index].Score = &score
	})
}

// advance changes the phase status and publishes the change.
func (p *phaseRun) advance(ctx context.Context, to PhaseStatus, mutate func(*Task)) error {
	p.r.mu.Lock()
	now := p.o.now()
	err := p.r.task.Phases[p.index].advance(to, now)
	if err == nil {
		if mutate != nil {
			mutate(p.r.task)
		}
		p.r.task.UpdatedAt = now
	}
	snapshot := p.r.task.clone()
	p.r.mu.Unlock()

	if err != nil {
		return err
	}
	p.logger.Debug(ctx, "phase status changed", zap.String("status", string(to)))
	p.o.emitPhase(ctx, snapshot, p.index, "")
	return nil
}

func (p *phaseRun) update(_ context.Context, fn func(*Phase)) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	now := p.o.now()
	fn(&p.r.task.Phases[p.index])
	p.r.task.Phases[p.index].UpdatedAt = now
	p.r.task.UpdatedAt = now
}

func (p *phaseRun) phase() Phase {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()
	return p.r.task.Phases[p.index]
}

func (p *phaseRun) previous() []Phase {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()
	return append([]Phase(nil), p.r.task.Phases[:p.index]...)
}
