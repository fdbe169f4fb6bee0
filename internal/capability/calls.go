package capability

import (
	"context"
)

// Call names used in failures, logs and metrics.
const (
	CallWorker   = "worker"
	CallAnswer   = "answer"
	CallCritic   = "critic"
	CallAudit    = "audit"
	CallRevision = "revision"
	CallSummary  = "summary"
	CallThinking = "thinking"
)

// Invoke runs one structured call through port and validates the response.
// Every error it returns is a *Failure.
func Invoke(ctx context.Context, port Port, call, prompt string, schema *Schema) (*Result, error) {
	res, err := port.Complete(ctx, prompt, schema)
	if err != nil {
		return nil, &Failure{Call: call, Err: err}
	}
	if res == nil {
		return nil, &Failure{Call: call, Err: schemaErrorf("%s: empty result", call)}
	}
	if err := schema.Validate(res.Fields); err != nil {
		return nil, &Failure{Call: call, Err: err}
	}
	return res, nil
}

func complete[T any](ctx context.Context, port Port, call, prompt string, schema *Schema, decode func(*Result) (T, error)) (T, error) {
	var zero T
	res, err := Invoke(ctx, port, call, prompt, schema)
	if err != nil {
		return zero, err
	}
	out, err := decode(res)
	if err != nil {
		return zero, &Failure{Call: call, Err: err}
	}
	return out, nil
}

// Worker requests a worker turn.
func Worker(ctx context.Context, port Port, prompt string) (WorkerOutput, error) {
	return complete(ctx, port, CallWorker, prompt, WorkerSchema, decodeWorker)
}

// Answer requests the worker's answer to a critic question.
func Answer(ctx context.Context, port Port, prompt string) (AnswerOutput, error) {
	return complete(ctx, port, CallAnswer, prompt, AnswerSchema, decodeAnswer)
}

// Critic requests a code review turn.
func Critic(ctx context.Context, port Port, prompt string) (CriticOutput, error) {
	return complete(ctx, port, CallCritic, prompt, CriticSchema, decodeCritic)
}

// Audit requests a verdict. A verdict outside the vocabulary is a failure.
func Audit(ctx context.Context, port Port, prompt string) (AuditOutput, error) {
	return complete(ctx, port, CallAudit, prompt, AuditSchema, decodeAudit)
}

// Revise requests a revision of worker output.
func Revise(ctx context.Context, port Port, prompt string) (RevisionOutput, error) {
	return complete(ctx, port, CallRevision, prompt, RevisionSchema, decodeRevision)
}

// Summarize requests a task summary.
func Summarize(ctx context.Context, port Port, prompt string) (string, error) {
	return complete(ctx, port, CallSummary, prompt, SummarySchema, decodeSummary)
}

// Think requests hierarchical thinking traces.
func Think(ctx context.Context, port Port, prompt string) ([]ThinkingTrace, error) {
	return complete(ctx, port, CallThinking, prompt, ThinkingSchema, decodeThinking)
}
