// Package orchestrator drives multi-agent tasks through an ordered list of
// phases.
//
// # Overview
//
// Each phase is one pass of a small agent society: a Worker produces output
// and a thought trace, a Code Review critic comments on it (optionally
// asking a question the Worker then answers), the Worker revises against the
// critic's suggestions, and an Audit gate returns a verdict. A phase is only
// VERIFIED by an audit. A rejected phase gets exactly one retry: the Worker
// is re-prompted with the rejection reason and audited again.
//
// # Architecture
//
// For every phase the flow is:
//
//	Worker → Critic → [Answer] → [Revision] → Audit → [Retry → Audit] → Memory update
//
// Every turn is appended to a shared graph.Store. Long-term context for
// later phases comes from a memory.Compressor, so prompts stay bounded no
// matter how many phases a task has.
//
// # Cancellation
//
// Stop is cooperative. A capability call in flight finishes and its result
// is appended. The stop flag is checked before every capability call, every
// pacing delay and every phase transition, and a stopped task ends FAILED.
//
// # Failures
//
// Capability failures never abort a task. Each role has a neutral fallback
// (an error-marker worker turn, a review with no suggestions, a PENDING
// audit) and the pipeline continues; a degraded turn normally fails its
// audit and goes through the retry. Graph integrity errors are programming
// errors: they fail the task and are recorded on Task.Error.
//
// # Usage Example
//
//	orch, err := orchestrator.New(port, store, compressor, orchestrator.DefaultConfig(),
//	    orchestrator.WithLogger(logger))
//	orch.OnEvent(func(ctx context.Context, ev orchestrator.Event) { ... })
//
//	task, err := orch.Start(ctx, "Migrate the billing service to Postgres")
//	final, err := orch.Wait(ctx, task.ID)
package orchestrator
