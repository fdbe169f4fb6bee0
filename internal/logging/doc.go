// Package logging provides structured logging for marathon.
//
// The Logger wraps zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - context field injection (trace_id, task.id, phase.number, request.id)
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTaskID(ctx, task.ID)
//	ctx = logging.WithPhase(ctx, 2)
//	logger.Info(ctx, "phase started")
//
// Components that only need a *zap.Logger receive logger.Underlying().
package logging
