package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/marathon/internal/mcp"

// Metrics records tool calls and task_wait outcomes.
type Metrics struct {
	logger      *zap.Logger
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	active      metric.Int64UpDownCounter
	waits       metric.Int64Counter
}

// NewMetrics creates the instruments. A nil meter uses the global provider.
// Instruments that fail to register are logged and skipped.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{logger: logger}

	var err error
	if m.invocations, err = meter.Int64Counter("marathon.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		m.warn("invocations", err)
	}
	// Tool calls range from map lookups to task_wait blocking for minutes.
	if m.duration, err = meter.Float64Histogram("marathon.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 600),
	); err != nil {
		m.warn("duration", err)
	}
	if m.errors, err = meter.Int64Counter("marathon.mcp.tool.errors_total",
		metric.WithDescription("MCP tool calls that returned an error, by reason"),
		metric.WithUnit("{error}"),
	); err != nil {
		m.warn("errors", err)
	}
	if m.active, err = meter.Int64UpDownCounter("marathon.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("active_requests", err)
	}
	if m.waits, err = meter.Int64Counter("marathon.mcp.task_wait.total",
		metric.WithDescription("task_wait calls by outcome (finished or timeout)"),
		metric.WithUnit("{wait}"),
	); err != nil {
		m.warn("task_wait", err)
	}
	return m
}

func (m *Metrics) warn(instrument string, err error) {
	m.logger.Warn("failed to create mcp instrument", zap.String("instrument", instrument), zap.Error(err))
}

// Begin marks a tool call in flight. The returned func ends it and records
// the outcome.
func (m *Metrics) Begin(ctx context.Context, tool string) func(error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	start := time.Now()
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.active != nil {
			m.active.Add(ctx, -1, attrs)
		}
		if m.invocations != nil {
			m.invocations.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.errors != nil {
			m.errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", errorReason(err)),
			))
		}
	}
}

// WaitOutcome counts a task_wait that either saw the task finish or hit its
// timeout.
func (m *Metrics) WaitOutcome(ctx context.Context, finished bool) {
	if m.waits == nil {
		return
	}
	outcome := "timeout"
	if finished {
		outcome = "finished"
	}
	m.waits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func errorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, errInvalidArgument):
		return "validation_error"
	case errors.Is(err, orchestrator.ErrTaskNotFound), errors.Is(err, graph.ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, orchestrator.ErrTaskRunning):
		return "conflict"
	case errors.Is(err, orchestrator.ErrShutdown):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
