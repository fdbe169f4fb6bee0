package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the orchestrator instruments. Instruments that failed to
// register are left nil and skipped.
type metrics struct {
	tasksStarted       metric.Int64Counter
	tasksFinished      metric.Int64Counter
	phases             metric.Int64Counter
	retries            metric.Int64Counter
	capabilityFailures metric.Int64Counter
	phaseDuration      metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	m := &metrics{}
	m.tasksStarted, _ = meter.Int64Counter(
		"marathon.orchestrator.tasks.started.total",
		metric.WithDescription("Tasks started"),
		metric.WithUnit("{task}"),
	)
	m.tasksFinished, _ = meter.Int64Counter(
		"marathon.orchestrator.tasks.finished.total",
		metric.WithDescription("Tasks finished, by final status"),
		metric.WithUnit("{task}"),
	)
	m.phases, _ = meter.Int64Counter(
		"marathon.orchestrator.phases.total",
		metric.WithDescription("Phases finished, by final status"),
		metric.WithUnit("{phase}"),
	)
	m.retries, _ = meter.Int64Counter(
		"marathon.orchestrator.retries.total",
		metric.WithDescription("Phase retries after a rejected audit"),
		metric.WithUnit("{retry}"),
	)
	m.capabilityFailures, _ = meter.Int64Counter(
		"marathon.orchestrator.capability.failures.total",
		metric.WithDescription("Capability calls replaced by a fallback, by call"),
		metric.WithUnit("{failure}"),
	)
	m.phaseDuration, _ = meter.Float64Histogram(
		"marathon.orchestrator.phase.duration",
		metric.WithDescription("Wall time of a phase including its retry"),
		metric.WithUnit("s"),
	)
	return m
}

func (m *metrics) taskStarted(ctx context.Context) {
	if m.tasksStarted != nil {
		m.tasksStarted.Add(ctx, 1)
	}
}

func (m *metrics) taskFinished(ctx context.Context, status TaskStatus) {
	if m.tasksFinished != nil {
		m.tasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (m *metrics) phaseFinished(ctx context.Context, status PhaseStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.phases != nil {
		m.phases.Add(ctx, 1, attrs)
	}
	if m.phaseDuration != nil {
		m.phaseDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) retried(ctx context.Context) {
	if m.retries != nil {
		m.retries.Add(ctx, 1)
	}
}

func (m *metrics) capabilityFailed(ctx context.Context, call string) {
	if m.capabilityFailures != nil {
		m.capabilityFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("call", call)))
	}
}
