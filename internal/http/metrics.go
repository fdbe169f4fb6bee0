package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/marathon/internal/http"

// HTTPMetrics records request metrics for the REST API. Event streams stay
// open for the life of a task, so they are counted on their own and kept
// out of the latency histogram.
type HTTPMetrics struct {
	logger        *zap.Logger
	requestsTotal metric.Int64Counter
	requestDur    metric.Float64Histogram
	responseSize  metric.Int64Histogram
	active        metric.Int64UpDownCounter
	streams       metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments. A nil meter uses the global
// provider.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{logger: logger}

	var err error
	if m.requestsTotal, err = meter.Int64Counter("marathon.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("requests_total", err)
	}
	if m.requestDur, err = meter.Float64Histogram("marathon.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration, event streams excluded"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		m.warn("request_duration_seconds", err)
	}
	// Transcripts and memory replies grow with the number of phases.
	if m.responseSize, err = meter.Int64Histogram("marathon.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1000000),
	); err != nil {
		m.warn("response_size_bytes", err)
	}
	if m.active, err = meter.Int64UpDownCounter("marathon.http.active_requests",
		metric.WithDescription("HTTP requests in flight, event streams excluded"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("active_requests", err)
	}
	if m.streams, err = meter.Int64UpDownCounter("marathon.http.event_streams",
		metric.WithDescription("Open task event streams"),
		metric.WithUnit("{stream}"),
	); err != nil {
		m.warn("event_streams", err)
	}
	return m
}

func (m *HTTPMetrics) warn(instrument string, err error) {
	m.logger.Warn("failed to create http instrument", zap.String("instrument", instrument), zap.Error(err))
}

// MetricsMiddleware records every request. Handler errors are counted with
// the status Echo will reply with.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			route := routeOf(c.Path())
			stream := isEventStream(route)

			inflight := m.active
			if stream {
				inflight = m.streams
			}
			if inflight != nil {
				inflight.Add(ctx, 1)
				defer inflight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", route),
				attribute.Int("status", responseStatus(c, err)),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil && !stream {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil && !stream {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// routeOf returns the registered pattern (/api/v1/tasks/:id) so task ids
// never become label values. Unmatched requests report "unmatched".
func routeOf(path string) string {
	if path == "" || path == "/*" {
		return "unmatched"
	}
	return path
}

func isEventStream(route string) bool {
	return strings.HasSuffix(route, "/events")
}
