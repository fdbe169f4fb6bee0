package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/marathon/internal/telemetry"
)

func serve(e *echo.Echo, method, path string) {
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

func TestHTTPMetrics_RecordsRoutes(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.Meter("test"), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/v1/tasks/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	})

	serve(e, http.MethodGet, "/health")
	serve(e, http.MethodGet, "/api/v1/tasks/abc")
	serve(e, http.MethodGet, "/api/v1/tasks/def")
	serve(e, http.MethodGet, "/nope")

	assert.Equal(t, int64(4), tel.CounterValue(t, "marathon.http.requests_total"))
	assert.Equal(t, int64(2), tel.CounterValue(t, "marathon.http.requests_total",
		attribute.String("endpoint", "/api/v1/tasks/:id"),
		attribute.Int("status", http.StatusNotFound)))
	assert.Equal(t, int64(1), tel.CounterValue(t, "marathon.http.requests_total",
		attribute.String("endpoint", "/health"),
		attribute.Int("status", http.StatusOK)))
	assert.Equal(t, int64(0), tel.CounterValue(t, "marathon.http.active_requests"))
}

func TestHTTPMetrics_EventStreamsExcludedFromLatency(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/tasks", func(c echo.Context) error { return c.JSON(http.StatusOK, []string{}) })
	e.GET("/api/v1/tasks/:id/events", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	serve(e, http.MethodGet, "/api/v1/tasks")
	serve(e, http.MethodGet, "/api/v1/tasks/t1/events")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var recordings uint64
	var requests int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Histogram[float64]:
				if md.Name == "marathon.http.request_duration_seconds" {
					for _, dp := range data.DataPoints {
						recordings += dp.Count
					}
				}
			case metricdata.Sum[int64]:
				if md.Name == "marathon.http.requests_total" {
					for _, dp := range data.DataPoints {
						requests += dp.Value
					}
				}
			}
		}
	}
	assert.Equal(t, uint64(1), recordings)
	assert.Equal(t, int64(2), requests)
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, "unmatched", routeOf(""))
	assert.Equal(t, "unmatched", routeOf("/*"))
	assert.Equal(t, "/api/v1/tasks/:id/messages", routeOf("/api/v1/tasks/:id/messages"))
	assert.True(t, isEventStream("/api/v1/tasks/:id/events"))
	assert.False(t, isEventStream("/api/v1/tasks/:id"))
}
