// Package http provides the marathon REST API.
//
// The API exposes the live task list, each task's message log and threads,
// and its compressed memory, plus start, stop and evict. With an archive
// attached, finished tasks that were evicted are still readable; with an
// event publisher attached, task progress streams over Server-Sent Events.
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/archive"
	"github.com/fyrsmithlabs/marathon/internal/events"
	"github.com/fyrsmithlabs/marathon/internal/logging"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// Server provides HTTP endpoints for marathon.
type Server struct {
	echo     *echo.Echo
	orch     *orchestrator.Orchestrator
	archive  *archive.Archive
	events   *events.Publisher
	registry *prometheus.Registry
	metrics  *HTTPMetrics
	logger   *zap.Logger
	config   *Config
	version  string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// DefaultConfig returns the API bound to localhost:9090.
func DefaultConfig() *Config {
	return &Config{
		Host: "localhost",
		Port: 9090,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535, got %d", c.Port)
	}
	return nil
}

// Option configures a Server.
type Option func(*Server)

// WithArchive serves evicted tasks from the archive.
func WithArchive(a *archive.Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithEvents enables the SSE endpoint.
func WithEvents(p *events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// WithMetrics records request metrics through OpenTelemetry.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the version reported by /api/v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		orch:     orch,
		registry: prometheus.NewRegistry(),
		logger:   logger.Named("http"),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marathon_http_requests_total",
		Help: "Total HTTP requests by method, route and status code.",
	}, []string{"method", "endpoint", "status"})
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newTaskCollector(orch),
		requests,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			status := responseStatus(c, err)
			requests.WithLabelValues(req.Method, routeOf(c.Path()), fmt.Sprint(status)).Inc()

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			}
			s.logger.Info("http request", append(fields, logging.ContextFields(c.Request().Context())...)...)
			return err
		}
	})
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	v1.GET("/tasks", s.handleListTasks)
	v1.POST("/tasks", s.handleStartTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleEvictTask)
	v1.POST("/tasks/:id/stop", s.handleStopTask)
	v1.GET("/tasks/:id/messages", s.handleMessages)
	v1.GET("/tasks/:id/memory", s.handleMemory)
	v1.GET("/tasks/:id/phases/:phase/threads", s.handleThreads)
	v1.GET("/tasks/:id/events", s.handleEvents)

	v1.GET("/messages/:id/thread", s.handleThread)
	v1.GET("/messages/:id/revision", s.handleRevision)
}

// Handler returns the server's root handler.
func (s *Server) Handler() *echo.Echo { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
