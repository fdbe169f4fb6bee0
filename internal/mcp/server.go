// Package mcp exposes the orchestrator as Model Context Protocol tools.
//
// Tools start and stop tasks and read their state: the task list, the
// message log, threads and the compressed memory. The server runs on the
// stdio transport, so an MCP client can drive marathon as a subprocess.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// Server is an MCP server backed by an orchestrator.
type Server struct {
	mcp     *mcp.Server
	orch    *orchestrator.Orchestrator
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "marathon")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter records tool metrics. Nil uses the global provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "marathon",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with every tool registered.
func NewServer(cfg *Config, orch *orchestrator.Orchestrator) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		orch:    orch,
		metrics: NewMetrics(cfg.Meter, logger),
		logger:  logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Connect serves one session over t. Run is the stdio shorthand.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
