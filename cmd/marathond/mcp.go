package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/config"
	"github.com/fyrsmithlabs/marathon/internal/mcp"
)

// runMCP serves the MCP tools on stdio with an in-process orchestrator.
//
// Stdout carries the protocol, so logs are moved to stderr. Tasks live as
// long as the session; enable the archive to keep their transcripts.
func runMCP(ctx context.Context, configPath string) error {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	s, err := loadSettings(loader)
	if err != nil {
		return err
	}
	stdioLogging(s)

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger.Underlying()

	server, err := mcp.NewServer(&mcp.Config{
		Name:    "marathon",
		Version: version,
		Logger:  logger,
		Meter:   a.telemetry.Meter("github.com/fyrsmithlabs/marathon/internal/mcp"),
	}, a.orch)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	logger.Info("starting marathon in MCP stdio mode", zap.String("version", version))
	runErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	logger.Info("MCP stdio server shutdown complete")
	return nil
}

// stdioLogging redirects stdout logging to stderr.
func stdioLogging(s *settings) {
	if s.Logging.Output.Stdout {
		s.Logging.Output.Stdout = false
		s.Logging.Output.Stderr = true
	}
}
