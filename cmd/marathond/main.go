// Marathond runs the marathon phase orchestrator with its HTTP API.
//
// The daemon loads configuration from a YAML file and MARATHON_*
// environment variables, builds the capability backend, memory store and
// orchestrator, and serves the REST API. NATS events and the SQLite
// archive are enabled from configuration.
//
// Usage:
//
//	# Start the daemon with ~/.config/marathon/config.yaml
//	marathond
//
//	# Use another config file and port
//	MARATHON_SERVER_PORT=9191 marathond -config ./marathon.yaml
//
//	# Serve the MCP tools on stdio
//	marathond mcp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/config"
	marathonhttp "github.com/fyrsmithlabs/marathon/internal/http"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server and the
// orchestrator.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/marathon/config.yaml)")
	flag.Parse()
	args := flag.Args()

	mode := "serve"
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp":
			mode = "mcp"
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  marathond           Start the marathon daemon\n")
			fmt.Fprintf(os.Stderr, "  marathond mcp       Serve MCP tools on stdio\n")
			fmt.Fprintf(os.Stderr, "  marathond version   Show version information\n")
			os.Exit(1)
		}
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode == "mcp" {
		err = runMCP(ctx, path)
	} else {
		err = run(ctx, path)
	}
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("marathon by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

func resolveConfigPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if env := os.Getenv("MARATHON_CONFIG"); env != "" {
		return env, nil
	}
	return config.DefaultPath()
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Builds the capability backend, memory store and orchestrator
//  4. Connects NATS and opens the archive when enabled
//  5. Starts the config watcher and the HTTP server
//  6. Shuts everything down in reverse order on cancellation
func run(ctx context.Context, configPath string) error {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	s, err := loadSettings(loader)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger.Underlying()

	logger.Info("starting marathon",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Strings("phases", s.Orchestrator.Phases),
		zap.String("capability", s.Capability.Provider),
		zap.String("memory_backend", s.Memory.Backend),
		zap.Bool("events", a.publisher != nil),
		zap.Bool("archive", a.archive != nil),
	)

	watcher := a.watch(ctx, configPath)
	if watcher != nil {
		defer watcher.Stop()
	}

	opts := []marathonhttp.Option{
		marathonhttp.WithVersion(version),
		marathonhttp.WithMetrics(marathonhttp.NewHTTPMetrics(a.telemetry.Meter("github.com/fyrsmithlabs/marathon/internal/http"), logger)),
	}
	if a.archive != nil {
		opts = append(opts, marathonhttp.WithArchive(a.archive))
	}
	if a.publisher != nil {
		opts = append(opts, marathonhttp.WithEvents(a.publisher))
	}
	srv, err := marathonhttp.NewServer(a.orch, logger, &s.Server, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
