package main

import (
	"context"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/archive"
	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/config"
	"github.com/fyrsmithlabs/marathon/internal/events"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	marathonhttp "github.com/fyrsmithlabs/marathon/internal/http"
	"github.com/fyrsmithlabs/marathon/internal/logging"
	"github.com/fyrsmithlabs/marathon/internal/memory"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
	"github.com/fyrsmithlabs/marathon/internal/telemetry"
)

// settings is the full configuration tree, one field per section.
type settings struct {
	Server       marathonhttp.Config
	Orchestrator orchestrator.Config
	Memory       memory.Config
	Capability   capability.Config
	Events       events.Config
	Archive      archive.Config
	Logging      logging.Config
	Telemetry    telemetry.Config
}

func defaultSettings() *settings {
	return &settings{
		Server:       *marathonhttp.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Memory:       memory.DefaultConfig(),
		Capability:   capability.DefaultConfig(),
		Events:       events.DefaultConfig(),
		Archive:      archive.DefaultConfig(),
		Logging:      *logging.NewDefaultConfig(),
		Telemetry:    *telemetry.NewDefaultConfig(),
	}
}

// loadSettings decodes every section over its defaults and validates the
// result.
func loadSettings(l *config.Loader) (*settings, error) {
	s := defaultSettings()

	orch, err := loadOrchestrator(l)
	if err != nil {
		return nil, err
	}
	s.Orchestrator = orch

	sections := []struct {
		name string
		dst  any
	}{
		{"server", &s.Server},
		{"memory", &s.Memory},
		{"capability", &s.Capability},
		{"events", &s.Events},
		{"archive", &s.Archive},
		{"logging", &s.Logging},
		{"telemetry", &s.Telemetry},
	}
	for _, sec := range sections {
		if err := l.Unmarshal(sec.name, sec.dst); err != nil {
			return nil, err
		}
	}

	validators := []struct {
		name     string
		validate func() error
	}{
		{"server", s.Server.Validate},
		{"orchestrator", s.Orchestrator.Validate},
		{"memory", s.Memory.Validate},
		{"events", s.Events.Validate},
		{"archive", s.Archive.Validate},
		{"logging", s.Logging.Validate},
		{"telemetry", s.Telemetry.Validate},
	}
	for _, v := range validators {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s configuration: %w", v.name, err)
		}
	}
	return s, nil
}

// loadOrchestrator decodes the orchestrator section. A configured phase
// list replaces the default catalogue rather than merging with it.
func loadOrchestrator(l *config.Loader) (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	cfg.Phases = nil
	if err := l.Unmarshal("orchestrator", &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = orchestrator.DefaultPhases()
	}
	return cfg, nil
}

// app holds the running components and releases them in reverse order.
type app struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     memory.Store
	orch      *orchestrator.Orchestrator
	nats      *natsserver.Server
	nc        *nats.Conn
	publisher *events.Publisher
	archive   *archive.Archive
}

// newApp builds every component the settings enable. On error, whatever
// was already created is released.
func newApp(ctx context.Context, s *settings) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.telemetry, err = telemetry.New(ctx, &s.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.logger, err = logging.NewLogger(&s.Logging, global.GetLoggerProvider()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := a.logger.Underlying()
	if health := a.telemetry.Health(); health.Degraded {
		logger.Warn("telemetry degraded", zap.String("error", health.Error))
	}

	port, err := capability.New(s.Capability, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capability backend: %w", err)
	}

	if a.store, err = memory.NewStore(ctx, s.Memory); err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	compressor, err := memory.NewCompressor(port, a.store, s.Memory,
		memory.WithLogger(a.logger),
		memory.WithTelemetry(
			a.telemetry.Tracer("github.com/fyrsmithlabs/marathon/internal/memory"),
			a.telemetry.Meter("github.com/fyrsmithlabs/marathon/internal/memory"),
		),
	)
	if err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(port, graph.NewStore(), compressor, s.Orchestrator,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTelemetry(
			a.telemetry.Tracer("github.com/fyrsmithlabs/marathon/internal/orchestrator"),
			a.telemetry.Meter("github.com/fyrsmithlabs/marathon/internal/orchestrator"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if s.Events.Enabled {
		if err = a.connectEvents(s.Events, logger); err != nil {
			return nil, err
		}
	}

	if s.Archive.Enabled {
		if a.archive, err = archive.Open(s.Archive.Path, logger); err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		a.archive.Attach(a.orch)
		logger.Info("archive opened", zap.String("path", s.Archive.Path))
	}

	return a, nil
}

func (a *app) connectEvents(cfg events.Config, logger *zap.Logger) error {
	if cfg.Embedded.Enabled {
		server, err := events.StartEmbedded(cfg.Embedded)
		if err != nil {
			return err
		}
		a.nats = server
		cfg.URL = server.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", cfg.URL))
	}

	nc, err := events.Connect(cfg, logger)
	if err != nil {
		return err
	}
	a.nc = nc
	a.publisher = events.NewPublisher(nc, cfg.SubjectPrefix, logger)
	a.publisher.Attach(a.orch)
	return nil
}

// watch applies orchestrator settings from the config file whenever it
// changes. It returns nil when there is no file to watch.
func (a *app) watch(ctx context.Context, configPath string) *config.Watcher {
	logger := a.logger.Underlying()
	w, err := config.NewWatcher(configPath, func(l *config.Loader) {
		cfg, err := loadOrchestrator(l)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := a.orch.UpdateSettings(cfg); err != nil {
			logger.Warn("config reload rejected", zap.Error(err))
		}
	}, logger)
	if err != nil {
		logger.Debug("config watcher disabled", zap.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
		w.Stop()
		return nil
	}
	return w
}

// close releases every component. Safe on a partially built app.
func (a *app) close() {
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.nats != nil {
		a.nats.Shutdown()
	}
	if c, ok := a.store.(io.Closer); ok {
		_ = c.Close()
	}
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
