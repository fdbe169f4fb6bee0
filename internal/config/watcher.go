// internal/config/watcher.go
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNoConfigPath is returned when a watcher is requested without a file.
var ErrNoConfigPath = errors.New("config: no config file path to watch")

// ReloadFunc receives a freshly built Loader after the config file changed.
type ReloadFunc func(l *Loader)

// Watcher re-reads the config file whenever it is written or replaced.
//
// The parent directory is watched rather than the file so editors that
// save via rename keep triggering reloads.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *zap.Logger
	stop     chan struct{}
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(configPath string, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if configPath == "" {
		return nil, ErrNoConfigPath
	}
	if onReload == nil {
		return nil, fmt.Errorf("config: reload callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		onReload: onReload,
		logger:   logger.Named("config"),
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}
	go w.loop(ctx)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	l, err := NewLoader(w.path)
	if err != nil {
		// Keep running with the previous settings.
		w.logger.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onReload(l)
}
