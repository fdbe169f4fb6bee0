// Package config provides configuration loading for marathon.
//
// Each component owns its configuration struct (with koanf tags and a
// DefaultConfig constructor); this package layers the YAML file and
// environment overrides on top and decodes sections into those structs.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "MARATHON_"
)

// Loader holds merged configuration from the YAML file and the environment.
type Loader struct {
	k    *koanf.Koanf
	path string
}

// DefaultPath returns ~/.config/marathon/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "marathon", "config.yaml"), nil
}

// NewLoader reads configuration from configPath (if it exists) and then
// overrides it with MARATHON_* environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MARATHON_SERVER_PORT, MARATHON_ORCHESTRATOR_STEP_DELAY, ...)
//  2. YAML config file
//  3. Component defaults (applied by Unmarshal onto a pre-populated struct)
//
// Environment variables split on the first underscore after the prefix:
//
//	MARATHON_SERVER_PORT                     -> server.port
//	MARATHON_ORCHESTRATOR_CONTINUE_ON_REJECTED -> orchestrator.continue_on_rejected
//
// The file must have 0600 or 0400 permissions and be at most 1MB.
func NewLoader(configPath string) (*Loader, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &Loader{k: k, path: configPath}, nil
}

// Path returns the config file path this loader was built from.
func (l *Loader) Path() string {
	return l.path
}

// Unmarshal decodes section (or the whole tree when section is empty) onto
// dst. Keys missing from the file and environment keep dst's current
// values, so callers pass a struct already filled with defaults.
func (l *Loader) Unmarshal(section string, dst interface{}) error {
	if err := l.k.Unmarshal(section, dst); err != nil {
		if section == "" {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		return fmt.Errorf("failed to unmarshal config section %q: %w", section, err)
	}
	return nil
}

// Exists reports whether key is set by the file or the environment.
func (l *Loader) Exists(key string) bool {
	return l.k.Exists(key)
}

// envKey maps MARATHON_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func loadFile(k *koanf.Koanf, configPath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate via the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
