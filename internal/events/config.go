package events

import (
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/marathon/internal/config"
)

// Config controls event publishing.
type Config struct {
	Enabled       bool            `koanf:"enabled"`
	URL           string          `koanf:"url"`
	SubjectPrefix string          `koanf:"subject_prefix"`
	MaxReconnects int             `koanf:"max_reconnects"`
	ReconnectWait config.Duration `koanf:"reconnect_wait"`
	Embedded      EmbeddedConfig  `koanf:"embedded"`
}

// EmbeddedConfig runs a NATS server inside the daemon, for single-node
// deployments without a broker.
type EmbeddedConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// DefaultConfig returns publishing disabled, pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		SubjectPrefix: "marathon.tasks",
		MaxReconnects: 5,
		ReconnectWait: config.Duration(time.Second),
		Embedded: EmbeddedConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
	}
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" && !c.Embedded.Enabled {
		return errors.New("events.url is required")
	}
	prefix := strings.Trim(c.SubjectPrefix, ".")
	if prefix == "" || strings.ContainsAny(prefix, "*> ") {
		return errors.New("events.subject_prefix must be a literal subject")
	}
	return nil
}
