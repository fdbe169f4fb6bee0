package memory

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/marathon/internal/config"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config controls memory bounds and the storage backend.
type Config struct {
	Backend        string      `koanf:"backend"`
	MaxDecisions   int         `koanf:"max_decisions"`
	MaxCorrections int         `koanf:"max_corrections"`
	SummaryWords   int         `koanf:"summary_words"`
	Redis          RedisConfig `koanf:"redis"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string          `koanf:"addr"`
	Password  config.Secret   `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"key_prefix"`
	TTL       config.Duration `koanf:"ttl"`
}

// DefaultConfig returns in-process storage with 20 decisions and
// corrections and a 200 word summary.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendMemory,
		MaxDecisions:   20,
		MaxCorrections: 20,
		SummaryWords:   200,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "marathon:memory:",
			TTL:       config.Duration(72 * time.Hour),
		},
	}
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("memory.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("memory.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Backend)
	}
	if c.MaxDecisions < 1 || c.MaxCorrections < 1 {
		return fmt.Errorf("memory.max_decisions and memory.max_corrections must be positive")
	}
	if c.SummaryWords < 1 {
		return fmt.Errorf("memory.summary_words must be positive")
	}
	return nil
}
