package archive

import "errors"

// Config controls the archive.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// DefaultConfig returns the archive disabled, writing to ./marathon.db
// when enabled.
func DefaultConfig() Config {
	return Config{Path: "marathon.db"}
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return errors.New("archive.path is required")
	}
	return nil
}
