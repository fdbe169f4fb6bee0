package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/marathon/internal/config"
)

// Config controls phase pacing, the phase catalogue and the rejection
// policy.
type Config struct {
	// ContinueOnRejected lets a task advance past a phase whose retry was
	// also rejected (or whose retry audit failed). When false such a task
	// ends FAILED.
	ContinueOnRejected bool            `koanf:"continue_on_rejected"`
	StepDelay          config.Duration `koanf:"step_delay"`
	PhaseDelay         config.Duration `koanf:"phase_delay"`
	Phases             []string        `koanf:"phases"`
	ThinkingLevels     bool            `koanf:"thinking_levels"`
}

// DefaultConfig returns the five phase catalogue, 500ms between sub-steps
// and 1s between phases.
func DefaultConfig() Config {
	return Config{
		StepDelay:  config.Duration(500 * time.Millisecond),
		PhaseDelay: config.Duration(time.Second),
		Phases:     DefaultPhases(),
	}
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("%w: at least one phase is required", ErrInvalidConfig)
	}
	for i, name := range c.Phases {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: phase %d has no name", ErrInvalidConfig, i+1)
		}
	}
	if c.StepDelay < 0 || c.PhaseDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) clone() Config {
	c.Phases = append([]string(nil), c.Phases...)
	return c
}
