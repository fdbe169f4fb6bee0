// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below cfg.Exempt and passes the rest
// through untouched. Per-step orchestrator logs repeat the same message for
// every task, so sampling keys on message text and level only.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	exempt, err := LevelFromString(cfg.Exempt)
	if err != nil || cfg.Exempt == "" {
		exempt = zapcore.WarnLevel
	}

	kept := &levelRangeCore{Core: core, min: exempt, max: zapcore.FatalLevel}
	noisy := &levelRangeCore{Core: core, min: TraceLevel, max: exempt - 1}

	sampled := zapcore.NewSamplerWithOptions(noisy, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(kept, sampled)
}

// levelRangeCore passes entries with min <= level <= max.
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
