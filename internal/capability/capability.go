package capability

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/secrets"
)

// New builds the configured backend wrapped with secret redaction.
func New(cfg Config, logger *zap.Logger) (Port, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		port Port
		err  error
	)
	switch cfg.Provider {
	case ProviderAnthropic:
		port, err = NewAnthropic(cfg)
	case ProviderOpenAI:
		port, err = NewOpenAI(cfg)
	case ProviderScripted:
		var script *Script
		if script, err = LoadScript(cfg.ScriptPath); err == nil {
			port = NewScripted(script)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", cfg.Provider, err)
	}

	redactor, err := secrets.New(cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}

	logger.Info("capability backend ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Bool("redaction", redactor.Enabled()),
	)

	if !redactor.Enabled() {
		return port, nil
	}
	return Scrub(port, redactor), nil
}
