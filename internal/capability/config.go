package capability

import (
	"time"

	"github.com/fyrsmithlabs/marathon/internal/config"
	"github.com/fyrsmithlabs/marathon/internal/secrets"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
)

// Config selects and tunes the capability backend.
type Config struct {
	Provider    string          `koanf:"provider"`
	Model       string          `koanf:"model"`
	APIKey      config.Secret   `koanf:"api_key"`
	BaseURL     string          `koanf:"base_url"`
	Timeout     config.Duration `koanf:"timeout"`
	RatePerMin  float64         `koanf:"rate_per_minute"`
	Burst       int             `koanf:"burst"`
	MaxTokens   int             `koanf:"max_tokens"`
	Temperature float64         `koanf:"temperature"`
	ScriptPath  string          `koanf:"script_path"`
	Redaction   secrets.Config  `koanf:"redaction"`
}

// DefaultConfig returns the Anthropic backend with conservative pacing.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderAnthropic,
		Timeout:     config.Duration(60 * time.Second),
		RatePerMin:  50,
		Burst:       5,
		MaxTokens:   4096,
		Temperature: 0.3,
		Redaction:   secrets.DefaultConfig(),
	}
}
