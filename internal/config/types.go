// internal/config/types.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration is a non-negative time.Duration that decodes from strings such
// as "500ms" or "2s". Pacing delays and timeouts use it.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Or returns def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d.Duration()
}

// Secret holds a credential such as a capability API key or a Redis
// password. It never prints or serializes its value.
//
// Besides a literal value, a Secret decodes two references:
//
//	env:ANTHROPIC_API_KEY      value of the environment variable
//	file:/run/secrets/openai   contents of the file, whitespace trimmed
type Secret string

const (
	secretEnvPrefix  = "env:"
	secretFilePrefix = "file:"
)

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the resolved secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Secret) UnmarshalText(text []byte) error {
	v, err := resolveSecret(string(text))
	if err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

func resolveSecret(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, secretEnvPrefix):
		name := strings.TrimPrefix(raw, secretEnvPrefix)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("secret references unset environment variable %s", name)
		}
		return v, nil
	case strings.HasPrefix(raw, secretFilePrefix):
		path := strings.TrimPrefix(raw, secretFilePrefix)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return v, nil
	default:
		return raw, nil
	}
}
