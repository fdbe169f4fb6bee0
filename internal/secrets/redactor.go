package secrets

import (
	"fmt"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Config controls redaction.
type Config struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// DefaultConfig enables redaction with the built-in gitleaks rules.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Finding describes one redacted secret. The secret value itself is never
// retained.
type Finding struct {
	RuleID  string `json:"rule_id"`
	Line    int    `json:"line"`
	Preview string `json:"preview"`
}

// Result is redacted content plus what was removed.
type Result struct {
	Content  string
	Findings []Finding
}

// Redactor replaces secrets with [REDACTED:<rule-id>] markers.
type Redactor struct {
	enabled bool
	config  gitleaksConfig.Config
}

// New builds a Redactor. The gitleaks default rule set is parsed once.
func New(cfg Config) (*Redactor, error) {
	if !cfg.Enabled {
		return &Redactor{}, nil
	}

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}

	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	allowlist.apply(&base.Config)

	return &Redactor{enabled: true, config: base.Config}, nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Redact scans content and replaces every detected secret.
func (r *Redactor) Redact(content string) Result {
	if !r.Enabled() || content == "" {
		return Result{Content: content}
	}

	// Detectors accumulate state, so each scan gets its own.
	detector := detect.NewDetector(r.config)
	leaks := detector.DetectString(content)
	if len(leaks) == 0 {
		return Result{Content: content}
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(leaks, func(i, j int) bool {
		return len(leaks[i].Secret) > len(leaks[j].Secret)
	})

	findings := make([]Finding, 0, len(leaks))
	redacted := content
	for _, leak := range leaks {
		if leak.Secret == "" {
			continue
		}
		findings = append(findings, Finding{
			RuleID:  leak.RuleID,
			Line:    leak.StartLine,
			Preview: preview(leak.Secret, 4),
		})
		redacted = strings.ReplaceAll(redacted, leak.Secret, "[REDACTED:"+leak.RuleID+"]")
	}

	return Result{Content: redacted, Findings: findings}
}

// RedactString is Redact without the findings.
func (r *Redactor) RedactString(content string) string {
	return r.Redact(content).Content
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
