package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist holds content patterns that are never redacted.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads a gitleaks-style allowlist file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY_.*''']
//	stopwords = ["placeholder"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
	}, nil
}

// apply appends the allowlist to a gitleaks config. Patterns were validated
// by LoadAllowlist.
func (a *Allowlist) apply(cfg *gitleaksConfig.Config) {
	if a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0) {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "marathon allowlist"}
	for _, pattern := range a.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, a.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
