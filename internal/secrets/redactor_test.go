package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A GitHub personal access token shape that gitleaks always flags.
const githubPAT = "ghp_" + "Zx9Qw3Er7Ty1Ui5Op2As6Df0Gh4Jk8Lm3Nbc"

func TestRedactor_NoSecrets(t *testing.T) {
	r, err := New(DefaultConfig())
	require.NoError(t, err)

	content := "The plan is to split the parser into two passes."
	res := r.Redact(content)
	assert.Equal(t, content, res.Content)
	assert.Empty(t, res.Findings)
}

func TestRedactor_RedactsToken(t *testing.T) {
	r, err := New(DefaultConfig())
	require.NoError(t, err)

	content := "Use token " + githubPAT + " to push the release."
	res := r.Redact(content)

	require.NotEmpty(t, res.Findings)
	assert.NotContains(t, res.Content, githubPAT)
	assert.Contains(t, res.Content, "[REDACTED:")
	assert.True(t, strings.HasPrefix(res.Content, "Use token "))
	assert.Equal(t, "ghp_", res.Findings[0].Preview)
}

func TestRedactor_Disabled(t *testing.T) {
	r, err := New(Config{Enabled: false})
	require.NoError(t, err)

	content := "token " + githubPAT
	assert.False(t, r.Enabled())
	assert.Equal(t, content, r.RedactString(content))

	var nilRedactor *Redactor
	assert.Equal(t, content, nilRedactor.RedactString(content))
}

func TestRedactor_Allowlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.toml")
	require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''ghp_Zx9Q.*''']\n"), 0o600))

	r, err := New(Config{Enabled: true, AllowlistPath: path})
	require.NoError(t, err)

	content := "token " + githubPAT
	assert.Equal(t, content, r.RedactString(content))
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		a, err := LoadAllowlist(filepath.Join(dir, "absent.toml"))
		require.NoError(t, err)
		assert.Empty(t, a.Regexes)
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0o600))
		_, err := LoadAllowlist(path)
		assert.True(t, errors.Is(err, ErrInvalidTOML))
	})

	t.Run("invalid regex", func(t *testing.T) {
		path := filepath.Join(dir, "regex.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''(unclosed''']\n"), 0o600))
		_, err := LoadAllowlist(path)
		assert.True(t, errors.Is(err, ErrInvalidRegex))
	})

	t.Run("stopwords", func(t *testing.T) {
		path := filepath.Join(dir, "stop.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nstopwords = [\"placeholder\"]\n"), 0o600))
		a, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"placeholder"}, a.StopWords)
	})
}
