package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testSection struct {
	Port      int      `koanf:"port"`
	Host      string   `koanf:"host"`
	StepDelay Duration `koanf:"step_delay"`
	Enabled   bool     `koanf:"enabled"`
	APIKey    Secret   `koanf:"api_key"`
}

type testTree struct {
	Server       testSection `koanf:"server"`
	Orchestrator testSection `koanf:"orchestrator"`
}

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8181
orchestrator:
  step_delay: 250ms
  api_key: sk-test
`, 0600)

	l, err := NewLoader(path)
	require.NoError(t, err)

	tree := testTree{
		Server:       testSection{Port: 9090, Host: "localhost"},
		Orchestrator: testSection{StepDelay: Duration(time.Second)},
	}
	require.NoError(t, l.Unmarshal("", &tree))

	assert.Equal(t, 8181, tree.Server.Port)
	assert.Equal(t, "localhost", tree.Server.Host, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, tree.Orchestrator.StepDelay.Duration())
	assert.Equal(t, "sk-test", tree.Orchestrator.APIKey.Value())
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8181\n", 0600)
	t.Setenv("MARATHON_SERVER_PORT", "7070")
	t.Setenv("MARATHON_ORCHESTRATOR_ENABLED", "true")

	l, err := NewLoader(path)
	require.NoError(t, err)

	var server testSection
	require.NoError(t, l.Unmarshal("server", &server))
	assert.Equal(t, 7070, server.Port)

	var orch testSection
	require.NoError(t, l.Unmarshal("orchestrator", &orch))
	assert.True(t, orch.Enabled)
	assert.True(t, l.Exists("orchestrator.enabled"))
}

func TestLoader_MissingFileIsNotAnError(t *testing.T) {
	l, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	section := testSection{Port: 9090}
	require.NoError(t, l.Unmarshal("server", &section))
	assert.Equal(t, 9090, section.Port)
}

func TestLoader_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1\n", 0644)

	_, err := NewLoader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoader_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  step_delay: soon\n", 0600)

	l, err := NewLoader(path)
	require.NoError(t, err)

	var orch testSection
	assert.Error(t, l.Unmarshal("orchestrator", &orch))
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"MARATHON_SERVER_PORT":                       "server.port",
		"MARATHON_ORCHESTRATOR_CONTINUE_ON_REJECTED": "orchestrator.continue_on_rejected",
		"MARATHON_DEBUG":                             "debug",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, envKey(in))
		})
	}
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())

	out, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(out))
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1\n", 0600)

	reloaded := make(chan int, 16)
	w, err := NewWatcher(path, func(l *Loader) {
		var s testSection
		if err := l.Unmarshal("server", &s); err == nil {
			reloaded <- s.Port
		}
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2\n"), 0600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case port := <-reloaded:
			// A truncating write can surface an intermediate empty read.
			if port == 2 {
				return
			}
		case <-deadline:
			t.Fatal("config reload not observed")
		}
	}
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher("", func(*Loader) {}, nil)
	assert.ErrorIs(t, err, ErrNoConfigPath)
}

func TestSecret_References(t *testing.T) {
	t.Setenv("MARATHON_TEST_KEY", "sk-from-env")
	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("sk-from-file\n"), 0600))

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr string
	}{
		{"literal", "sk-literal", "sk-literal", ""},
		{"env", "env:MARATHON_TEST_KEY", "sk-from-env", ""},
		{"env unset", "env:MARATHON_TEST_MISSING", "", "unset environment variable"},
		{"file", "file:" + keyFile, "sk-from-file", ""},
		{"file missing", "file:" + keyFile + ".nope", "", "failed to read secret file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Secret
			err := s.UnmarshalText([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Value())
		})
	}
}

func TestLoader_SecretFromEnvReference(t *testing.T) {
	t.Setenv("MARATHON_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "server:\n  api_key: env:MARATHON_TEST_KEY\n", 0600)

	l, err := NewLoader(path)
	require.NoError(t, err)

	var srv testSection
	require.NoError(t, l.Unmarshal("server", &srv))
	assert.Equal(t, "sk-from-env", srv.APIKey.Value())
}

func TestDuration_Or(t *testing.T) {
	assert.Equal(t, time.Minute, Duration(0).Or(time.Minute))
	assert.Equal(t, time.Second, Duration(time.Second).Or(time.Minute))

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("0")))
	assert.Equal(t, time.Duration(0), d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
}
