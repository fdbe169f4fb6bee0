package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.False(t, tel.Health().Enabled)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips validation", func(c *Config) { c.Endpoint = "" }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint is required"},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure connections"},
		{"remote tls", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol must be"},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, "sample_rate"},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tel := NewTestTelemetry()

	_, span := tel.Tracer("test").Start(context.Background(), "orchestrator.phase")
	span.End()
	tel.AssertSpanExists(t, "orchestrator.phase")

	counter, err := tel.Meter("test").Int64Counter("marathon.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2, metric.WithAttributes(attribute.String("role", "worker")))
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", "audit")))

	assert.Equal(t, int64(3), tel.CounterValue(t, "marathon.test.total"))
	assert.Equal(t, int64(2), tel.CounterValue(t, "marathon.test.total", attribute.String("role", "worker")))
	assert.Equal(t, int64(0), tel.CounterValue(t, "marathon.absent.total"))
}
