package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips validation", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, false},
		{"defaults valid when enabled", func(c *Config) { c.Enabled = true }, false},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "smoke-signals" }, true},
		{"insecure remote rejected", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, true},
		{"sampling rate out of range", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		local    bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"[::1]:4317", true},
		{"collector.internal:4317", false},
		{"10.0.0.5:4317", false},
	}
	for _, tt := range tests {
		cfg := &Config{Endpoint: tt.endpoint}
		assert.Equal(t, tt.local, cfg.isLocalEndpoint(), tt.endpoint)
	}
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	cfg := NewDefaultConfig()
	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
	h := tel.Health()
	assert.True(t, h.Degraded)
}
