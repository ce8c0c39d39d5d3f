package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 4, cfg.FingerEntries)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "landmark set",
			mutate: func(c *Config) { c.Landmark = "10.0.0.1" },
		},
		{
			name:   "http disabled",
			mutate: func(c *Config) { c.HTTPPort = 0 },
		},
		{
			name:    "hostname instead of address",
			mutate:  func(c *Config) { c.Host = "node1.local" },
			wantErr: true,
		},
		{
			name:    "ipv6 host",
			mutate:  func(c *Config) { c.Host = "::1" },
			wantErr: true,
		},
		{
			name:    "unspecified host",
			mutate:  func(c *Config) { c.Host = "0.0.0.0" },
			wantErr: true,
		},
		{
			name:    "invalid landmark",
			mutate:  func(c *Config) { c.Landmark = "landmark" },
			wantErr: true,
		},
		{
			name:    "invalid port (negative)",
			mutate:  func(c *Config) { c.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid port (too large)",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid HTTP port",
			mutate:  func(c *Config) { c.HTTPPort = -1 },
			wantErr: true,
		},
		{
			name:    "finger entries too small",
			mutate:  func(c *Config) { c.FingerEntries = 0 },
			wantErr: true,
		},
		{
			name:    "finger entries too large",
			mutate:  func(c *Config) { c.FingerEntries = 32 },
			wantErr: true,
		},
		{
			name:    "zero ping timeout",
			mutate:  func(c *Config) { c.PingTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero stabilize interval",
			mutate:  func(c *Config) { c.StabilizeInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero fix fingers interval",
			mutate:  func(c *Config) { c.FixFingersInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero join retry interval",
			mutate:  func(c *Config) { c.JoinRetryInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero join attempts",
			mutate:  func(c *Config) { c.JoinAttempts = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
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

func TestConfigFields(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 10001, cfg.Port)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout)
	assert.Equal(t, 10*time.Second, cfg.StabilizeInterval)
	assert.Equal(t, 20*time.Second, cfg.FixFingersInterval)
	assert.True(t, cfg.CheckPredecessor)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestConfigAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "10.0.0.3"

	addr, err := cfg.Addr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), addr)

	landmark, err := cfg.LandmarkAddr()
	require.NoError(t, err)
	assert.False(t, landmark.IsValid())

	cfg.Landmark = "10.0.0.1"
	landmark, err = cfg.LandmarkAddr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), landmark)
}
