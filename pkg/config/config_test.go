package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeContainer, cfg.Mode)
	assert.Equal(t, "carta", cfg.Namespace)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessiond.yaml")
	data := `
namespace: viz
mode: process
backend:
  command: ["carta_backend", "--port", "{port}"]
  port: 3010
ingress:
  enabled: false
ports:
  min: 4000
  max: 4100
budgets:
  visibility: 5s
  startup: 30s
  killGrace: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "viz", cfg.Namespace)
	assert.Equal(t, ModeProcess, cfg.Mode)
	assert.Equal(t, int32(3010), cfg.Backend.Port)
	assert.Equal(t, 4000, cfg.Ports.Min)
	assert.Equal(t, 5*time.Second, cfg.Budgets.Visibility)
	assert.Equal(t, 30*time.Second, cfg.Budgets.Startup)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1000, cfg.LogLines)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{
			name:   "bad mode",
			mutate: func(c *Config) { c.Mode = "vm" },
			errSub: "mode must be",
		},
		{
			name:   "missing namespace",
			mutate: func(c *Config) { c.Namespace = "" },
			errSub: "namespace",
		},
		{
			name:   "invalid image reference",
			mutate: func(c *Config) { c.Backend.Image = "UPPER CASE??" },
			errSub: "image",
		},
		{
			name: "process mode requires command",
			mutate: func(c *Config) {
				c.Mode = ModeProcess
				c.Backend.Command = nil
			},
			errSub: "backend.command",
		},
		{
			name:   "inverted port range",
			mutate: func(c *Config) { c.Ports = PortRange{Min: 5000, Max: 4000} },
			errSub: "port range",
		},
		{
			name: "tls without secret",
			mutate: func(c *Config) {
				c.Ingress.TLS = true
				c.Ingress.TLSSecret = ""
			},
			errSub: "tlsSecret",
		},
		{
			name:   "zero startup budget",
			mutate: func(c *Config) { c.Budgets.Startup = 0 },
			errSub: "budgets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
