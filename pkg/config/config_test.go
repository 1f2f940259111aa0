package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Repair.MaxIterations)
	assert.Equal(t, 60*time.Second, cfg.Validation.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.UnitTimeout)
	assert.Len(t, cfg.Repair.UnfixableMatchers(), len(DefaultUnfixablePatterns))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iacgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
format: bicep
outputDir: out
model:
  name: file-model
retry:
  maxAttempts: 7
  baseDelay: 500ms
validation:
  timeout: 2m
repair:
  maxIterations: 1
`), 0o600))

	t.Setenv("SYNTHESIS_MODEL", "env-model")
	t.Setenv("SYNTHESIS_API_KEY", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bicep", cfg.Format)
	assert.Equal(t, "out", cfg.OutputDir)
	assert.Equal(t, "env-model", cfg.Model.Name)
	assert.Equal(t, "secret", cfg.Model.APIKey)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.Validation.Timeout)
	assert.Equal(t, 1, cfg.Repair.MaxIterations)
	// Untouched sections keep their defaults.
	assert.Equal(t, 20, cfg.Repair.MaxIssuesPerRequest)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "unknown format", mutate: func(c *Config) { c.Format = "pulumi" }, field: "Format"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, field: "MaxAttempts"},
		{name: "max below base", mutate: func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, field: "MaxDelay"},
		{name: "bad pattern", mutate: func(c *Config) { c.Repair.UnfixablePatterns = []string{"("} }, field: "UnfixablePatterns"},
		{name: "configmap without namespace", mutate: func(c *Config) { c.Storage.Backend = "configmap" }, field: "Namespace"},
		{name: "bad endpoint", mutate: func(c *Config) { c.Model.Endpoint = "not a url" }, field: "Endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
