// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-vtpm/pkg/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "debug"
  format: "json"

engine:
  max_nv_index_size: 2048
  max_attestation_index_size: 1024
  max_nv_buffer_size: 512
  nv_name_alg: "sha256"
  log_ratelimit_per_minute: 30
  metrics_enabled: false

simulator:
  seed: 42
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, uint16(2048), cfg.Engine.MaxNVIndexSize)
	assert.Equal(t, uint16(1024), cfg.Engine.MaxAttestationIndexSize)
	assert.Equal(t, uint16(512), cfg.Engine.MaxNVBufferSize)
	assert.Equal(t, 30, cfg.Engine.LogRateLimitPerMinute)
	assert.False(t, cfg.Engine.MetricsEnabled)
	assert.Equal(t, int64(42), cfg.Simulator.Seed)
}

// TestLoad_Defaults tests that keys missing from the file keep their defaults
func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, tpm2.DefaultConfig(), cfg.Engine)
	assert.Equal(t, DefaultSimulatorSeed, cfg.Simulator.Seed)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

// TestLoad_InvalidYAML tests loading an invalid YAML file
func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_nv_index_size: [unclosed array
`)

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

// TestLoad_ValidationFailure tests loading a config that fails validation
func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "log level",
			content: "logging:\n  level: \"verbose\"\n",
		},
		{
			name:    "log format",
			content: "logging:\n  format: \"console\"\n",
		},
		{
			name:    "chunk larger than index",
			content: "engine:\n  max_nv_index_size: 512\n  max_nv_buffer_size: 1024\n",
		},
		{
			name:    "unknown name algorithm",
			content: "engine:\n  nv_name_alg: \"md5\"\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

// TestApplyEnvOverrides tests environment variable overrides
func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VTPM_LOG_LEVEL", "warn")
	t.Setenv("VTPM_LOG_FORMAT", "json")
	t.Setenv("VTPM_MAX_NV_INDEX_SIZE", "2048")
	t.Setenv("VTPM_MAX_ATTESTATION_INDEX_SIZE", "1300")
	t.Setenv("VTPM_MAX_NV_BUFFER_SIZE", "256")
	t.Setenv("VTPM_METRICS_ENABLED", "false")
	t.Setenv("VTPM_SIMULATOR_SEED", "7")

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, uint16(2048), cfg.Engine.MaxNVIndexSize)
	assert.Equal(t, uint16(1300), cfg.Engine.MaxAttestationIndexSize)
	assert.Equal(t, uint16(256), cfg.Engine.MaxNVBufferSize)
	assert.False(t, cfg.Engine.MetricsEnabled)
	assert.Equal(t, int64(7), cfg.Simulator.Seed)
}

// TestApplyEnvOverrides_InvalidValues tests that malformed values keep defaults
func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("VTPM_MAX_NV_INDEX_SIZE", "70000")
	t.Setenv("VTPM_MAX_NV_BUFFER_SIZE", "abc")
	t.Setenv("VTPM_METRICS_ENABLED", "maybe")
	t.Setenv("VTPM_SIMULATOR_SEED", "seed")

	cfg := Default()
	applyEnvOverrides(cfg)

	defaults := Default()
	assert.Equal(t, defaults.Engine, cfg.Engine)
	assert.Equal(t, defaults.Simulator, cfg.Simulator)
}

// TestLoad_WithEnvOverrides tests that the environment wins over the file
func TestLoad_WithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_nv_index_size: 2048
`)
	t.Setenv("VTPM_MAX_NV_INDEX_SIZE", "3072")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(3072), cfg.Engine.MaxNVIndexSize)
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel())
	cfg.Logging.Debug = true
	assert.Equal(t, "debug", cfg.LogLevel())
}
