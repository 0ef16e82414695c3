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
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-vtpm/pkg/tpm2"
	"gopkg.in/yaml.v3"
)

// DefaultSimulatorSeed matches the fixed seed the simulator tests use
const DefaultSimulatorSeed int64 = 1234567890

// Config represents the complete host configuration for a vTPM engine
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    *tpm2.Config    `yaml:"engine"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// SimulatorConfig controls the reference simulator execution core
type SimulatorConfig struct {
	Seed int64 `yaml:"seed"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: tpm2.DefaultConfig(),
		Simulator: SimulatorConfig{
			Seed: DefaultSimulatorSeed,
		},
	}
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Engine == nil {
		cfg.Engine = tpm2.DefaultConfig()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	// Logging
	if level := os.Getenv("VTPM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("VTPM_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Engine sizing
	if cfg.Engine == nil {
		cfg.Engine = tpm2.DefaultConfig()
	}
	overrideUint16("VTPM_MAX_NV_INDEX_SIZE", &cfg.Engine.MaxNVIndexSize)
	overrideUint16("VTPM_MAX_ATTESTATION_INDEX_SIZE", &cfg.Engine.MaxAttestationIndexSize)
	overrideUint16("VTPM_MAX_NV_BUFFER_SIZE", &cfg.Engine.MaxNVBufferSize)

	if enabled := os.Getenv("VTPM_METRICS_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			log.Printf("Warning: invalid VTPM_METRICS_ENABLED value %q, using default %t: %v",
				enabled, cfg.Engine.MetricsEnabled, err)
		} else {
			cfg.Engine.MetricsEnabled = v
		}
	}

	// Simulator
	if seed := os.Getenv("VTPM_SIMULATOR_SEED"); seed != "" {
		v, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			log.Printf("Warning: invalid VTPM_SIMULATOR_SEED value %q, using default %d: %v",
				seed, cfg.Simulator.Seed, err)
		} else {
			cfg.Simulator.Seed = v
		}
	}
}

func overrideUint16(name string, dst *uint16) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using default %d: %v", name, raw, *dst, err)
		return
	}
	*dst = uint16(v)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Engine == nil {
		return fmt.Errorf("engine configuration is required")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	return nil
}

// LogLevel returns the effective log level, honoring the debug switch
func (c *Config) LogLevel() string {
	if c.Logging.Debug {
		return "debug"
	}
	return c.Logging.Level
}
