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

package tpm2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-tpm/tpm2"
)

var (
	ErrInvalidConfig  = errors.New("tpm: invalid engine configuration")
	ErrInvalidNameAlg = errors.New("tpm: invalid NV name algorithm")
)

// Config contains the sizing and observability parameters of an Engine.
// Handles and NV index numbers are part of the provisioned guest contract
// and are constants, not configuration.
type Config struct {
	// MaxNVIndexSize is the size of the platform-owned AK certificate
	// index and the legacy size checked by the mitigation logic.
	// Default: 4096
	MaxNVIndexSize uint16 `json:"max_nv_index_size" yaml:"max_nv_index_size"`

	// MaxAttestationIndexSize is the size of the attestation report index.
	// Default: 2600
	MaxAttestationIndexSize uint16 `json:"max_attestation_index_size" yaml:"max_attestation_index_size"`

	// MaxNVBufferSize is the largest payload moved by a single NV_Write or
	// NV_Read. Larger transfers are split at this boundary.
	// Default: 1024
	MaxNVBufferSize uint16 `json:"max_nv_buffer_size" yaml:"max_nv_buffer_size"`

	// NVNameAlg is the name algorithm of NV indices defined by the engine.
	// Valid values: "sha1", "sha256", "sha384", "sha512"
	// Default: "sha256"
	NVNameAlg string `json:"nv_name_alg" yaml:"nv_name_alg"`

	// LogRateLimitPerMinute bounds the error records emitted per failure
	// site on the tolerated failure paths. Zero disables limiting.
	LogRateLimitPerMinute int `json:"log_ratelimit_per_minute" yaml:"log_ratelimit_per_minute"`

	// MetricsEnabled records Prometheus metrics for every command.
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
}

// DefaultConfig returns the sizing used by the provisioned guest contract.
func DefaultConfig() *Config {
	return &Config{
		MaxNVIndexSize:          4096,
		MaxAttestationIndexSize: 2600,
		MaxNVBufferSize:         1024,
		NVNameAlg:               "sha256",
		LogRateLimitPerMinute:   10,
		MetricsEnabled:          true,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.MaxNVIndexSize == 0 {
		return fmt.Errorf("%w: max_nv_index_size must be greater than zero", ErrInvalidConfig)
	}
	if c.MaxAttestationIndexSize == 0 {
		return fmt.Errorf("%w: max_attestation_index_size must be greater than zero", ErrInvalidConfig)
	}
	if c.MaxNVBufferSize == 0 {
		return fmt.Errorf("%w: max_nv_buffer_size must be greater than zero", ErrInvalidConfig)
	}
	if c.MaxNVBufferSize > c.MaxNVIndexSize {
		return fmt.Errorf("%w: max_nv_buffer_size %d exceeds max_nv_index_size %d",
			ErrInvalidConfig, c.MaxNVBufferSize, c.MaxNVIndexSize)
	}
	if c.LogRateLimitPerMinute < 0 {
		return fmt.Errorf("%w: log_ratelimit_per_minute cannot be negative", ErrInvalidConfig)
	}
	if _, err := c.NameAlg(); err != nil {
		return err
	}
	return nil
}

// NameAlg returns the go-tpm algorithm for NVNameAlg.
func (c *Config) NameAlg() (tpm2.TPMIAlgHash, error) {
	switch strings.ToLower(c.NVNameAlg) {
	case "sha1":
		return tpm2.TPMAlgSHA1, nil
	case "", "sha256":
		return tpm2.TPMAlgSHA256, nil
	case "sha384":
		return tpm2.TPMAlgSHA384, nil
	case "sha512":
		return tpm2.TPMAlgSHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidNameAlg, c.NVNameAlg)
}
