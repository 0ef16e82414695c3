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

// Package metrics provides Prometheus instrumentation for the vTPM command
// engine. It exposes per-command counters and latency histograms, response
// code counters and counters for provisioning steps whose failures are
// absorbed rather than returned.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all vTPM metrics
	Namespace = "vtpm"

	// Label names
	LabelCommand      = "command"
	LabelStatus       = "status"
	LabelResponseCode = "response_code"
	LabelOperation    = "operation"
	LabelReason       = "reason"
	LabelDirection    = "direction"
	LabelKey          = "key"

	// Command status values
	StatusSuccess         = "success"
	StatusFailed          = "failed"
	StatusExecuteError    = "execute_error"
	StatusInvalidResponse = "invalid_response"
	StatusCreationError   = "creation_error"
	StatusError           = "error"

	// NV transfer directions
	DirectionRead  = "read"
	DirectionWrite = "write"

	// Helper operation names
	OpInitialize          = "initialize"
	OpClearPlatform       = "clear_platform"
	OpRefreshSeeds        = "refresh_seeds"
	OpCreateAK            = "create_ak"
	OpCreateEK            = "create_ek"
	OpAllocateNVIndices   = "allocate_nv_indices"
	OpReadNVIndex         = "read_nv_index"
	OpWriteNVIndex        = "write_nv_index"
	OpGuestSecretKey      = "guest_secret_key"
	OpDisablePlatform     = "disable_platform"
	OpAllocatePCRBanks    = "allocate_pcr_banks"
	OpEvictOrPersist      = "evict_or_persist"
	OpFlushTransient      = "flush_transient"
	OpWriteMitigateMarker = "write_mitigate_marker"
	OpDefineAKCertIndex   = "define_ak_cert_index"
)

var (
	// CommandsTotal tracks every command submitted to the execution core by
	// command name and outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of TPM commands by command and status",
		},
		[]string{LabelCommand, LabelStatus},
	)

	// CommandDuration tracks execution core latency per command in seconds.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of TPM commands in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{LabelCommand},
	)

	// ResponseCodesTotal tracks non-success response codes per command.
	ResponseCodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "response_codes_total",
			Help:      "Total number of non-success TPM response codes by command",
		},
		[]string{LabelCommand, LabelResponseCode},
	)

	// HelperOperationsTotal tracks provisioning operations by outcome.
	HelperOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "helper_operations_total",
			Help:      "Total number of provisioning operations by operation and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// AbsorbedFailuresTotal tracks failures that were logged and tolerated.
	AbsorbedFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "absorbed_failures_total",
			Help:      "Total number of tolerated TPM failures by operation and reason",
		},
		[]string{LabelOperation, LabelReason},
	)

	// NVBytesTotal tracks bytes moved through NV_Read and NV_Write.
	NVBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nv_bytes_total",
			Help:      "Total number of NV bytes transferred by direction",
		},
		[]string{LabelDirection},
	)

	// DroppedLogsTotal tracks error records suppressed by the log rate limiter.
	DroppedLogsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dropped_logs_total",
			Help:      "Total number of rate limited error log records by key",
		},
		[]string{LabelKey},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordCommand records a command round trip with its duration and status.
//
// Example:
//
//	start := time.Now()
//	err := core.ExecuteCommand(cmd, reply)
//	metrics.RecordCommand("NV_Write", metrics.StatusSuccess, time.Since(start).Seconds())
func RecordCommand(command, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	CommandsTotal.WithLabelValues(command, status).Inc()
	CommandDuration.WithLabelValues(command).Observe(duration)
}

// RecordResponseCode records a non-success response code for a command.
func RecordResponseCode(command, responseCode string) {
	if !enabled.Load() {
		return
	}
	ResponseCodesTotal.WithLabelValues(command, responseCode).Inc()
}

// RecordHelperOperation records the outcome of a provisioning operation.
func RecordHelperOperation(operation, status string) {
	if !enabled.Load() {
		return
	}
	HelperOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAbsorbedFailure records a failure that was logged and tolerated.
func RecordAbsorbedFailure(operation, reason string) {
	if !enabled.Load() {
		return
	}
	AbsorbedFailuresTotal.WithLabelValues(operation, reason).Inc()
}

// AddNVBytes records bytes transferred to or from NV storage.
func AddNVBytes(direction string, n int) {
	if !enabled.Load() {
		return
	}
	NVBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordDroppedLog records an error log record suppressed by rate limiting.
func RecordDroppedLog(key string) {
	if !enabled.Load() {
		return
	}
	DroppedLogsTotal.WithLabelValues(key).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
