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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	// Metrics should be enabled by default
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordCommand(t *testing.T) {
	Enable()
	CommandsTotal.Reset()
	CommandDuration.Reset()

	RecordCommand("Startup", StatusSuccess, 0.001)

	if count := testutil.CollectAndCount(CommandsTotal); count != 1 {
		t.Errorf("Expected 1 command series, got %d", count)
	}
	if count := testutil.CollectAndCount(CommandDuration); count != 1 {
		t.Errorf("Expected 1 histogram series, got %d", count)
	}

	RecordCommand("Startup", StatusSuccess, 0.002)
	RecordCommand("NV_Write", StatusFailed, 0.002)

	if v := testutil.ToFloat64(CommandsTotal.WithLabelValues("Startup", StatusSuccess)); v != 2 {
		t.Errorf("Expected 2 Startup successes, got %v", v)
	}
	if count := testutil.CollectAndCount(CommandsTotal); count != 2 {
		t.Errorf("Expected 2 command series, got %d", count)
	}
}

func TestRecordCommandWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	CommandsTotal.Reset()
	RecordCommand("Startup", StatusSuccess, 0.5)

	if count := testutil.CollectAndCount(CommandsTotal); count != 0 {
		t.Errorf("Expected 0 commands when disabled, got %d", count)
	}
}

func TestRecordResponseCode(t *testing.T) {
	Enable()
	ResponseCodesTotal.Reset()

	RecordResponseCode("NV_ReadPublic", "0x18b")
	RecordResponseCode("NV_ReadPublic", "0x18b")

	if v := testutil.ToFloat64(ResponseCodesTotal.WithLabelValues("NV_ReadPublic", "0x18b")); v != 2 {
		t.Errorf("Expected 2 handle errors, got %v", v)
	}
}

func TestHelperCounters(t *testing.T) {
	Enable()
	HelperOperationsTotal.Reset()
	AbsorbedFailuresTotal.Reset()
	NVBytesTotal.Reset()
	DroppedLogsTotal.Reset()

	RecordHelperOperation(OpCreateAK, StatusSuccess)
	RecordAbsorbedFailure(OpFlushTransient, "0x18b")
	AddNVBytes(DirectionWrite, 1024)
	AddNVBytes(DirectionWrite, 500)
	RecordDroppedLog("FlushContext")

	if v := testutil.ToFloat64(HelperOperationsTotal.WithLabelValues(OpCreateAK, StatusSuccess)); v != 1 {
		t.Errorf("Expected 1 create_ak success, got %v", v)
	}
	if v := testutil.ToFloat64(AbsorbedFailuresTotal.WithLabelValues(OpFlushTransient, "0x18b")); v != 1 {
		t.Errorf("Expected 1 absorbed flush failure, got %v", v)
	}
	if v := testutil.ToFloat64(NVBytesTotal.WithLabelValues(DirectionWrite)); v != 1524 {
		t.Errorf("Expected 1524 bytes written, got %v", v)
	}
	if v := testutil.ToFloat64(DroppedLogsTotal.WithLabelValues("FlushContext")); v != 1 {
		t.Errorf("Expected 1 dropped log, got %v", v)
	}
}
