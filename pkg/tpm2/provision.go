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
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// handlePageSize is the number of handles requested per GetCapability.
const handlePageSize = 64

// InitializeTPMEngine starts the TPM with Startup(CLEAR) and runs a full
// self test. It must only be called once after a TPM reset; the TPM
// rejects a second Startup.
func (e *Engine) InitializeTPMEngine() error {
	err := e.initializeTPMEngine()
	e.recordOperation(metrics.OpInitialize, err)
	return err
}

func (e *Engine) initializeTPMEngine() error {
	if err := e.Startup(tpmproto.StartupClear); err != nil {
		return commandError(err, tpmproto.CCStartup, nil, nil)
	}
	if err := e.SelfTest(true); err != nil {
		return commandError(err, tpmproto.CCSelfTest, nil, nil)
	}
	e.logger.Info("tpm engine initialized")
	return nil
}

// ClearTPMPlatformContext enables and runs TPM2_Clear under the platform
// hierarchy. A TPM rejection is not an error: its response code is
// returned for the caller to record as the last physical presence state.
// Success returns TPM_RC_SUCCESS.
func (e *Engine) ClearTPMPlatformContext() (tpmproto.ResponseCode, error) {
	rc, err := e.clearTPMPlatformContext()
	e.recordOperation(metrics.OpClearPlatform, err)
	return rc, err
}

func (e *Engine) clearTPMPlatformContext() (tpmproto.ResponseCode, error) {
	if err := e.ClearControl(tpmproto.RHPlatform, false); err != nil {
		if rc, ok := ResponseCodeOf(err); ok {
			e.absorb(metrics.OpClearPlatform, tpmproto.CCClearControl, err)
			return rc, nil
		}
		return 0, commandError(err, tpmproto.CCClearControl, handleRef(tpmproto.RHPlatform), nil)
	}

	rc, err := e.Clear(tpmproto.RHPlatform)
	if err != nil {
		if rc, ok := ResponseCodeOf(err); ok {
			e.absorb(metrics.OpClearPlatform, tpmproto.CCClear, err)
			return rc, nil
		}
		return 0, commandError(err, tpmproto.CCClear, handleRef(tpmproto.RHPlatform), nil)
	}
	return rc, nil
}

// RefreshTPMSeeds replaces the endorsement and platform primary seeds.
// Every primary key derived afterwards, including the AK and EK, differs
// from the ones derived before.
func (e *Engine) RefreshTPMSeeds() error {
	err := e.refreshTPMSeeds()
	e.recordOperation(metrics.OpRefreshSeeds, err)
	return err
}

func (e *Engine) refreshTPMSeeds() error {
	for _, code := range []tpmproto.CommandCode{tpmproto.CCChangeEPS, tpmproto.CCChangePPS} {
		if err := e.ChangeSeed(tpmproto.RHPlatform, code); err != nil {
			return commandError(err, code, handleRef(tpmproto.RHPlatform), nil)
		}
	}
	e.logger.Info("tpm seeds refreshed")
	return nil
}

// DisablePlatformHierarchy disables the platform hierarchy until the next
// TPM reset. It runs last in the boot sequence, after every operation
// that needs platform authorization.
func (e *Engine) DisablePlatformHierarchy() error {
	err := e.HierarchyControl(tpmproto.RHPlatform, tpmproto.RHPlatform, false)
	if err != nil {
		err = commandError(err, tpmproto.CCHierarchyControl, handleRef(tpmproto.RHPlatform), nil)
	}
	e.recordOperation(metrics.OpDisablePlatform, err)
	return err
}

// AllocatePCRBanks requests the PCR banks in toAllocate, restricted to
// supported. Like ClearTPMPlatformContext, a TPM rejection returns its
// response code instead of an error.
func (e *Engine) AllocatePCRBanks(supported, toAllocate PCRBanks) (tpmproto.ResponseCode, error) {
	rc, err := e.allocatePCRBanks(supported, toAllocate)
	e.recordOperation(metrics.OpAllocatePCRBanks, err)
	return rc, err
}

func (e *Engine) allocatePCRBanks(supported, toAllocate PCRBanks) (tpmproto.ResponseCode, error) {
	reply, err := e.PCRAllocate(tpmproto.RHPlatform, supported, toAllocate)
	if err != nil {
		if rc, ok := ResponseCodeOf(err); ok {
			e.absorb(metrics.OpAllocatePCRBanks, tpmproto.CCPCRAllocate, err)
			return rc, nil
		}
		return 0, commandError(err, tpmproto.CCPCRAllocate, handleRef(tpmproto.RHPlatform), nil)
	}
	if !reply.AllocationSuccess {
		e.logger.Warn("pcr allocation not accepted",
			"supported", supported.String(), "requested", toAllocate.String(),
			"size_needed", reply.SizeNeeded, "size_available", reply.SizeAvailable)
	}
	return reply.ResponseCode, nil
}

// ListHandles enumerates the handles of type ht, such as persistent
// objects or NV indices.
func (e *Engine) ListHandles(ht tpmproto.HandleType) ([]tpmproto.ReservedHandle, error) {
	var handles []tpmproto.ReservedHandle
	next := tpmproto.NewReservedHandle(ht, 0)
	for {
		reply, err := e.GetCapabilityHandles(next, handlePageSize)
		if err != nil {
			return nil, commandError(err, tpmproto.CCGetCapability, nil, nil)
		}
		for _, h := range reply.Handles {
			if h.Type() == ht {
				handles = append(handles, h)
			}
		}
		if !reply.MoreData || len(reply.Handles) == 0 {
			return handles, nil
		}
		last := reply.Handles[len(reply.Handles)-1]
		if last.Type() != ht || last.Index() == 0x00FFFFFF {
			return handles, nil
		}
		next = last + 1
	}
}
