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

// Package tpm2 drives the TPM 2.0 execution core of a virtual TPM.
//
// # Overview
//
// An Engine builds TPM 2.0 commands, hands them to an ExecutionCore and
// validates the replies. On top of the command builders it provides the
// provisioning steps a VM host runs at boot, before the guest takes over
// the TPM:
//
//	InitializeTPMEngine            Startup(CLEAR) and a full self test
//	ClearTPMPlatformContext        ClearControl + Clear under the platform
//	RefreshTPMSeeds                ChangeEPS + ChangePPS
//	AllocatePCRBanks               PCR_Allocate
//	CreateAKPub / CreateEKPub      attestation and endorsement keys
//	AllocateGuestAttestationNVIndices
//	                               AK certificate and report NV indices
//	InitializeGuestSecretKey       import a host-duplicated key
//	DisablePlatformHierarchy       last step of the boot sequence
//
// # Errors
//
// Command builders return *CommandError. Only the CommandFailed kind means
// the TPM rejected the command; the other kinds are encoding, execution or
// framing failures. The provisioning steps return *HelperError, which wraps
// the command error together with the command, auth handle and NV index
// involved. The template and key export helpers return *UtilityError.
//
// Some provisioning failures are tolerated: a CreatePrimary or EvictControl
// rejected by the TPM is logged, counted and skipped, because the guest may
// legitimately have changed the hierarchy authorization.
//
// # Execution Core
//
// Any go-tpm transport can serve as the execution core:
//
//	sim, err := simulator.Open(1234567890)
//	if err != nil {
//	    return err
//	}
//	defer sim.Close()
//	engine, err := tpm2.New(&tpm2.Params{Transport: sim.Transport()})
//
// An Engine owns one reply buffer and is not safe for concurrent use.
package tpm2
