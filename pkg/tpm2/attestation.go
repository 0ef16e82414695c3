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
	"encoding/binary"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// AKCertType classifies whatever occupies the AK certificate index.
type AKCertType int

const (
	// AKCertNone means there is no certificate to carry over.
	AKCertNone AKCertType = iota
	// AKCertPlatformOwned means the index was platform-created; its
	// contents were captured and the index undefined.
	AKCertPlatformOwned
	// AKCertOwnerOwned means the index was defined by the owner and is
	// never touched.
	AKCertOwnerOwned
)

func (t AKCertType) String() string {
	switch t {
	case AKCertNone:
		return "none"
	case AKCertPlatformOwned:
		return "platform_owned"
	case AKCertOwnerOwned:
		return "owner_owned"
	}
	return "unknown"
}

// AllocateGuestAttestationNVIndices defines the NV indices the guest uses
// for attestation.
//
// The AK certificate index is recreated under the platform hierarchy with
// authValue unless it is owner-owned. With preserveAKCert the previous
// platform-owned contents are written back. With mitigateLegacyAKCert a
// legacy full-size index holding a DER certificate is redefined
// owner-owned at the certificate size and the mitigation marker is
// defined. Legacy contents that are not a DER certificate also get the
// marker but keep the platform-owned full-size layout. Once the marker
// exists the AK certificate index is left alone.
// With supportAttestationReport the attestation report index is always
// recreated empty.
func (e *Engine) AllocateGuestAttestationNVIndices(
	authValue uint64,
	preserveAKCert bool,
	supportAttestationReport bool,
	mitigateLegacyAKCert bool) error {

	err := e.allocateGuestAttestationNVIndices(authValue, preserveAKCert,
		supportAttestationReport, mitigateLegacyAKCert)
	e.recordOperation(metrics.OpAllocateNVIndices, err)
	return err
}

func (e *Engine) allocateGuestAttestationNVIndices(
	authValue uint64,
	preserveAKCert bool,
	supportAttestationReport bool,
	mitigateLegacyAKCert bool) error {

	if mitigateLegacyAKCert && e.hasMitigationMarker() {
		return e.inspectMitigatedAKCert()
	}

	certType, cert, err := e.takeExistingAKCert()
	if err != nil {
		return err
	}

	switch certType {
	case AKCertNone:
		e.logger.Info("allocating AK certificate index",
			"nv_index", AKCertNVIndex.String(), "size", e.config.MaxNVIndexSize)
		if err := e.NVDefineSpace(tpmproto.RHPlatform, authValue, AKCertNVIndex, e.config.MaxNVIndexSize); err != nil {
			return commandError(err, tpmproto.CCNVDefineSpace,
				handleRef(tpmproto.RHPlatform), handleRef(AKCertNVIndex))
		}

	case AKCertPlatformOwned:
		if err := e.redefinePlatformAKCert(authValue, cert, preserveAKCert, mitigateLegacyAKCert); err != nil {
			return err
		}

	case AKCertOwnerOwned:
		e.logger.Info("leaving owner-defined AK certificate index untouched")
	}

	if !supportAttestationReport {
		return nil
	}

	_, found, err := e.FindNVIndex(AttestationReportNVIndex)
	if err != nil {
		return err
	}
	if found {
		if err := e.NVUndefineSpace(tpmproto.RHPlatform, AttestationReportNVIndex); err != nil {
			return commandError(err, tpmproto.CCNVUndefineSpace,
				handleRef(tpmproto.RHPlatform), handleRef(AttestationReportNVIndex))
		}
	}

	e.logger.Info("allocating attestation report index",
		"nv_index", AttestationReportNVIndex.String(), "size", e.config.MaxAttestationIndexSize)
	if err := e.NVDefineSpace(tpmproto.RHPlatform, authValue, AttestationReportNVIndex,
		e.config.MaxAttestationIndexSize); err != nil {
		return commandError(err, tpmproto.CCNVDefineSpace,
			handleRef(tpmproto.RHPlatform), handleRef(AttestationReportNVIndex))
	}
	return nil
}

// redefinePlatformAKCert recreates a platform-owned AK certificate index
// whose previous contents are cert.
func (e *Engine) redefinePlatformAKCert(authValue uint64, cert []byte, preserve, mitigate bool) error {
	size := e.config.MaxNVIndexSize
	mitigating := false
	if mitigate && len(cert) == int(e.config.MaxNVIndexSize) {
		e.writeMitigationMarker(authValue)
		// Only contents that look like a DER certificate can be shrunk;
		// anything else keeps the legacy layout.
		if derSize, ok := derCertificateSize(cert, e.config.MaxNVIndexSize); ok {
			mitigating = true
			e.logger.Warn("redefining AK certificate index with limited size", "size", derSize)
			size = derSize
			cert = cert[:size]
		} else {
			e.logger.Warn("AK certificate is not DER encoded, keeping legacy size", "size", size)
		}
	}

	// A mitigated index is owner-owned and written with owner authorization.
	authHandle := tpmproto.RHPlatform
	defineAuth := authValue
	writeHandle := AKCertNVIndex
	writeAuth := tpmproto.PasswordAuthValue(authValue)
	if mitigating {
		authHandle = tpmproto.RHOwner
		defineAuth = 0
		writeHandle = tpmproto.RHOwner
		writeAuth = tpmproto.EmptyAuth()
	}

	e.logger.Info("allocating AK certificate index for previous platform certificate",
		"nv_index", AKCertNVIndex.String(), "size", size, "auth_handle", authHandle.String())

	if err := e.NVDefineSpace(authHandle, defineAuth, AKCertNVIndex, size); err != nil {
		// The marker is already in place; the VM counts as mitigated.
		if mitigating {
			e.absorb(metrics.OpDefineAKCertIndex, tpmproto.CCNVDefineSpace, err,
				"nv_index", AKCertNVIndex.String(), "size", size)
			return nil
		}
		err = commandError(err, tpmproto.CCNVDefineSpace, handleRef(authHandle), handleRef(AKCertNVIndex))
		e.logger.Error(err)
		return err
	}

	if !preserve {
		return nil
	}
	e.logger.Info("preserving previous AK certificate")
	if err := e.NVWrite(writeHandle, writeAuth, AKCertNVIndex, cert); err != nil {
		return commandError(err, tpmproto.CCNVWrite, handleRef(writeHandle), handleRef(AKCertNVIndex))
	}
	return nil
}

// derCertificateSize returns the size of a DER SEQUENCE with a two byte
// length (30 82 hi lo), including its four byte header, clamped to limit.
// Longer length encodings are not recognized.
func derCertificateSize(cert []byte, limit uint16) (uint16, bool) {
	if len(cert) < 4 || cert[0] != 0x30 || cert[1] != 0x82 {
		return 0, false
	}
	n := uint32(binary.BigEndian.Uint16(cert[2:4])) + 4
	if n > 0xFFFF {
		n = 0xFFFF
	}
	size := min(uint16(n), limit)
	if int(size) > len(cert) {
		size = uint16(len(cert))
	}
	return size, true
}

// takeExistingAKCert classifies the AK certificate index. A platform-owned
// index is captured and undefined, an uninitialized one is undefined and
// an owner-owned one is left in place.
func (e *Engine) takeExistingAKCert() (AKCertType, []byte, error) {
	buf := make([]byte, e.config.MaxNVIndexSize)
	state, err := e.ReadFromNVIndex(AKCertNVIndex, buf)
	if err != nil {
		return AKCertNone, nil, err
	}

	switch state {
	case NVIndexAvailable:
		reply, found, err := e.FindNVIndex(AKCertNVIndex)
		if err != nil {
			return AKCertNone, nil, err
		}
		if !found {
			return AKCertNone, nil, nil
		}

		cert := make([]byte, reply.Public.DataSize)
		copy(cert, buf)

		platformCreated := reply.Public.Attributes.Has(tpmproto.NVPlatformCreate)
		e.logger.Info("AK certificate index holds data",
			"size", reply.Public.DataSize, "platform_created", platformCreated)
		if !platformCreated {
			return AKCertOwnerOwned, nil, nil
		}

		if err := e.NVUndefineSpace(tpmproto.RHPlatform, AKCertNVIndex); err != nil {
			return AKCertNone, nil, commandError(err, tpmproto.CCNVUndefineSpace,
				handleRef(tpmproto.RHPlatform), handleRef(AKCertNVIndex))
		}
		return AKCertPlatformOwned, cert, nil

	case NVIndexUninitialized:
		e.logger.Info("AK certificate index allocated but uninitialized")
		if err := e.NVUndefineSpace(tpmproto.RHPlatform, AKCertNVIndex); err != nil {
			return AKCertNone, nil, commandError(err, tpmproto.CCNVUndefineSpace,
				handleRef(tpmproto.RHPlatform), handleRef(AKCertNVIndex))
		}
	}
	return AKCertNone, nil, nil
}

// inspectMitigatedAKCert runs when the mitigation marker exists. Only a
// platform-owned AK certificate index is changed: it is moved back to the
// owner hierarchy at its current size with its contents.
func (e *Engine) inspectMitigatedAKCert() error {
	buf := make([]byte, e.config.MaxNVIndexSize)
	state, err := e.ReadFromNVIndex(AKCertNVIndex, buf)
	e.logger.Warn("VM has legacy AK certificate mitigation marker")
	if err != nil {
		e.logger.Error(err)
		return nil
	}

	switch state {
	case NVIndexUninitialized:
		e.logger.Warn("AK certificate index uninitialized with mitigation marker")
		return nil
	case NVIndexUnallocated:
		e.logger.Warn("AK certificate index unallocated with mitigation marker")
		return nil
	}

	reply, found, err := e.FindNVIndex(AKCertNVIndex)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	e.logger.Info("AK certificate index exists",
		"attributes", reply.Public.Attributes.String(), "size", reply.Public.DataSize)
	if !reply.Public.Attributes.Has(tpmproto.NVPlatformCreate) {
		return nil
	}

	e.logger.Info("AK certificate index is platform owned, restoring owner authorization")
	certType, cert, err := e.takeExistingAKCert()
	if err != nil {
		return err
	}
	if certType != AKCertPlatformOwned {
		return nil
	}
	if err := e.NVDefineSpace(tpmproto.RHOwner, 0, AKCertNVIndex, uint16(len(cert))); err != nil {
		return commandError(err, tpmproto.CCNVDefineSpace, handleRef(tpmproto.RHOwner), handleRef(AKCertNVIndex))
	}
	if err := e.NVWrite(tpmproto.RHOwner, tpmproto.EmptyAuth(), AKCertNVIndex, cert); err != nil {
		return commandError(err, tpmproto.CCNVWrite, handleRef(tpmproto.RHOwner), handleRef(AKCertNVIndex))
	}
	return nil
}

// hasMitigationMarker reports whether the marker index exists. Probe
// failures count as absent.
func (e *Engine) hasMitigationMarker() bool {
	_, found, err := e.FindNVIndex(MitigatedNVIndex)
	return err == nil && found
}

// writeMitigationMarker defines the marker index. Failure is logged and
// tolerated.
func (e *Engine) writeMitigationMarker(authValue uint64) {
	err := e.NVDefineSpace(tpmproto.RHPlatform, authValue, MitigatedNVIndex, mitigatedMarkerSize)
	if err != nil {
		e.absorb(metrics.OpWriteMitigateMarker, tpmproto.CCNVDefineSpace, err,
			"nv_index", MitigatedNVIndex.String())
		return
	}
	e.logger.Warn("wrote mitigation marker", "nv_index", MitigatedNVIndex.String())
}
