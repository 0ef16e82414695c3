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

package tpmproto

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// HandleType is the most significant octet of a TPM handle (TPM_HT).
type HandleType uint8

const (
	HandleTypePCR           HandleType = 0x00
	HandleTypeNVIndex       HandleType = 0x01
	HandleTypeHMACSession   HandleType = 0x02
	HandleTypePolicySession HandleType = 0x03
	HandleTypePermanent     HandleType = 0x40
	HandleTypeTransient     HandleType = 0x80
	HandleTypePersistent    HandleType = 0x81
)

// ReservedHandle is a 32-bit TPM object, hierarchy, session or NV index
// handle. Equality and ordering follow the handle value.
type ReservedHandle uint32

// Permanent handles (TPM_RH / TPM_RS).
const (
	RHOwner       ReservedHandle = 0x40000001
	RHNull        ReservedHandle = 0x40000007
	RSPW          ReservedHandle = 0x40000009
	RHLockout     ReservedHandle = 0x4000000A
	RHEndorsement ReservedHandle = 0x4000000B
	RHPlatform    ReservedHandle = 0x4000000C
	RHPlatformNV  ReservedHandle = 0x4000000D
)

// NewReservedHandle composes a handle from its type and the 24-bit index
// within that type.
func NewReservedHandle(ht HandleType, index uint32) ReservedHandle {
	return ReservedHandle(uint32(ht)<<24 | index&0x00FFFFFF)
}

// ParseHandle validates a raw handle value read from the wire or supplied by
// a caller. Only handle types defined by the TPM 2.0 library are accepted.
func ParseHandle(value uint32) (ReservedHandle, error) {
	switch HandleType(value >> 24) {
	case HandleTypePCR,
		HandleTypeNVIndex,
		HandleTypeHMACSession,
		HandleTypePolicySession,
		HandleTypePermanent,
		HandleTypeTransient,
		HandleTypePersistent:
		return ReservedHandle(value), nil
	}
	return 0, fmt.Errorf("%w: %#08x", ErrInvalidHandle, value)
}

// Type returns the handle type octet.
func (h ReservedHandle) Type() HandleType {
	return HandleType(uint32(h) >> 24)
}

// Index returns the low 24 bits of the handle.
func (h ReservedHandle) Index() uint32 {
	return uint32(h) & 0x00FFFFFF
}

// Uint32 returns the raw handle value.
func (h ReservedHandle) Uint32() uint32 {
	return uint32(h)
}

// TPMHandle converts the handle for use with go-tpm structures.
func (h ReservedHandle) TPMHandle() tpm2.TPMHandle {
	return tpm2.TPMHandle(h)
}

func (h ReservedHandle) String() string {
	switch h {
	case RHOwner:
		return "TPM_RH_OWNER"
	case RHNull:
		return "TPM_RH_NULL"
	case RSPW:
		return "TPM_RS_PW"
	case RHLockout:
		return "TPM_RH_LOCKOUT"
	case RHEndorsement:
		return "TPM_RH_ENDORSEMENT"
	case RHPlatform:
		return "TPM_RH_PLATFORM"
	case RHPlatformNV:
		return "TPM_RH_PLATFORM_NV"
	}
	return fmt.Sprintf("0x%08x", uint32(h))
}
