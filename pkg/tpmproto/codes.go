package tpmproto

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// SessionTag is the command/response structure tag (TPM_ST).
type SessionTag uint16

const (
	NoSessions SessionTag = 0x8001
	Sessions   SessionTag = 0x8002
)

func (t SessionTag) String() string {
	switch t {
	case NoSessions:
		return "TPM_ST_NO_SESSIONS"
	case Sessions:
		return "TPM_ST_SESSIONS"
	}
	return fmt.Sprintf("TPM_ST(%#04x)", uint16(t))
}

// CommandCode is a TPM_CC value.
type CommandCode uint32

const (
	CCEvictControl     CommandCode = 0x00000120
	CCHierarchyControl CommandCode = 0x00000121
	CCNVUndefineSpace  CommandCode = 0x00000122
	CCChangeEPS        CommandCode = 0x00000124
	CCChangePPS        CommandCode = 0x00000125
	CCClear            CommandCode = 0x00000126
	CCClearControl     CommandCode = 0x00000127
	CCNVDefineSpace    CommandCode = 0x0000012A
	CCPCRAllocate      CommandCode = 0x0000012B
	CCCreatePrimary    CommandCode = 0x00000131
	CCNVWrite          CommandCode = 0x00000137
	CCSelfTest         CommandCode = 0x00000143
	CCStartup          CommandCode = 0x00000144
	CCShutdown         CommandCode = 0x00000145
	CCNVRead           CommandCode = 0x0000014E
	CCImport           CommandCode = 0x00000156
	CCLoad             CommandCode = 0x00000157
	CCFlushContext     CommandCode = 0x00000165
	CCNVReadPublic     CommandCode = 0x00000169
	CCReadPublic       CommandCode = 0x00000173
	CCGetCapability    CommandCode = 0x0000017A
)

var commandNames = map[CommandCode]string{
	CCEvictControl:     "EvictControl",
	CCHierarchyControl: "HierarchyControl",
	CCNVUndefineSpace:  "NV_UndefineSpace",
	CCChangeEPS:        "ChangeEPS",
	CCChangePPS:        "ChangePPS",
	CCClear:            "Clear",
	CCClearControl:     "ClearControl",
	CCNVDefineSpace:    "NV_DefineSpace",
	CCPCRAllocate:      "PCR_Allocate",
	CCCreatePrimary:    "CreatePrimary",
	CCNVWrite:          "NV_Write",
	CCSelfTest:         "SelfTest",
	CCStartup:          "Startup",
	CCShutdown:         "Shutdown",
	CCNVRead:           "NV_Read",
	CCImport:           "Import",
	CCLoad:             "Load",
	CCFlushContext:     "FlushContext",
	CCNVReadPublic:     "NV_ReadPublic",
	CCReadPublic:       "ReadPublic",
	CCGetCapability:    "GetCapability",
}

func (c CommandCode) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TPM_CC(%#x)", uint32(c))
}

// TPMCC converts the command code for use with go-tpm.
func (c CommandCode) TPMCC() tpm2.TPMCC {
	return tpm2.TPMCC(c)
}

// ResponseCode is a TPM_RC value.
type ResponseCode uint32

const (
	RCSuccess ResponseCode = 0x000

	// Format-zero errors
	RCInitialize      ResponseCode = 0x100
	RCFailure         ResponseCode = 0x101
	RCDisabled        ResponseCode = 0x120
	RCCommandCode     ResponseCode = 0x143
	RCNVRange         ResponseCode = 0x146
	RCNVSize          ResponseCode = 0x147
	RCNVLocked        ResponseCode = 0x148
	RCNVAuthorization ResponseCode = 0x149
	RCNVUninitialized ResponseCode = 0x14A
	RCNVSpace         ResponseCode = 0x14B
	RCNVDefined       ResponseCode = 0x14C

	// Format-one errors, combined with the qualifiers below
	RCAttributes ResponseCode = 0x082
	RCHash       ResponseCode = 0x083
	RCValue      ResponseCode = 0x084
	RCHierarchy  ResponseCode = 0x085
	RCKeySize    ResponseCode = 0x087
	RCType       ResponseCode = 0x08A
	RCHandle     ResponseCode = 0x08B
	RCAuthFail   ResponseCode = 0x08E
	RCSize       ResponseCode = 0x095
	RCBadAuth    ResponseCode = 0x0A2

	// Qualifiers for format-one errors
	RCP ResponseCode = 0x040
	RCS ResponseCode = 0x800
	RC1 ResponseCode = 0x100
	RC2 ResponseCode = 0x200
	RC3 ResponseCode = 0x300
	RC4 ResponseCode = 0x400
	RC5 ResponseCode = 0x500
)

// IsFormatOne reports whether the code carries a handle, session or
// parameter number.
func (rc ResponseCode) IsFormatOne() bool {
	return rc&0x080 != 0
}

// Base strips the handle, session or parameter number from a format-one code.
func (rc ResponseCode) Base() ResponseCode {
	if rc.IsFormatOne() {
		return rc & 0x0BF
	}
	return rc
}

// Description decodes the code into the TCG name and text.
func (rc ResponseCode) Description() string {
	if rc == RCSuccess {
		return "TPM_RC_SUCCESS"
	}
	return tpm2.TPMRC(rc).Error()
}

func (rc ResponseCode) String() string {
	return fmt.Sprintf("%#x", uint32(rc))
}

// StartupType is the TPM_SU parameter of TPM2_Startup.
type StartupType uint16

const (
	StartupClear StartupType = 0x0000
	StartupState StartupType = 0x0001
)

// Capability selectors for TPM2_GetCapability.
const (
	CapHandles uint32 = 0x00000001
)
