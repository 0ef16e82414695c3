package tpmproto

import (
	"encoding/binary"
	"fmt"
)

// MaxAuthSize bounds the nonce and hmac fields of an authorization
// (sizeof(TPMU_HA) for SHA-512).
const MaxAuthSize = 64

// SessionAttributes is the TPMA_SESSION octet.
type SessionAttributes uint8

const (
	SessionContinue SessionAttributes = 0x01
)

// CmdAuth is a single TPMS_AUTH_COMMAND. The engine only speaks password
// sessions, so SessionHandle is always RSPW once validated.
type CmdAuth struct {
	SessionHandle ReservedHandle
	Nonce         []byte
	Attributes    SessionAttributes
	HMAC          []byte
}

// PasswordAuth returns a TPM_RS_PW authorization carrying password.
func PasswordAuth(password []byte) CmdAuth {
	return CmdAuth{
		SessionHandle: RSPW,
		HMAC:          password,
	}
}

// EmptyAuth is a password authorization with an empty password.
func EmptyAuth() CmdAuth {
	return PasswordAuth(nil)
}

// AuthValue encodes a 64-bit auth value as the 8-byte big-endian password
// used for NV indices defined by this engine.
func AuthValue(value uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, value)
	return b
}

// PasswordAuthValue returns a password authorization for a 64-bit auth value.
func PasswordAuthValue(value uint64) CmdAuth {
	return PasswordAuth(AuthValue(value))
}

func (a CmdAuth) validate() error {
	if a.SessionHandle != RSPW {
		return fmt.Errorf("%w: %s", ErrInvalidSessionHandle, a.SessionHandle)
	}
	if len(a.Nonce) > MaxAuthSize {
		return fmt.Errorf("%w: nonce is %d bytes", ErrBufferTooLarge, len(a.Nonce))
	}
	if len(a.HMAC) > MaxAuthSize {
		return fmt.Errorf("%w: auth is %d bytes", ErrBufferTooLarge, len(a.HMAC))
	}
	return nil
}

func (a CmdAuth) size() int {
	return 4 + 2 + len(a.Nonce) + 1 + 2 + len(a.HMAC)
}

func (a CmdAuth) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(a.SessionHandle))
	b = binary.BigEndian.AppendUint16(b, uint16(len(a.Nonce)))
	b = append(b, a.Nonce...)
	b = append(b, byte(a.Attributes))
	b = binary.BigEndian.AppendUint16(b, uint16(len(a.HMAC)))
	return append(b, a.HMAC...)
}

// AuthResponse is a single TPMS_AUTH_RESPONSE.
type AuthResponse struct {
	Nonce      []byte
	Attributes SessionAttributes
	HMAC       []byte
}
