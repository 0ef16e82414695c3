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

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

var (
	ErrInvalidGuestSecretKey = errors.New("tpm: invalid guest secret key blob")

	errEmptyPublicArea = errors.New("tpm: empty public area in CreatePrimary reply")
)

// CommandErrorKind classifies a failed command round trip.
type CommandErrorKind int

const (
	// CommandExecuteFailed means the execution core itself failed.
	CommandExecuteFailed CommandErrorKind = iota
	// CommandInvalidResponse means the reply violated the response framing.
	CommandInvalidResponse
	// CommandInvalidInputParameter means a parameter could not be encoded.
	CommandInvalidInputParameter
	// CommandFailed means the TPM rejected the command with ResponseCode.
	CommandFailed
	// CommandCreationFailed means the command could not be built.
	CommandCreationFailed
)

func (k CommandErrorKind) String() string {
	switch k {
	case CommandExecuteFailed:
		return "execute command failed"
	case CommandInvalidResponse:
		return "invalid response"
	case CommandInvalidInputParameter:
		return "invalid input parameter"
	case CommandFailed:
		return "command failed"
	case CommandCreationFailed:
		return "command creation failed"
	}
	return fmt.Sprintf("command error %d", int(k))
}

// CommandError is returned by every command builder. ResponseCode is only
// meaningful for CommandFailed.
type CommandError struct {
	Kind         CommandErrorKind
	Command      tpmproto.CommandCode
	ResponseCode tpmproto.ResponseCode
	Err          error
}

func (e *CommandError) Error() string {
	switch {
	case e.Kind == CommandFailed:
		return fmt.Sprintf("tpm: %s failed with response code %s: %s",
			e.Command, e.ResponseCode, e.ResponseCode.Description())
	case e.Err != nil:
		return fmt.Sprintf("tpm: %s: %s: %v", e.Command, e.Kind, e.Err)
	}
	return fmt.Sprintf("tpm: %s: %s", e.Command, e.Kind)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is matches a *CommandError target by Kind, and by ResponseCode when the
// target carries one.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.ResponseCode == 0 || t.ResponseCode == e.ResponseCode
}

// UtilityErrorKind classifies failures of the pure helpers that build
// templates and export key material.
type UtilityErrorKind int

const (
	UtilityUnexpectedRSAExponent UtilityErrorKind = iota
	UtilityUnexpectedRSAModulusSize
	UtilityInvalidInputParameter
)

func (k UtilityErrorKind) String() string {
	switch k {
	case UtilityUnexpectedRSAExponent:
		return "unexpected rsa exponent"
	case UtilityUnexpectedRSAModulusSize:
		return "unexpected rsa modulus size"
	case UtilityInvalidInputParameter:
		return "invalid input parameter"
	}
	return fmt.Sprintf("utility error %d", int(k))
}

type UtilityError struct {
	Kind     UtilityErrorKind
	Exponent uint32
	Size     int
	Expected int
	Err      error
}

func (e *UtilityError) Error() string {
	switch e.Kind {
	case UtilityUnexpectedRSAExponent:
		return fmt.Sprintf("tpm: unexpected rsa exponent %d, expected the default", e.Exponent)
	case UtilityUnexpectedRSAModulusSize:
		return fmt.Sprintf("tpm: unexpected rsa modulus size %d, expected %d", e.Size, e.Expected)
	}
	if e.Err != nil {
		return fmt.Sprintf("tpm: %s: %v", e.Kind, e.Err)
	}
	return "tpm: " + e.Kind.String()
}

func (e *UtilityError) Unwrap() error { return e.Err }

func (e *UtilityError) Is(target error) bool {
	t, ok := target.(*UtilityError)
	return ok && t.Kind == e.Kind
}

// CommandDebugInfo identifies the command behind a helper error. It is
// carried for diagnostics only.
type CommandDebugInfo struct {
	CommandCode tpmproto.CommandCode
	AuthHandle  *tpmproto.ReservedHandle
	NVIndex     *tpmproto.ReservedHandle
}

func (i CommandDebugInfo) String() string {
	var sb strings.Builder
	sb.WriteString("command=")
	sb.WriteString(i.CommandCode.String())
	if i.AuthHandle != nil {
		sb.WriteString(" auth_handle=")
		sb.WriteString(i.AuthHandle.String())
	}
	if i.NVIndex != nil {
		sb.WriteString(" nv_index=")
		sb.WriteString(i.NVIndex.String())
	}
	return sb.String()
}

// HelperErrorKind classifies a failed orchestration operation.
type HelperErrorKind int

const (
	HelperTPMCommand HelperErrorKind = iota
	HelperExportRSAPublicFromAKHandle
	HelperCreateAKPubTemplate
	HelperCreateEKPubTemplate
	HelperExportRSAPublicFromPrimaryObject
	HelperNoOwnerReadFlag
	HelperInvalidPermission
	HelperNVWriteInputTooLarge
	HelperSRKNotFound
	HelperDeserializeGuestSecretKey
)

func (k HelperErrorKind) String() string {
	switch k {
	case HelperTPMCommand:
		return "tpm command error"
	case HelperExportRSAPublicFromAKHandle:
		return "failed to export rsa public from ak handle"
	case HelperCreateAKPubTemplate:
		return "failed to create ak public template"
	case HelperCreateEKPubTemplate:
		return "failed to create ek public template"
	case HelperExportRSAPublicFromPrimaryObject:
		return "failed to export rsa public from primary object"
	case HelperNoOwnerReadFlag:
		return "nv index without owner read flag"
	case HelperInvalidPermission:
		return "nv index with invalid permission"
	case HelperNVWriteInputTooLarge:
		return "nv write input too large"
	case HelperSRKNotFound:
		return "srk not found"
	case HelperDeserializeGuestSecretKey:
		return "failed to deserialize guest secret key"
	}
	return fmt.Sprintf("helper error %d", int(k))
}

// HelperError is returned by the orchestration operations. Which context
// fields are set depends on Kind.
type HelperError struct {
	Kind HelperErrorKind

	// Info is set for HelperTPMCommand.
	Info *CommandDebugInfo

	NVIndex         tpmproto.ReservedHandle
	Handle          tpmproto.ReservedHandle
	InputSize       int
	AllocatedSize   int
	AuthWrite       bool
	PlatformCreated bool

	Err error
}

func (e *HelperError) Error() string {
	switch e.Kind {
	case HelperTPMCommand:
		return fmt.Sprintf("tpm: %s: %v", e.Info, e.Err)
	case HelperExportRSAPublicFromAKHandle:
		return fmt.Sprintf("tpm: %s %s: %v", e.Kind, e.Handle, e.Err)
	case HelperNoOwnerReadFlag:
		return fmt.Sprintf("tpm: %s %s", e.Kind, e.NVIndex)
	case HelperInvalidPermission:
		return fmt.Sprintf("tpm: %s %s: auth_write=%t platform_created=%t",
			e.Kind, e.NVIndex, e.AuthWrite, e.PlatformCreated)
	case HelperNVWriteInputTooLarge:
		return fmt.Sprintf("tpm: %s for %s: input %d bytes, allocated %d bytes",
			e.Kind, e.NVIndex, e.InputSize, e.AllocatedSize)
	case HelperSRKNotFound:
		return fmt.Sprintf("tpm: %s at %s", e.Kind, e.Handle)
	}
	if e.Err != nil {
		return fmt.Sprintf("tpm: %s: %v", e.Kind, e.Err)
	}
	return "tpm: " + e.Kind.String()
}

func (e *HelperError) Unwrap() error { return e.Err }

func (e *HelperError) Is(target error) bool {
	t, ok := target.(*HelperError)
	return ok && t.Kind == e.Kind
}

// commandError wraps a command failure with its debug info.
func commandError(err error, code tpmproto.CommandCode, auth, index *tpmproto.ReservedHandle) error {
	return &HelperError{
		Kind: HelperTPMCommand,
		Info: &CommandDebugInfo{
			CommandCode: code,
			AuthHandle:  auth,
			NVIndex:     index,
		},
		Err: err,
	}
}

func handleRef(h tpmproto.ReservedHandle) *tpmproto.ReservedHandle {
	return &h
}

// ResponseCodeOf returns the response code of the first CommandFailed error
// in err's chain.
func ResponseCodeOf(err error) (tpmproto.ResponseCode, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Kind == CommandFailed {
		return cmdErr.ResponseCode, true
	}
	return 0, false
}

// IsResponseCode reports whether err is a semantic TPM failure with rc.
func IsResponseCode(err error, rc tpmproto.ResponseCode) bool {
	code, ok := ResponseCodeOf(err)
	return ok && code == rc
}

// isCommandFailed reports whether err is a semantic TPM rejection, as
// opposed to a structural or transport failure.
func isCommandFailed(err error) bool {
	_, ok := ResponseCodeOf(err)
	return ok
}
