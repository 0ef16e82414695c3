package tpm2

import (
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// NVIndexState is the outcome of ReadFromNVIndex.
type NVIndexState int

const (
	// NVIndexUnallocated means the index is not defined.
	NVIndexUnallocated NVIndexState = iota
	// NVIndexUninitialized means the index is defined but never written.
	NVIndexUninitialized
	// NVIndexAvailable means the index was read.
	NVIndexAvailable
)

func (s NVIndexState) String() string {
	switch s {
	case NVIndexUnallocated:
		return "unallocated"
	case NVIndexUninitialized:
		return "uninitialized"
	case NVIndexAvailable:
		return "available"
	}
	return "unknown"
}

// FindNVIndex probes for an NV index. A missing index is reported as
// found == false, not as an error.
func (e *Engine) FindNVIndex(nvIndex tpmproto.ReservedHandle) (*NVReadPublicReply, bool, error) {
	reply, err := e.NVReadPublic(nvIndex)
	if err != nil {
		if IsResponseCode(err, tpmproto.RCHandle|tpmproto.RC1) {
			return nil, false, nil
		}
		return nil, false, commandError(err, tpmproto.CCNVReadPublic, nil, handleRef(nvIndex))
	}
	return reply, true, nil
}

// WriteToNVIndex overwrites a password protected, platform-created NV
// index. Data shorter than the index is zero padded so the whole index is
// always rewritten.
func (e *Engine) WriteToNVIndex(authValue uint64, nvIndex tpmproto.ReservedHandle, data []byte) error {
	err := e.writeToNVIndex(authValue, nvIndex, data)
	e.recordOperation(metrics.OpWriteNVIndex, err)
	return err
}

func (e *Engine) writeToNVIndex(authValue uint64, nvIndex tpmproto.ReservedHandle, data []byte) error {
	reply, err := e.NVReadPublic(nvIndex)
	if err != nil {
		return commandError(err, tpmproto.CCNVReadPublic, nil, handleRef(nvIndex))
	}

	attrs := reply.Public.Attributes
	size := int(reply.Public.DataSize)
	if len(data) > size {
		return &HelperError{
			Kind:          HelperNVWriteInputTooLarge,
			NVIndex:       nvIndex,
			InputSize:     len(data),
			AllocatedSize: size,
		}
	}

	// Indices written here are always defined at boot under the platform
	// hierarchy with a password.
	if !attrs.Has(tpmproto.NVAuthWrite) || !attrs.Has(tpmproto.NVPlatformCreate) {
		return &HelperError{
			Kind:            HelperInvalidPermission,
			NVIndex:         nvIndex,
			AuthWrite:       attrs.Has(tpmproto.NVAuthWrite),
			PlatformCreated: attrs.Has(tpmproto.NVPlatformCreate),
		}
	}

	padded := make([]byte, size)
	copy(padded, data)

	if err := e.NVWrite(nvIndex, tpmproto.PasswordAuthValue(authValue), nvIndex, padded); err != nil {
		return commandError(err, tpmproto.CCNVWrite, handleRef(nvIndex), handleRef(nvIndex))
	}
	return nil
}

// ReadFromNVIndex reads an owner-readable NV index into data, up to the
// index size.
func (e *Engine) ReadFromNVIndex(nvIndex tpmproto.ReservedHandle, data []byte) (NVIndexState, error) {
	state, err := e.readFromNVIndex(nvIndex, data)
	e.recordOperation(metrics.OpReadNVIndex, err)
	return state, err
}

func (e *Engine) readFromNVIndex(nvIndex tpmproto.ReservedHandle, data []byte) (NVIndexState, error) {
	reply, found, err := e.FindNVIndex(nvIndex)
	if err != nil {
		return NVIndexUnallocated, err
	}
	if !found {
		return NVIndexUnallocated, nil
	}

	if !reply.Public.Attributes.Has(tpmproto.NVOwnerRead) {
		return NVIndexUnallocated, &HelperError{Kind: HelperNoOwnerReadFlag, NVIndex: nvIndex}
	}

	err = e.NVRead(tpmproto.RHOwner, nvIndex, reply.Public.DataSize, data)
	if err != nil {
		if IsResponseCode(err, tpmproto.RCNVUninitialized) {
			return NVIndexUninitialized, nil
		}
		return NVIndexUnallocated, commandError(err, tpmproto.CCNVRead,
			handleRef(tpmproto.RHOwner), handleRef(nvIndex))
	}
	return NVIndexAvailable, nil
}
