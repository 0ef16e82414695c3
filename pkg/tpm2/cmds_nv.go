package tpm2

import (
	"fmt"
	"math"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

const (
	// platformNVAttributes is used for indices defined under the platform
	// hierarchy: password protected, readable by the owner, survives Clear.
	platformNVAttributes = tpmproto.NVAuthRead |
		tpmproto.NVAuthWrite |
		tpmproto.NVOwnerRead |
		tpmproto.NVPlatformCreate |
		tpmproto.NVNoDA

	// ownerNVAttributes is used for indices defined under the owner hierarchy.
	ownerNVAttributes = tpmproto.NVOwnerRead |
		tpmproto.NVOwnerWrite |
		tpmproto.NVAuthRead |
		tpmproto.NVAuthWrite
)

type NVReadPublicReply struct {
	Public tpmproto.NVPublic
	Name   []byte
}

// NVReadPublic returns the public area of an NV index. An undefined index
// fails with TPM_RC_HANDLE + TPM_RC_1.
func (e *Engine) NVReadPublic(nvIndex tpmproto.ReservedHandle) (*NVReadPublicReply, error) {
	cmd := tpmproto.NewCommand(tpmproto.CCNVReadPublic, tpmproto.NoSessions).
		Handle(nvIndex)
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	r := reply.ParamReader()
	raw, err := r.SizedRaw()
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	name, err := r.Sized()
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	pub, err := tpmproto.UnmarshalNVPublic(raw)
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return &NVReadPublicReply{Public: *pub, Name: name}, nil
}

// NVUndefineSpace deletes an NV index.
func (e *Engine) NVUndefineSpace(authHandle, nvIndex tpmproto.ReservedHandle) error {
	cmd := tpmproto.NewCommand(tpmproto.CCNVUndefineSpace, tpmproto.Sessions).
		Handle(authHandle).
		Handle(nvIndex).
		Auth(tpmproto.EmptyAuth())
	_, err := e.execute(cmd)
	return err
}

// NVDefineSpace defines a password protected NV index of size bytes. The
// index is platform-created when authHandle is the platform hierarchy and
// owner-writable otherwise.
func (e *Engine) NVDefineSpace(
	authHandle tpmproto.ReservedHandle,
	authValue uint64,
	nvIndex tpmproto.ReservedHandle,
	size uint16) error {

	if nvIndex.Type() != tpmproto.HandleTypeNVIndex {
		return invalidInput(tpmproto.CCNVDefineSpace, "%s is not an NV index", nvIndex)
	}
	nameAlg, err := e.config.NameAlg()
	if err != nil {
		return &CommandError{Kind: CommandCreationFailed, Command: tpmproto.CCNVDefineSpace, Err: err}
	}

	attrs := ownerNVAttributes
	if authHandle == tpmproto.RHPlatform {
		attrs = platformNVAttributes
	}
	public := tpmproto.NVPublic{
		Index:      nvIndex,
		NameAlg:    nameAlg,
		Attributes: attrs,
		DataSize:   size,
	}

	cmd := tpmproto.NewCommand(tpmproto.CCNVDefineSpace, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth()).
		Sized(tpmproto.AuthValue(authValue)).
		Raw(public.Marshal2B())
	_, err = e.execute(cmd)
	return err
}

// NVWrite writes data at offset zero of nvIndex, split into transfers of at
// most MaxNVBufferSize bytes. A failed transfer aborts the write; earlier
// transfers stay committed.
func (e *Engine) NVWrite(
	authHandle tpmproto.ReservedHandle,
	auth tpmproto.CmdAuth,
	nvIndex tpmproto.ReservedHandle,
	data []byte) error {

	if len(data) > math.MaxUint16 {
		return invalidInput(tpmproto.CCNVWrite, "%d bytes exceeds the NV offset range", len(data))
	}

	chunk := int(e.config.MaxNVBufferSize)
	for offset := 0; offset < len(data); offset += chunk {
		end := min(offset+chunk, len(data))
		cmd := tpmproto.NewCommand(tpmproto.CCNVWrite, tpmproto.Sessions).
			Handle(authHandle).
			Handle(nvIndex).
			Auth(auth).
			Sized(data[offset:end]).
			U16(uint16(offset))
		if _, err := e.execute(cmd); err != nil {
			return err
		}
		if e.config.MetricsEnabled {
			metrics.AddNVBytes(metrics.DirectionWrite, end-offset)
		}
	}
	return nil
}

// NVRead reads min(size, len(data)) bytes from offset zero of nvIndex into
// data, split into transfers of at most MaxNVBufferSize bytes.
func (e *Engine) NVRead(
	authHandle tpmproto.ReservedHandle,
	nvIndex tpmproto.ReservedHandle,
	size uint16,
	data []byte) error {

	total := min(int(size), len(data))
	chunk := int(e.config.MaxNVBufferSize)
	for offset := 0; offset < total; offset += chunk {
		n := min(chunk, total-offset)
		cmd := tpmproto.NewCommand(tpmproto.CCNVRead, tpmproto.Sessions).
			Handle(authHandle).
			Handle(nvIndex).
			Auth(tpmproto.EmptyAuth()).
			U16(uint16(n)).
			U16(uint16(offset))
		reply, err := e.execute(cmd)
		if err != nil {
			return err
		}
		r := reply.ParamReader()
		buf, err := r.Sized()
		if err != nil {
			return parseError(cmd.Code(), err)
		}
		if err := r.Done(); err != nil {
			return parseError(cmd.Code(), err)
		}
		if len(buf) != n {
			return parseError(cmd.Code(), fmt.Errorf("requested %d bytes, received %d", n, len(buf)))
		}
		copy(data[offset:], buf)
		if e.config.MetricsEnabled {
			metrics.AddNVBytes(metrics.DirectionRead, n)
		}
	}
	return nil
}
