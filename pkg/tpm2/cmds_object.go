package tpm2

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// emptySensitiveCreate is a TPM2B_SENSITIVE_CREATE with an empty userAuth
// and no data.
var emptySensitiveCreate = []byte{0x00, 0x00, 0x00, 0x00}

type ReadPublicReply struct {
	// OutPublic is the TPM2B_PUBLIC as returned, including its size.
	OutPublic []byte
	// Public is the decoded public area, nil when OutPublic is empty.
	Public        *tpm2.TPMTPublic
	Name          []byte
	QualifiedName []byte
}

type CreatePrimaryReply struct {
	ObjectHandle tpmproto.ReservedHandle
	// OutPublic is the TPM2B_PUBLIC as returned, including its size.
	OutPublic []byte
	// Public is the decoded public area, nil when OutPublic is empty.
	Public *tpm2.TPMTPublic
	Name   []byte
}

// decodePublic decodes a TPM2B_PUBLIC. An empty buffer decodes to nil.
func decodePublic(raw []byte) (*tpm2.TPMTPublic, error) {
	if len(raw) <= 2 {
		return nil, nil
	}
	sized, err := tpm2.Unmarshal[tpm2.TPM2BPublic](raw)
	if err != nil {
		return nil, err
	}
	return sized.Contents()
}

// ReadPublic returns the public area of a loaded or persistent object.
func (e *Engine) ReadPublic(objectHandle tpmproto.ReservedHandle) (*ReadPublicReply, error) {
	cmd := tpmproto.NewCommand(tpmproto.CCReadPublic, tpmproto.NoSessions).
		Handle(objectHandle)
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	out := &ReadPublicReply{}
	r := reply.ParamReader()
	if out.OutPublic, err = r.SizedRaw(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.Name, err = r.Sized(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.QualifiedName, err = r.Sized(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.Public, err = decodePublic(out.OutPublic); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return out, nil
}

// FlushContext removes a transient object or session from TPM memory.
func (e *Engine) FlushContext(flushHandle tpmproto.ReservedHandle) error {
	cmd := tpmproto.NewCommand(tpmproto.CCFlushContext, tpmproto.NoSessions).
		U32(flushHandle.Uint32())
	_, err := e.execute(cmd)
	return err
}

// EvictControl persists objectHandle at persistentHandle, or evicts a
// persistent object when both handles are the same.
func (e *Engine) EvictControl(
	authHandle tpmproto.ReservedHandle,
	objectHandle tpmproto.ReservedHandle,
	persistentHandle tpmproto.ReservedHandle) error {

	if persistentHandle.Type() != tpmproto.HandleTypePersistent {
		return invalidInput(tpmproto.CCEvictControl, "%s is not a persistent handle", persistentHandle)
	}
	cmd := tpmproto.NewCommand(tpmproto.CCEvictControl, tpmproto.Sessions).
		Handle(authHandle).
		Handle(objectHandle).
		Auth(tpmproto.EmptyAuth()).
		U32(persistentHandle.Uint32())
	_, err := e.execute(cmd)
	return err
}

// CreatePrimary creates a primary object from template under
// primaryHandle. The object is transient; the caller flushes or persists it.
func (e *Engine) CreatePrimary(
	primaryHandle tpmproto.ReservedHandle,
	template tpm2.TPMTPublic) (*CreatePrimaryReply, error) {

	cmd := tpmproto.NewCommand(tpmproto.CCCreatePrimary, tpmproto.Sessions).
		Handle(primaryHandle).
		Auth(tpmproto.EmptyAuth()).
		ResponseHandles(1).
		Sized(emptySensitiveCreate).
		Raw(tpm2.Marshal(tpm2.New2B(template))).
		Sized(nil). // outsideInfo
		U32(0)      // creationPCR: empty TPML_PCR_SELECTION
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	out := &CreatePrimaryReply{ObjectHandle: reply.Handles[0]}
	r := reply.ParamReader()
	if out.OutPublic, err = r.SizedRaw(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	// creationData, creationHash
	for i := 0; i < 2; i++ {
		if _, err := r.Sized(); err != nil {
			return nil, parseError(cmd.Code(), err)
		}
	}
	// creationTicket: tag, hierarchy, digest
	if _, err := r.U16(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if _, err := r.U32(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if _, err := r.Sized(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.Name, err = r.Sized(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.Public, err = decodePublic(out.OutPublic); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return out, nil
}
