package tpm2

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

type ImportReply struct {
	OutPrivate tpm2.TPM2BPrivate
}

type LoadReply struct {
	ObjectHandle tpmproto.ReservedHandle
	Name         []byte
}

// Import re-wraps a duplicated object under parentHandle. The object has
// no inner symmetric wrapper, so encryptionKey is empty and symmetricAlg
// is TPM_ALG_NULL.
func (e *Engine) Import(
	parentHandle tpmproto.ReservedHandle,
	objectPublic tpm2.TPM2BPublic,
	duplicate tpm2.TPM2BPrivate,
	inSymSeed tpm2.TPM2BEncryptedSecret) (*ImportReply, error) {

	cmd := tpmproto.NewCommand(tpmproto.CCImport, tpmproto.Sessions).
		Handle(parentHandle).
		Auth(tpmproto.EmptyAuth()).
		Sized(nil).
		Raw(tpm2.Marshal(objectPublic)).
		Raw(tpm2.Marshal(duplicate)).
		Raw(tpm2.Marshal(inSymSeed)).
		U16(uint16(tpm2.TPMAlgNull))
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	r := reply.ParamReader()
	raw, err := r.SizedRaw()
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	private, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](raw)
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return &ImportReply{OutPrivate: *private}, nil
}

// Load loads an object under parentHandle and returns its transient handle.
func (e *Engine) Load(
	parentHandle tpmproto.ReservedHandle,
	inPrivate tpm2.TPM2BPrivate,
	inPublic tpm2.TPM2BPublic) (*LoadReply, error) {

	cmd := tpmproto.NewCommand(tpmproto.CCLoad, tpmproto.Sessions).
		Handle(parentHandle).
		Auth(tpmproto.EmptyAuth()).
		ResponseHandles(1).
		Raw(tpm2.Marshal(inPrivate)).
		Raw(tpm2.Marshal(inPublic))
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	out := &LoadReply{ObjectHandle: reply.Handles[0]}
	r := reply.ParamReader()
	if out.Name, err = r.Sized(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return out, nil
}
