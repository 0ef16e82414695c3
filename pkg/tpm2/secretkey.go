package tpm2

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// GuestSecretKey is a key duplicated to the SRK of this TPM by the host.
// Its serialized form is three consecutive TPM2B structures:
// objectPublic, duplicate and inSymSeed.
type GuestSecretKey struct {
	ObjectPublic tpm2.TPM2BPublic
	Duplicate    tpm2.TPM2BPrivate
	InSymSeed    tpm2.TPM2BEncryptedSecret
}

// DeserializeGuestSecretKey decodes a guest secret key blob. The blob must
// hold exactly the three structures and the public area must decode.
func DeserializeGuestSecretKey(blob []byte) (*GuestSecretKey, error) {
	r := tpmproto.NewParamReader(blob)
	parts := make([][]byte, 3)
	for i := range parts {
		raw, err := r.SizedRaw()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGuestSecretKey, err)
		}
		parts[i] = raw
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGuestSecretKey, err)
	}

	public, err := tpm2.Unmarshal[tpm2.TPM2BPublic](parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: object public: %v", ErrInvalidGuestSecretKey, err)
	}
	if len(parts[0]) <= 2 {
		return nil, fmt.Errorf("%w: empty object public", ErrInvalidGuestSecretKey)
	}
	if _, err := public.Contents(); err != nil {
		return nil, fmt.Errorf("%w: object public: %v", ErrInvalidGuestSecretKey, err)
	}
	duplicate, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate: %v", ErrInvalidGuestSecretKey, err)
	}
	seed, err := tpm2.Unmarshal[tpm2.TPM2BEncryptedSecret](parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: in sym seed: %v", ErrInvalidGuestSecretKey, err)
	}
	return &GuestSecretKey{
		ObjectPublic: *public,
		Duplicate:    *duplicate,
		InSymSeed:    *seed,
	}, nil
}

// Marshal returns the serialized form read by DeserializeGuestSecretKey.
func (k *GuestSecretKey) Marshal() []byte {
	out := tpm2.Marshal(k.ObjectPublic)
	out = append(out, tpm2.Marshal(k.Duplicate)...)
	return append(out, tpm2.Marshal(k.InSymSeed)...)
}

// InitializeGuestSecretKey imports the guest secret key under the SRK and
// persists it at GuestSecretKeyHandle. It does nothing when a key is
// already persisted there. The SRK must have been created by the guest.
func (e *Engine) InitializeGuestSecretKey(blob []byte) error {
	err := e.initializeGuestSecretKey(blob)
	e.recordOperation(metrics.OpGuestSecretKey, err)
	return err
}

func (e *Engine) initializeGuestSecretKey(blob []byte) error {
	key, err := DeserializeGuestSecretKey(blob)
	if err != nil {
		return &HelperError{Kind: HelperDeserializeGuestSecretKey, Err: err}
	}

	_, found, err := e.FindObject(GuestSecretKeyHandle)
	if err != nil {
		return err
	}
	if found {
		e.logger.Debug("guest secret key already persisted", "handle", GuestSecretKeyHandle.String())
		return nil
	}

	_, found, err = e.FindObject(SRKHandle)
	if err != nil {
		return err
	}
	if !found {
		return &HelperError{Kind: HelperSRKNotFound, Handle: SRKHandle}
	}

	imported, err := e.Import(SRKHandle, key.ObjectPublic, key.Duplicate, key.InSymSeed)
	if err != nil {
		return commandError(err, tpmproto.CCImport, nil, nil)
	}
	loaded, err := e.Load(SRKHandle, imported.OutPrivate, key.ObjectPublic)
	if err != nil {
		return commandError(err, tpmproto.CCLoad, nil, nil)
	}

	if err := e.evictOrPersist(loaded.ObjectHandle, GuestSecretKeyHandle); err != nil {
		return err
	}
	if err := e.flushTransient(loaded.ObjectHandle); err != nil {
		return err
	}
	e.logger.Info("guest secret key persisted", "handle", GuestSecretKeyHandle.String())
	return nil
}
