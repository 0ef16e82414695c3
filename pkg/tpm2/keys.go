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
	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// CreateAKPub returns the public key of the attestation key persisted at
// AKHandle, creating and persisting the key first when it does not exist.
// With forceCreate the existing key is evicted and a new one created.
//
// A CreatePrimary rejected by the TPM returns a zeroed key and no error:
// the guest may have taken ownership of the endorsement hierarchy.
func (e *Engine) CreateAKPub(forceCreate bool) (RSA2kPublic, error) {
	key, err := e.createAKPub(forceCreate)
	e.recordOperation(metrics.OpCreateAK, err)
	return key, err
}

func (e *Engine) createAKPub(forceCreate bool) (RSA2kPublic, error) {
	existing, found, err := e.FindObject(AKHandle)
	if err != nil {
		return RSA2kPublic{}, err
	}
	if found {
		if !forceCreate {
			key, err := ExportRSAPublic(existing.Public)
			if err != nil {
				return RSA2kPublic{}, &HelperError{
					Kind:   HelperExportRSAPublicFromAKHandle,
					Handle: AKHandle,
					Err:    err,
				}
			}
			e.logger.Debug("using existing attestation key", "handle", AKHandle.String())
			return key, nil
		}
		e.logger.Info("evicting existing attestation key", "handle", AKHandle.String())
		if err := e.evictOrPersist(AKHandle, AKHandle); err != nil {
			return RSA2kPublic{}, err
		}
	}

	template, err := AKPubTemplate()
	if err != nil {
		return RSA2kPublic{}, &HelperError{Kind: HelperCreateAKPubTemplate, Err: err}
	}
	persist := AKHandle
	return e.createKeyObject(metrics.OpCreateAK, template, &persist)
}

// CreateEKPub recomputes the public key of the TCG default endorsement
// key. The key is not persisted; the guest persists it with the same
// template. A CreatePrimary rejected by the TPM returns a zeroed key.
func (e *Engine) CreateEKPub() (RSA2kPublic, error) {
	key, err := e.createEKPub()
	e.recordOperation(metrics.OpCreateEK, err)
	return key, err
}

func (e *Engine) createEKPub() (RSA2kPublic, error) {
	template, err := EKPubTemplate()
	if err != nil {
		return RSA2kPublic{}, &HelperError{Kind: HelperCreateEKPubTemplate, Err: err}
	}
	return e.createKeyObject(metrics.OpCreateEK, template, nil)
}

// createKeyObject creates a primary key under the endorsement hierarchy,
// optionally persists it, exports its public key and flushes the transient
// copy.
func (e *Engine) createKeyObject(
	op string,
	template tpm2.TPMTPublic,
	persistHandle *tpmproto.ReservedHandle) (RSA2kPublic, error) {

	created, err := e.CreatePrimary(tpmproto.RHEndorsement, template)
	if err != nil {
		if isCommandFailed(err) {
			e.absorb(op, tpmproto.CCCreatePrimary, err)
			return RSA2kPublic{}, nil
		}
		return RSA2kPublic{}, commandError(err, tpmproto.CCCreatePrimary,
			handleRef(tpmproto.RHEndorsement), nil)
	}
	if created.Public == nil {
		e.absorb(op, tpmproto.CCCreatePrimary, errEmptyPublicArea)
		return RSA2kPublic{}, nil
	}

	if persistHandle != nil {
		if err := e.evictOrPersist(created.ObjectHandle, *persistHandle); err != nil {
			return RSA2kPublic{}, err
		}
	}

	key, exportErr := ExportRSAPublic(created.Public)

	if err := e.flushTransient(created.ObjectHandle); err != nil {
		return RSA2kPublic{}, err
	}
	if exportErr != nil {
		return RSA2kPublic{}, &HelperError{
			Kind: HelperExportRSAPublicFromPrimaryObject,
			Err:  exportErr,
		}
	}
	return key, nil
}

// evictOrPersist runs EvictControl under the owner hierarchy. Equal
// handles evict a persistent object; otherwise the transient object is
// copied to persistentHandle. A TPM rejection is logged and tolerated.
func (e *Engine) evictOrPersist(objectHandle, persistentHandle tpmproto.ReservedHandle) error {
	err := e.EvictControl(tpmproto.RHOwner, objectHandle, persistentHandle)
	if err == nil {
		return nil
	}
	if isCommandFailed(err) {
		e.absorb(metrics.OpEvictOrPersist, tpmproto.CCEvictControl, err,
			"object", objectHandle.String(), "persistent", persistentHandle.String())
		return nil
	}
	return commandError(err, tpmproto.CCEvictControl, handleRef(tpmproto.RHOwner), handleRef(objectHandle))
}

// flushTransient flushes a transient object. A TPM rejection is logged and
// tolerated since the object was already used or persisted.
func (e *Engine) flushTransient(handle tpmproto.ReservedHandle) error {
	err := e.FlushContext(handle)
	if err == nil {
		return nil
	}
	if isCommandFailed(err) {
		e.absorb(metrics.OpFlushTransient, tpmproto.CCFlushContext, err, "handle", handle.String())
		return nil
	}
	return commandError(err, tpmproto.CCFlushContext, nil, handleRef(handle))
}

// FindObject probes for a loaded or persistent object. A missing object is
// reported as found == false, not as an error.
func (e *Engine) FindObject(handle tpmproto.ReservedHandle) (*ReadPublicReply, bool, error) {
	reply, err := e.ReadPublic(handle)
	if err != nil {
		if IsResponseCode(err, tpmproto.RCHandle|tpmproto.RC1) {
			return nil, false, nil
		}
		return nil, false, commandError(err, tpmproto.CCReadPublic, nil, handleRef(handle))
	}
	return reply, true, nil
}
