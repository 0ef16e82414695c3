package tpm2

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// ekPolicy is TPM2_PolicySecret(TPM_RH_ENDORSEMENT), the TCG default EK
// authorization policy.
var ekPolicy = []byte{
	0x83, 0x71, 0x97, 0x67, 0x44, 0x84, 0xB3, 0xF8,
	0x1A, 0x90, 0xCC, 0x8D, 0x46, 0xA5, 0xD7, 0x24,
	0xFD, 0x52, 0xD7, 0x6E, 0x06, 0x52, 0x0B, 0x64,
	0xF2, 0xA1, 0xDA, 0x1B, 0x33, 0x14, 0x69, 0xAA,
}

// AKPubTemplate returns the RSA-2048 restricted signing template of the
// attestation key.
func AKPubTemplate() (tpm2.TPMTPublic, error) {
	template := tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			NoDA:                true,
			Restricted:          true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgNull,
				},
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				KeyBits:  2048,
				Exponent: 0,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{
				Buffer: make([]byte, rsa2kModulusSize),
			},
		),
	}
	if err := validateTemplate(&template); err != nil {
		return tpm2.TPMTPublic{}, err
	}
	return template, nil
}

// EKPubTemplate returns the TCG default RSA-2048 endorsement key template.
func EKPubTemplate() (tpm2.TPMTPublic, error) {
	template := tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			AdminWithPolicy:     true,
			Restricted:          true,
			Decrypt:             true,
		},
		AuthPolicy: tpm2.TPM2BDigest{
			Buffer: append([]byte{}, ekPolicy...),
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgAES,
					KeyBits: tpm2.NewTPMUSymKeyBits(
						tpm2.TPMAlgAES,
						tpm2.TPMKeyBits(128),
					),
					Mode: tpm2.NewTPMUSymMode(
						tpm2.TPMAlgAES,
						tpm2.TPMAlgCFB,
					),
				},
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgNull,
				},
				KeyBits:  2048,
				Exponent: 0,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{
				Buffer: make([]byte, rsa2kModulusSize),
			},
		),
	}
	if err := validateTemplate(&template); err != nil {
		return tpm2.TPMTPublic{}, err
	}
	return template, nil
}

// validateTemplate enforces the per-algorithm attribute rules the TPM
// would otherwise reject at CreatePrimary.
func validateTemplate(t *tpm2.TPMTPublic) error {
	attrs := t.ObjectAttributes
	if attrs.Restricted && attrs.SignEncrypt == attrs.Decrypt {
		return &UtilityError{
			Kind: UtilityInvalidInputParameter,
			Err:  errors.New("restricted key must be either signing or decryption"),
		}
	}
	if t.Type != tpm2.TPMAlgRSA {
		return &UtilityError{
			Kind: UtilityInvalidInputParameter,
			Err:  fmt.Errorf("unsupported key type %#x", uint16(t.Type)),
		}
	}
	detail, err := t.Parameters.RSADetail()
	if err != nil {
		return &UtilityError{Kind: UtilityInvalidInputParameter, Err: err}
	}
	if detail.KeyBits != 2048 {
		return &UtilityError{
			Kind: UtilityInvalidInputParameter,
			Err:  fmt.Errorf("unsupported key size %d", detail.KeyBits),
		}
	}
	if attrs.Decrypt && attrs.Restricted && detail.Symmetric.Algorithm == tpm2.TPMAlgNull {
		return &UtilityError{
			Kind: UtilityInvalidInputParameter,
			Err:  errors.New("restricted decryption key requires a symmetric algorithm"),
		}
	}
	return nil
}
