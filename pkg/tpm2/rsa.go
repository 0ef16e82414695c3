package tpm2

import (
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
)

// RSA2kPublic is an exported RSA-2048 public key. The zero value is the
// placeholder returned when key creation is tolerated as failed.
type RSA2kPublic struct {
	Modulus  [rsa2kModulusSize]byte
	Exponent [3]byte
}

// IsZero reports whether the key is the zeroed placeholder.
func (k RSA2kPublic) IsZero() bool {
	return k == RSA2kPublic{}
}

// PublicKey converts the key for use with crypto/rsa.
func (k RSA2kPublic) PublicKey() (*rsa.PublicKey, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("tpm: zeroed rsa public key")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(k.Modulus[:]),
		E: int(k.Exponent[0])<<16 | int(k.Exponent[1])<<8 | int(k.Exponent[2]),
	}, nil
}

// ExportRSAPublic extracts an RSA-2048 public key from a TPM public area.
// The TPM reports the default exponent 65537 as zero; any other exponent
// is rejected.
func ExportRSAPublic(public *tpm2.TPMTPublic) (RSA2kPublic, error) {
	var out RSA2kPublic
	if public == nil || public.Type != tpm2.TPMAlgRSA {
		return out, &UtilityError{
			Kind: UtilityInvalidInputParameter,
			Err:  fmt.Errorf("not an rsa public area"),
		}
	}

	detail, err := public.Parameters.RSADetail()
	if err != nil {
		return out, &UtilityError{Kind: UtilityInvalidInputParameter, Err: err}
	}
	if detail.Exponent != 0 {
		return out, &UtilityError{
			Kind:     UtilityUnexpectedRSAExponent,
			Exponent: detail.Exponent,
		}
	}

	unique, err := public.Unique.RSA()
	if err != nil {
		return out, &UtilityError{Kind: UtilityInvalidInputParameter, Err: err}
	}
	if len(unique.Buffer) != rsa2kModulusSize {
		return out, &UtilityError{
			Kind:     UtilityUnexpectedRSAModulusSize,
			Size:     len(unique.Buffer),
			Expected: rsa2kModulusSize,
		}
	}

	copy(out.Modulus[:], unique.Buffer)
	out.Exponent = defaultRSAExponent
	return out, nil
}
