package tpm2

import "github.com/jeremyhahn/go-vtpm/pkg/tpmproto"

// Handles and NV indices shared with provisioned guests. Changing any of
// them breaks guests provisioned by earlier versions.
const (
	// AKHandle is the persistent handle of the attestation key.
	AKHandle tpmproto.ReservedHandle = 0x81000003

	// SRKHandle is the persistent handle of the RSA storage root key.
	SRKHandle tpmproto.ReservedHandle = 0x81000001

	// GuestSecretKeyHandle is the persistent handle of the imported
	// guest secret key.
	GuestSecretKeyHandle tpmproto.ReservedHandle = 0x81000008

	// AKCertNVIndex holds the AK certificate.
	AKCertNVIndex tpmproto.ReservedHandle = 0x01C101D0

	// AttestationReportNVIndex holds the attestation report.
	AttestationReportNVIndex tpmproto.ReservedHandle = 0x01400001

	// MitigatedNVIndex marks a VM already migrated off the legacy
	// oversized AK certificate index. Only its presence is meaningful.
	MitigatedNVIndex tpmproto.ReservedHandle = 0x01C101D1
)

const (
	// ReplyBufferSize is the size of the engine-owned reply buffer.
	ReplyBufferSize = 4096

	// mitigatedMarkerSize is the size of the mitigation marker index.
	mitigatedMarkerSize = 1

	// rsa2kModulusSize is the modulus size of RSA-2048 keys in bytes.
	rsa2kModulusSize = 256
)

// defaultRSAExponent is 65537, the exponent a TPM reports as zero.
var defaultRSAExponent = [3]byte{0x01, 0x00, 0x01}
