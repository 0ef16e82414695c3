package tpm2

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

func guestSecretKey() *GuestSecretKey {
	public := tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			UserWithAuth: true,
			Decrypt:      true,
			SignEncrypt:  true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
			Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
			Scheme:    tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
			KeyBits:   2048,
		}),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA, &tpm2.TPM2BPublicKeyRSA{
			Buffer: make([]byte, 256),
		}),
	}
	return &GuestSecretKey{
		ObjectPublic: tpm2.New2B(public),
		Duplicate:    tpm2.TPM2BPrivate{Buffer: []byte("duplicated private area")},
		InSymSeed:    tpm2.TPM2BEncryptedSecret{Buffer: []byte("encrypted seed")},
	}
}

// createSRK stands in for the guest creating and persisting its SRK.
func createSRK(t *testing.T, engine *Engine) {
	t.Helper()
	template, err := EKPubTemplate()
	require.NoError(t, err)
	created, err := engine.CreatePrimary(tpmproto.RHOwner, template)
	require.NoError(t, err)
	require.NoError(t, engine.EvictControl(tpmproto.RHOwner, created.ObjectHandle, SRKHandle))
	require.NoError(t, engine.FlushContext(created.ObjectHandle))
}

func TestDeserializeGuestSecretKey(t *testing.T) {
	blob := guestSecretKey().Marshal()

	key, err := DeserializeGuestSecretKey(blob)
	require.NoError(t, err)
	assert.Equal(t, blob, key.Marshal())
	assert.Equal(t, []byte("duplicated private area"), key.Duplicate.Buffer)
	assert.Equal(t, []byte("encrypted seed"), key.InSymSeed.Buffer)
}

func TestDeserializeGuestSecretKey_Invalid(t *testing.T) {
	blob := guestSecretKey().Marshal()

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"truncated", blob[:len(blob)-3]},
		{"trailing bytes", append(append([]byte{}, blob...), 0x00)},
		{"empty public", []byte{0x00, 0x00, 0x00, 0x01, 0xAA, 0x00, 0x00}},
		{"undecodable public", []byte{0x00, 0x02, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeGuestSecretKey(tt.blob)
			assert.ErrorIs(t, err, ErrInvalidGuestSecretKey)
		})
	}
}

func TestInitializeGuestSecretKey_EmptyBlobSendsNothing(t *testing.T) {
	engine, fake := newStartedEngine(t)

	err := engine.InitializeGuestSecretKey(nil)
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, HelperDeserializeGuestSecretKey, helperErr.Kind)
	assert.ErrorIs(t, err, ErrInvalidGuestSecretKey)
	assert.Empty(t, fake.Commands())
}

func TestInitializeGuestSecretKey_SRKNotFound(t *testing.T) {
	engine, fake := newStartedEngine(t)

	err := engine.InitializeGuestSecretKey(guestSecretKey().Marshal())
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, HelperSRKNotFound, helperErr.Kind)
	assert.Equal(t, SRKHandle, helperErr.Handle)
	assert.Equal(t, []tpmproto.CommandCode{tpmproto.CCReadPublic, tpmproto.CCReadPublic}, fake.Commands())
}

func TestInitializeGuestSecretKey(t *testing.T) {
	engine, fake := newStartedEngine(t)
	createSRK(t, engine)
	fake.ClearLog()

	require.NoError(t, engine.InitializeGuestSecretKey(guestSecretKey().Marshal()))
	assert.True(t, fake.HasPersistent(GuestSecretKeyHandle))
	assert.Equal(t, 0, fake.TransientCount())
	assert.Equal(t, []tpmproto.CommandCode{
		tpmproto.CCReadPublic,
		tpmproto.CCReadPublic,
		tpmproto.CCImport,
		tpmproto.CCLoad,
		tpmproto.CCEvictControl,
		tpmproto.CCFlushContext,
	}, fake.Commands())

	// A persisted key is left alone.
	fake.ClearLog()
	require.NoError(t, engine.InitializeGuestSecretKey(guestSecretKey().Marshal()))
	assert.Equal(t, []tpmproto.CommandCode{tpmproto.CCReadPublic}, fake.Commands())
}

func TestInitializeGuestSecretKey_ImportFailure(t *testing.T) {
	engine, fake := newStartedEngine(t)
	createSRK(t, engine)
	fake.FailNext(tpmproto.CCImport, tpmproto.RCSize|tpmproto.RCP|tpmproto.RC3)

	err := engine.InitializeGuestSecretKey(guestSecretKey().Marshal())
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, tpmproto.CCImport, helperErr.Info.CommandCode)
	assert.False(t, fake.HasPersistent(GuestSecretKeyHandle))
}

func TestInitializeGuestSecretKey_LoadFailure(t *testing.T) {
	engine, fake := newStartedEngine(t)
	createSRK(t, engine)
	fake.ClearLog()
	fake.FailNext(tpmproto.CCLoad, tpmproto.RCHandle|tpmproto.RC1)

	err := engine.InitializeGuestSecretKey(guestSecretKey().Marshal())
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, tpmproto.CCLoad, helperErr.Info.CommandCode)
	assert.Equal(t, 0, fake.Count(tpmproto.CCEvictControl))
}
