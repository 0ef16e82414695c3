package tpm2

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/internal/testutil"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

func TestInitializeTPMEngine(t *testing.T) {
	engine, fake := newTestEngine(t)

	require.NoError(t, engine.InitializeTPMEngine())
	assert.Equal(t, []tpmproto.CommandCode{tpmproto.CCStartup, tpmproto.CCSelfTest}, fake.Commands())
	assert.True(t, fake.HierarchyEnabled(tpmproto.RHOwner))
}

func TestInitializeTPMEngine_SecondStartupRejected(t *testing.T) {
	engine, _ := newStartedEngine(t)

	err := engine.InitializeTPMEngine()
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, HelperTPMCommand, helperErr.Kind)
	assert.Equal(t, tpmproto.CCStartup, helperErr.Info.CommandCode)
	assert.True(t, IsResponseCode(err, tpmproto.RCInitialize))
}

func TestInitializeTPMEngine_SelfTestFailure(t *testing.T) {
	engine, fake := newTestEngine(t)
	fake.FailNext(tpmproto.CCSelfTest, tpmproto.RCFailure)

	err := engine.InitializeTPMEngine()
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, tpmproto.CCSelfTest, helperErr.Info.CommandCode)
	assert.True(t, IsResponseCode(err, tpmproto.RCFailure))
}

func TestCommandsBeforeStartup(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, _, err := engine.FindObject(AKHandle)
	assert.True(t, IsResponseCode(err, tpmproto.RCInitialize))
}

func TestClearTPMPlatformContext(t *testing.T) {
	engine, fake := newStartedEngine(t)

	fake.DefineNV(tpmproto.NVPublic{
		Index:      0x01500000,
		NameAlg:    tpm2.TPMAlgSHA256,
		Attributes: ownerNVAttributes,
		DataSize:   8,
	}, nil, nil)
	require.NoError(t, engine.AllocateGuestAttestationNVIndices(testAuthValue, false, false, false))
	fake.ClearLog()

	rc, err := engine.ClearTPMPlatformContext()
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCSuccess, rc)
	assert.Equal(t, []tpmproto.CommandCode{tpmproto.CCClearControl, tpmproto.CCClear}, fake.Commands())

	_, ownerIndex := fake.NVPublic(0x01500000)
	assert.False(t, ownerIndex, "owner index survived Clear")
	_, akCert := fake.NVPublic(AKCertNVIndex)
	assert.True(t, akCert, "platform index removed by Clear")
}

func TestClearTPMPlatformContext_RejectionReturnsResponseCode(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.FailNext(tpmproto.CCClear, tpmproto.RCDisabled)

	rc, err := engine.ClearTPMPlatformContext()
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCDisabled, rc)
}

func TestClearTPMPlatformContext_ClearControlRejected(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.FailNext(tpmproto.CCClearControl, tpmproto.RCBadAuth|tpmproto.RCS|tpmproto.RC1)

	rc, err := engine.ClearTPMPlatformContext()
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCBadAuth|tpmproto.RCS|tpmproto.RC1, rc)
	assert.Equal(t, 0, fake.Count(tpmproto.CCClear))
}

func TestClearTPMPlatformContext_ExecuteFailure(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.FailExecute(tpmproto.CCClear, nil)

	_, err := engine.ClearTPMPlatformContext()
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, tpmproto.CCClear, helperErr.Info.CommandCode)
	assert.Equal(t, tpmproto.RHPlatform, *helperErr.Info.AuthHandle)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandExecuteFailed})
	assert.ErrorIs(t, err, testutil.ErrFakeInjected)
}

func TestClearTPMPlatformContext_InvalidReply(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.CorruptNextReply()

	_, err := engine.ClearTPMPlatformContext()
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
}

func TestRefreshTPMSeeds(t *testing.T) {
	engine, fake := newStartedEngine(t)
	eps, pps := fake.EPS(), fake.PPS()

	require.NoError(t, engine.RefreshTPMSeeds())
	assert.NotEqual(t, eps, fake.EPS())
	assert.NotEqual(t, pps, fake.PPS())
	assert.Equal(t, []tpmproto.CommandCode{tpmproto.CCChangeEPS, tpmproto.CCChangePPS}, fake.Commands())
}

func TestRefreshTPMSeeds_StopsAtFirstFailure(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.FailNext(tpmproto.CCChangeEPS, tpmproto.RCHierarchy|tpmproto.RC1)
	pps := fake.PPS()

	err := engine.RefreshTPMSeeds()
	var helperErr *HelperError
	require.ErrorAs(t, err, &helperErr)
	assert.Equal(t, tpmproto.CCChangeEPS, helperErr.Info.CommandCode)
	assert.Equal(t, pps, fake.PPS())
}

func TestDisablePlatformHierarchy(t *testing.T) {
	engine, fake := newStartedEngine(t)

	require.NoError(t, engine.DisablePlatformHierarchy())
	assert.False(t, fake.HierarchyEnabled(tpmproto.RHPlatform))

	err := engine.AllocateGuestAttestationNVIndices(testAuthValue, false, false, false)
	assert.True(t, IsResponseCode(err, tpmproto.RCHierarchy|tpmproto.RC1))

	// The platform hierarchy cannot re-enable itself.
	err = engine.DisablePlatformHierarchy()
	assert.Error(t, err)
}

func TestAllocatePCRBanks(t *testing.T) {
	engine, fake := newStartedEngine(t)

	rc, err := engine.AllocatePCRBanks(PCRBankSHA1|PCRBankSHA256, PCRBankSHA256)
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCSuccess, rc)

	sel, ok := fake.PCRAllocation(tpm2.TPMAlgSHA256)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, sel)
	sel, ok = fake.PCRAllocation(tpm2.TPMAlgSHA1)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, sel)
	_, ok = fake.PCRAllocation(tpm2.TPMAlgSHA384)
	assert.False(t, ok)
}

func TestAllocatePCRBanks_RejectionReturnsResponseCode(t *testing.T) {
	engine, fake := newStartedEngine(t)
	fake.FailNext(tpmproto.CCPCRAllocate, tpmproto.RCHash|tpmproto.RCP|tpmproto.RC1)

	rc, err := engine.AllocatePCRBanks(PCRBankSHA256, PCRBankSHA256)
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCHash|tpmproto.RCP|tpmproto.RC1, rc)
}

func TestListHandles(t *testing.T) {
	engine, fake := newStartedEngine(t)

	var want []tpmproto.ReservedHandle
	for i := uint32(0); i < 70; i++ {
		index := tpmproto.NewReservedHandle(tpmproto.HandleTypeNVIndex, 0x500000+i)
		fake.DefineNV(tpmproto.NVPublic{
			Index:      index,
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: ownerNVAttributes,
			DataSize:   1,
		}, nil, nil)
		want = append(want, index)
	}
	_, err := engine.CreateAKPub(false)
	require.NoError(t, err)
	fake.ClearLog()

	got, err := engine.ListHandles(tpmproto.HandleTypeNVIndex)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 2, fake.Count(tpmproto.CCGetCapability))

	persistent, err := engine.ListHandles(tpmproto.HandleTypePersistent)
	require.NoError(t, err)
	assert.Equal(t, []tpmproto.ReservedHandle{AKHandle}, persistent)
}

func TestListHandles_Empty(t *testing.T) {
	engine, _ := newStartedEngine(t)

	handles, err := engine.ListHandles(tpmproto.HandleTypePersistent)
	require.NoError(t, err)
	assert.Empty(t, handles)
}
