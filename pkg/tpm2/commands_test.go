package tpm2

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestCommandEncodings(t *testing.T) {
	noSessions := okReply(tpmproto.NoSessions, nil, nil)
	sessions := okReply(tpmproto.Sessions, nil, nil)

	tests := []struct {
		name  string
		reply []byte
		run   func(e *Engine) error
		want  []byte
	}{
		{
			name:  "Startup",
			reply: noSessions,
			run:   func(e *Engine) error { return e.Startup(tpmproto.StartupClear) },
			want: []byte{
				0x80, 0x01, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x01, 0x44,
				0x00, 0x00,
			},
		},
		{
			name:  "SelfTest",
			reply: noSessions,
			run:   func(e *Engine) error { return e.SelfTest(true) },
			want: []byte{
				0x80, 0x01, 0x00, 0x00, 0x00, 0x0B, 0x00, 0x00, 0x01, 0x43,
				0x01,
			},
		},
		{
			name:  "ClearControl",
			reply: sessions,
			run:   func(e *Engine) error { return e.ClearControl(tpmproto.RHPlatform, false) },
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x1C, 0x00, 0x00, 0x01, 0x27},
				[]byte{0x40, 0x00, 0x00, 0x0C},
				emptyPasswordAuth,
				[]byte{0x00},
			),
		},
		{
			name:  "HierarchyControl",
			reply: sessions,
			run: func(e *Engine) error {
				return e.HierarchyControl(tpmproto.RHPlatform, tpmproto.RHPlatform, false)
			},
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x01, 0x21},
				[]byte{0x40, 0x00, 0x00, 0x0C},
				emptyPasswordAuth,
				[]byte{0x40, 0x00, 0x00, 0x0C, 0x00},
			),
		},
		{
			name:  "ChangeEPS",
			reply: sessions,
			run:   func(e *Engine) error { return e.ChangeSeed(tpmproto.RHPlatform, tpmproto.CCChangeEPS) },
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x1B, 0x00, 0x00, 0x01, 0x24},
				[]byte{0x40, 0x00, 0x00, 0x0C},
				emptyPasswordAuth,
			),
		},
		{
			name:  "FlushContext",
			reply: noSessions,
			run:   func(e *Engine) error { return e.FlushContext(0x80000000) },
			want: []byte{
				0x80, 0x01, 0x00, 0x00, 0x00, 0x0E, 0x00, 0x00, 0x01, 0x65,
				0x80, 0x00, 0x00, 0x00,
			},
		},
		{
			name:  "EvictControl",
			reply: sessions,
			run: func(e *Engine) error {
				return e.EvictControl(tpmproto.RHOwner, 0x80000001, AKHandle)
			},
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x23, 0x00, 0x00, 0x01, 0x20},
				[]byte{0x40, 0x00, 0x00, 0x01, 0x80, 0x00, 0x00, 0x01},
				emptyPasswordAuth,
				[]byte{0x81, 0x00, 0x00, 0x03},
			),
		},
		{
			name:  "NV_UndefineSpace",
			reply: sessions,
			run: func(e *Engine) error {
				return e.NVUndefineSpace(tpmproto.RHPlatform, AKCertNVIndex)
			},
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x1F, 0x00, 0x00, 0x01, 0x22},
				[]byte{0x40, 0x00, 0x00, 0x0C, 0x01, 0xC1, 0x01, 0xD0},
				emptyPasswordAuth,
			),
		},
		{
			name:  "NV_Read",
			reply: okReply(tpmproto.Sessions, nil, append([]byte{0x00, 0x10}, make([]byte, 16)...)),
			run: func(e *Engine) error {
				buf := make([]byte, 16)
				return e.NVRead(tpmproto.RHOwner, AKCertNVIndex, 16, buf)
			},
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x23, 0x00, 0x00, 0x01, 0x4E},
				[]byte{0x40, 0x00, 0x00, 0x01, 0x01, 0xC1, 0x01, 0xD0},
				emptyPasswordAuth,
				[]byte{0x00, 0x10, 0x00, 0x00},
			),
		},
		{
			name:  "NV_Write with password",
			reply: sessions,
			run: func(e *Engine) error {
				return e.NVWrite(AKCertNVIndex, tpmproto.PasswordAuthValue(testAuthValue),
					AKCertNVIndex, []byte{0xAA, 0xBB})
			},
			want: concat(
				[]byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x2D, 0x00, 0x00, 0x01, 0x37},
				[]byte{0x01, 0xC1, 0x01, 0xD0, 0x01, 0xC1, 0x01, 0xD0},
				[]byte{0x00, 0x00, 0x00, 0x11, 0x40, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x08},
				[]byte{0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00},
				[]byte{0x00, 0x02, 0xAA, 0xBB, 0x00, 0x00},
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newScriptedCore(tt.reply)
			engine := newScriptedEngine(t, core)

			require.NoError(t, tt.run(engine))
			require.Len(t, core.Commands(), 1)
			if diff := cmp.Diff(tt.want, core.Commands()[0]); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNVReadPublic_Encoding(t *testing.T) {
	public := tpmproto.NVPublic{
		Index:      AKCertNVIndex,
		NameAlg:    0x000B,
		Attributes: platformNVAttributes,
		DataSize:   4096,
	}
	params := concat(public.Marshal2B(), []byte{0x00, 0x02, 0x00, 0x0B})
	core := newScriptedCore(okReply(tpmproto.NoSessions, nil, params))
	engine := newScriptedEngine(t, core)

	reply, err := engine.NVReadPublic(AKCertNVIndex)
	require.NoError(t, err)

	want := []byte{
		0x80, 0x01, 0x00, 0x00, 0x00, 0x0E, 0x00, 0x00, 0x01, 0x69,
		0x01, 0xC1, 0x01, 0xD0,
	}
	assert.Equal(t, want, core.Commands()[0])
	if diff := cmp.Diff(public, reply.Public, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("public mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte{0x00, 0x0B}, reply.Name)
}

func TestPCRAllocate_SelectionEncoding(t *testing.T) {
	params := []byte{0x01}
	params = append(params, 0x00, 0x00, 0x00, 0x18)
	params = append(params, make([]byte, 8)...)
	core := newScriptedCore(okReply(tpmproto.Sessions, nil, params))
	engine := newScriptedEngine(t, core)

	reply, err := engine.PCRAllocate(tpmproto.RHPlatform,
		PCRBankSHA1|PCRBankSHA256|PCRBankSHA384, PCRBankSHA256)
	require.NoError(t, err)
	assert.True(t, reply.AllocationSuccess)
	assert.Equal(t, uint32(24), reply.MaxPCR)

	cmd := core.Commands()[0]
	selection := []byte{
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x04, 0x03, 0x00, 0x00, 0x00,
		0x00, 0x0B, 0x03, 0xFF, 0xFF, 0xFF,
		0x00, 0x0C, 0x03, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, selection, cmd[len(cmd)-len(selection):])
}

func TestPCRSelection_OmitsUnsupportedBanks(t *testing.T) {
	sel := PCRSelection(PCRBankSHA256, PCRBankSHA1|PCRBankSHA256)
	require.Len(t, sel.PCRSelections, 1)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, sel.PCRSelections[0].PCRSelect)
	assert.Empty(t, PCRSelection(0, PCRBankSHA256).PCRSelections)
}

func TestPCRBanks_String(t *testing.T) {
	assert.Equal(t, "sha1|sha256|sm3_256", (PCRBankSHA1 | PCRBankSHA256 | PCRBankSM3256).String())
	assert.Equal(t, "", PCRBanks(0).String())
}

func TestClear_ReturnsResponseCode(t *testing.T) {
	core := newScriptedCore(okReply(tpmproto.Sessions, nil, nil))
	engine := newScriptedEngine(t, core)

	rc, err := engine.Clear(tpmproto.RHPlatform)
	require.NoError(t, err)
	assert.Equal(t, tpmproto.RCSuccess, rc)
}

func TestExecute_FailureReply(t *testing.T) {
	core := newScriptedCore(failReply(tpmproto.RCHandle | tpmproto.RC1))
	engine := newScriptedEngine(t, core)

	_, err := engine.ReadPublic(AKHandle)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CommandFailed, cmdErr.Kind)
	assert.Equal(t, tpmproto.CCReadPublic, cmdErr.Command)
	assert.Equal(t, tpmproto.RCHandle|tpmproto.RC1, cmdErr.ResponseCode)
}

func TestExecute_ExecutionFailure(t *testing.T) {
	core := newScriptedCore()
	engine := newScriptedEngine(t, core)

	err := engine.Startup(tpmproto.StartupClear)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandExecuteFailed})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	_, ok := ResponseCodeOf(err)
	assert.False(t, ok)
}

func TestExecute_InvalidResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"short", []byte{0x80, 0x01, 0x00}},
		{"wrong tag", okReply(tpmproto.Sessions, nil, nil)},
		{"size beyond buffer", []byte{0x80, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"failure with sessions tag", []byte{0x80, 0x02, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x01, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newScriptedEngine(t, newScriptedCore(tt.reply))
			err := engine.SelfTest(true)
			assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
		})
	}
}

func TestExecute_TrailingParametersRejected(t *testing.T) {
	reply := okReply(tpmproto.NoSessions, nil, []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0xFF})
	engine := newScriptedEngine(t, newScriptedCore(reply))

	_, err := engine.GetCapabilityHandles(tpmproto.NewReservedHandle(tpmproto.HandleTypePersistent, 0), 1)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
}

func TestCommandBuilders_RejectInvalidInput(t *testing.T) {
	engine := newScriptedEngine(t, newScriptedCore())

	err := engine.EvictControl(tpmproto.RHOwner, 0x80000000, AKCertNVIndex)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	err = engine.NVDefineSpace(tpmproto.RHPlatform, testAuthValue, AKHandle, 16)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	err = engine.HierarchyControl(tpmproto.RHPlatform, tpmproto.RHNull, false)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	err = engine.ChangeSeed(tpmproto.RHPlatform, tpmproto.CCClear)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	err = engine.NVWrite(tpmproto.RHOwner, tpmproto.EmptyAuth(), AKCertNVIndex, make([]byte, 70000))
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	err = engine.NVWrite(tpmproto.RHOwner, tpmproto.PasswordAuth(make([]byte, 65)), AKCertNVIndex, []byte{1})
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidInputParameter})

	assert.Empty(t, engine.core.(*scriptedCore).Commands())
}

func TestNVWrite_EmptyDataSendsNothing(t *testing.T) {
	core := newScriptedCore()
	engine := newScriptedEngine(t, core)

	require.NoError(t, engine.NVWrite(tpmproto.RHOwner, tpmproto.EmptyAuth(), AKCertNVIndex, nil))
	assert.Empty(t, core.Commands())
}

func TestNVRead_ShortReplyRejected(t *testing.T) {
	core := newScriptedCore(okReply(tpmproto.Sessions, nil, []byte{0x00, 0x02, 0x01, 0x02}))
	engine := newScriptedEngine(t, core)

	err := engine.NVRead(tpmproto.RHOwner, AKCertNVIndex, 4, make([]byte, 4))
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
}

// createPrimaryParams lays out a CreatePrimary reply parameter area
// around a TPM2B_PUBLIC given with its size prefix.
func createPrimaryParams(outPublic []byte) []byte {
	return concat(
		outPublic,
		[]byte{0x00, 0x00},             // creationData
		[]byte{0x00, 0x02, 0xAA, 0xBB}, // creationHash
		[]byte{0x80, 0x21},             // creationTicket.tag
		[]byte{0x40, 0x00, 0x00, 0x0B}, // creationTicket.hierarchy
		[]byte{0x00, 0x01, 0xCC},       // creationTicket.digest
		[]byte{0x00, 0x03, 0x00, 0x0B, 0xDD},
	)
}

func TestCreatePrimary_DecodesReply(t *testing.T) {
	template, err := AKPubTemplate()
	require.NoError(t, err)
	inner := tpm2.Marshal(template)
	outPublic := binary.BigEndian.AppendUint16(nil, uint16(len(inner)))
	outPublic = append(outPublic, inner...)

	reply := okReply(tpmproto.Sessions, []uint32{0x80000001}, createPrimaryParams(outPublic))
	engine := newScriptedEngine(t, newScriptedCore(reply))

	created, err := engine.CreatePrimary(tpmproto.RHEndorsement, template)
	require.NoError(t, err)
	assert.Equal(t, tpmproto.ReservedHandle(0x80000001), created.ObjectHandle)
	assert.Equal(t, outPublic, created.OutPublic)
	assert.Equal(t, []byte{0x00, 0x0B, 0xDD}, created.Name)
	require.NotNil(t, created.Public)
	assert.Equal(t, inner, tpm2.Marshal(*created.Public))
}

func TestCreatePrimary_RejectsDoubleSizedPublic(t *testing.T) {
	template, err := AKPubTemplate()
	require.NoError(t, err)
	sized := tpm2.Marshal(tpm2.New2B(template))
	doubled := binary.BigEndian.AppendUint16(nil, uint16(len(sized)))
	doubled = append(doubled, sized...)

	reply := okReply(tpmproto.Sessions, []uint32{0x80000001}, createPrimaryParams(doubled))
	engine := newScriptedEngine(t, newScriptedCore(reply))

	_, err = engine.CreatePrimary(tpmproto.RHEndorsement, template)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
}

func TestGetCapabilityHandles_DecodesReply(t *testing.T) {
	params := []byte{
		0x01,                   // moreData
		0x00, 0x00, 0x00, 0x01, // TPM_CAP_HANDLES
		0x00, 0x00, 0x00, 0x02,
		0x81, 0x00, 0x00, 0x01,
		0x81, 0x00, 0x00, 0x03,
	}
	engine := newScriptedEngine(t, newScriptedCore(okReply(tpmproto.NoSessions, nil, params)))

	handles, err := engine.GetCapabilityHandles(tpmproto.NewReservedHandle(tpmproto.HandleTypePersistent, 0), 2)
	require.NoError(t, err)
	assert.True(t, handles.MoreData)
	assert.Equal(t, []tpmproto.ReservedHandle{SRKHandle, AKHandle}, handles.Handles)
}

func TestGetCapabilityHandles_RejectsOtherCapability(t *testing.T) {
	params := []byte{
		0x00,
		0x00, 0x00, 0x00, 0x00, // TPM_CAP_ALGS
		0x00, 0x00, 0x00, 0x00,
	}
	engine := newScriptedEngine(t, newScriptedCore(okReply(tpmproto.NoSessions, nil, params)))

	_, err := engine.GetCapabilityHandles(tpmproto.NewReservedHandle(tpmproto.HandleTypePersistent, 0), 2)
	assert.ErrorIs(t, err, &CommandError{Kind: CommandInvalidResponse})
}
