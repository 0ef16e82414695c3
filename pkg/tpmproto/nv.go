package tpmproto

import (
	"fmt"
	"strings"

	"github.com/google/go-tpm/tpm2"
)

// NVAttributes is the TPMA_NV bitmap of an NV index.
type NVAttributes uint32

const (
	NVPPWrite        NVAttributes = 1 << 0
	NVOwnerWrite     NVAttributes = 1 << 1
	NVAuthWrite      NVAttributes = 1 << 2
	NVPolicyWrite    NVAttributes = 1 << 3
	NVPolicyDelete   NVAttributes = 1 << 10
	NVWriteLocked    NVAttributes = 1 << 11
	NVWriteAll       NVAttributes = 1 << 12
	NVWriteDefine    NVAttributes = 1 << 13
	NVWriteSTClear   NVAttributes = 1 << 14
	NVGlobalLock     NVAttributes = 1 << 15
	NVPPRead         NVAttributes = 1 << 16
	NVOwnerRead      NVAttributes = 1 << 17
	NVAuthRead       NVAttributes = 1 << 18
	NVPolicyRead     NVAttributes = 1 << 19
	NVNoDA           NVAttributes = 1 << 25
	NVOrderly        NVAttributes = 1 << 26
	NVClearSTClear   NVAttributes = 1 << 27
	NVReadLocked     NVAttributes = 1 << 28
	NVWritten        NVAttributes = 1 << 29
	NVPlatformCreate NVAttributes = 1 << 30
	NVReadSTClear    NVAttributes = 1 << 31

	nvTypeShift = 4
	nvTypeMask  = NVAttributes(0xF) << nvTypeShift
)

var nvAttributeNames = []struct {
	bit  NVAttributes
	name string
}{
	{NVPPWrite, "PPWRITE"},
	{NVOwnerWrite, "OWNERWRITE"},
	{NVAuthWrite, "AUTHWRITE"},
	{NVPolicyWrite, "POLICYWRITE"},
	{NVPolicyDelete, "POLICY_DELETE"},
	{NVWriteLocked, "WRITELOCKED"},
	{NVWriteAll, "WRITEALL"},
	{NVWriteDefine, "WRITEDEFINE"},
	{NVWriteSTClear, "WRITE_STCLEAR"},
	{NVGlobalLock, "GLOBALLOCK"},
	{NVPPRead, "PPREAD"},
	{NVOwnerRead, "OWNERREAD"},
	{NVAuthRead, "AUTHREAD"},
	{NVPolicyRead, "POLICYREAD"},
	{NVNoDA, "NO_DA"},
	{NVOrderly, "ORDERLY"},
	{NVClearSTClear, "CLEAR_STCLEAR"},
	{NVReadLocked, "READLOCKED"},
	{NVWritten, "WRITTEN"},
	{NVPlatformCreate, "PLATFORMCREATE"},
	{NVReadSTClear, "READ_STCLEAR"},
}

// Has reports whether every bit of flags is set.
func (a NVAttributes) Has(flags NVAttributes) bool {
	return a&flags == flags
}

// Type returns the TPM_NT index type held in bits 7:4.
func (a NVAttributes) Type() tpm2.TPMNT {
	return tpm2.TPMNT((a & nvTypeMask) >> nvTypeShift)
}

// WithType replaces the index type.
func (a NVAttributes) WithType(nt tpm2.TPMNT) NVAttributes {
	return a&^nvTypeMask | NVAttributes(nt)<<nvTypeShift&nvTypeMask
}

func (a NVAttributes) String() string {
	var names []string
	for _, n := range nvAttributeNames {
		if a.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	if nt := a.Type(); nt != tpm2.TPMNTOrdinary {
		names = append(names, fmt.Sprintf("NT=%d", nt))
	}
	return fmt.Sprintf("%#08x[%s]", uint32(a), strings.Join(names, "|"))
}

// TPMANV converts the bitmap for use with go-tpm structures.
func (a NVAttributes) TPMANV() tpm2.TPMANV {
	return tpm2.TPMANV{
		PPWrite:        a.Has(NVPPWrite),
		OwnerWrite:     a.Has(NVOwnerWrite),
		AuthWrite:      a.Has(NVAuthWrite),
		PolicyWrite:    a.Has(NVPolicyWrite),
		NT:             a.Type(),
		PolicyDelete:   a.Has(NVPolicyDelete),
		WriteLocked:    a.Has(NVWriteLocked),
		WriteAll:       a.Has(NVWriteAll),
		WriteDefine:    a.Has(NVWriteDefine),
		WriteSTClear:   a.Has(NVWriteSTClear),
		GlobalLock:     a.Has(NVGlobalLock),
		PPRead:         a.Has(NVPPRead),
		OwnerRead:      a.Has(NVOwnerRead),
		AuthRead:       a.Has(NVAuthRead),
		PolicyRead:     a.Has(NVPolicyRead),
		NoDA:           a.Has(NVNoDA),
		Orderly:        a.Has(NVOrderly),
		ClearSTClear:   a.Has(NVClearSTClear),
		ReadLocked:     a.Has(NVReadLocked),
		Written:        a.Has(NVWritten),
		PlatformCreate: a.Has(NVPlatformCreate),
		ReadSTClear:    a.Has(NVReadSTClear),
	}
}

// NVAttributesFromTPMANV converts go-tpm attributes into a bitmap.
func NVAttributesFromTPMANV(t tpm2.TPMANV) NVAttributes {
	var a NVAttributes
	set := func(ok bool, bit NVAttributes) {
		if ok {
			a |= bit
		}
	}
	set(t.PPWrite, NVPPWrite)
	set(t.OwnerWrite, NVOwnerWrite)
	set(t.AuthWrite, NVAuthWrite)
	set(t.PolicyWrite, NVPolicyWrite)
	set(t.PolicyDelete, NVPolicyDelete)
	set(t.WriteLocked, NVWriteLocked)
	set(t.WriteAll, NVWriteAll)
	set(t.WriteDefine, NVWriteDefine)
	set(t.WriteSTClear, NVWriteSTClear)
	set(t.GlobalLock, NVGlobalLock)
	set(t.PPRead, NVPPRead)
	set(t.OwnerRead, NVOwnerRead)
	set(t.AuthRead, NVAuthRead)
	set(t.PolicyRead, NVPolicyRead)
	set(t.NoDA, NVNoDA)
	set(t.Orderly, NVOrderly)
	set(t.ClearSTClear, NVClearSTClear)
	set(t.ReadLocked, NVReadLocked)
	set(t.Written, NVWritten)
	set(t.PlatformCreate, NVPlatformCreate)
	set(t.ReadSTClear, NVReadSTClear)
	return a.WithType(t.NT)
}

// NVPublic is the public area of an NV index (TPMS_NV_PUBLIC).
type NVPublic struct {
	Index      ReservedHandle
	NameAlg    tpm2.TPMIAlgHash
	Attributes NVAttributes
	AuthPolicy []byte
	DataSize   uint16
}

// TPMS converts the public area for use with go-tpm.
func (p NVPublic) TPMS() tpm2.TPMSNVPublic {
	return tpm2.TPMSNVPublic{
		NVIndex:    tpm2.TPMIRHNVIndex(p.Index),
		NameAlg:    p.NameAlg,
		Attributes: p.Attributes.TPMANV(),
		AuthPolicy: tpm2.TPM2BDigest{Buffer: p.AuthPolicy},
		DataSize:   p.DataSize,
	}
}

// Marshal2B encodes the public area as a TPM2B_NV_PUBLIC.
func (p NVPublic) Marshal2B() []byte {
	return tpm2.Marshal(tpm2.New2B(p.TPMS()))
}

// UnmarshalNVPublic decodes a TPM2B_NV_PUBLIC including its size prefix.
func UnmarshalNVPublic(b []byte) (*NVPublic, error) {
	sized, err := tpm2.Unmarshal[tpm2.TPM2BNVPublic](b)
	if err != nil {
		return nil, err
	}
	pub, err := sized.Contents()
	if err != nil {
		return nil, err
	}
	return &NVPublic{
		Index:      ReservedHandle(pub.NVIndex),
		NameAlg:    pub.NameAlg,
		Attributes: NVAttributesFromTPMANV(pub.Attributes),
		AuthPolicy: pub.AuthPolicy.Buffer,
		DataSize:   pub.DataSize,
	}, nil
}
