package tpm2

import (
	"strings"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// PCRBanks is a bitmap of PCR bank hash algorithms.
type PCRBanks uint32

const (
	PCRBankSHA1   PCRBanks = 0x01
	PCRBankSHA256 PCRBanks = 0x02
	PCRBankSHA384 PCRBanks = 0x04
	PCRBankSHA512 PCRBanks = 0x08
	PCRBankSM3256 PCRBanks = 0x10
)

// pcrBankAlgs is ordered; selections are emitted in this order.
var pcrBankAlgs = []struct {
	bank PCRBanks
	alg  tpm2.TPMIAlgHash
	name string
}{
	{PCRBankSHA1, tpm2.TPMAlgSHA1, "sha1"},
	{PCRBankSHA256, tpm2.TPMAlgSHA256, "sha256"},
	{PCRBankSHA384, tpm2.TPMAlgSHA384, "sha384"},
	{PCRBankSHA512, tpm2.TPMAlgSHA512, "sha512"},
	{PCRBankSM3256, tpm2.TPMAlgSM3256, "sm3_256"},
}

func (b PCRBanks) String() string {
	var names []string
	for _, a := range pcrBankAlgs {
		if b&a.bank != 0 {
			names = append(names, a.name)
		}
	}
	return strings.Join(names, "|")
}

// PCRSelection builds the allocation list for PCR_Allocate: one selection
// of PCRs 0-23 per supported bank, all set when the bank is in toAllocate
// and all clear otherwise. Banks outside supported are omitted.
func PCRSelection(supported, toAllocate PCRBanks) tpm2.TPMLPCRSelection {
	var sel tpm2.TPMLPCRSelection
	for _, a := range pcrBankAlgs {
		if supported&a.bank == 0 {
			continue
		}
		bitmap := []byte{0x00, 0x00, 0x00}
		if toAllocate&a.bank != 0 {
			bitmap = []byte{0xff, 0xff, 0xff}
		}
		sel.PCRSelections = append(sel.PCRSelections, tpm2.TPMSPCRSelection{
			Hash:      a.alg,
			PCRSelect: bitmap,
		})
	}
	return sel
}

type PCRAllocateReply struct {
	ResponseCode      tpmproto.ResponseCode
	AllocationSuccess bool
	MaxPCR            uint32
	SizeNeeded        uint32
	SizeAvailable     uint32
}

// PCRAllocate requests a new PCR bank allocation, effective after the next
// TPM reset.
func (e *Engine) PCRAllocate(
	authHandle tpmproto.ReservedHandle,
	supported, toAllocate PCRBanks) (*PCRAllocateReply, error) {

	cmd := tpmproto.NewCommand(tpmproto.CCPCRAllocate, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth()).
		Raw(tpm2.Marshal(PCRSelection(supported, toAllocate)))
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	out := &PCRAllocateReply{ResponseCode: reply.ResponseCode()}
	r := reply.ParamReader()
	if out.AllocationSuccess, err = r.Bool(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.MaxPCR, err = r.U32(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.SizeNeeded, err = r.U32(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if out.SizeAvailable, err = r.U32(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if err := r.Done(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	return out, nil
}
