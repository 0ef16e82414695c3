package tpm2

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

type HandlesReply struct {
	MoreData bool
	Handles  []tpmproto.ReservedHandle
}

// GetCapabilityHandles lists up to count handles starting at first, which
// also selects the handle type.
func (e *Engine) GetCapabilityHandles(first tpmproto.ReservedHandle, count uint32) (*HandlesReply, error) {
	cmd := tpmproto.NewCommand(tpmproto.CCGetCapability, tpmproto.NoSessions).
		U32(tpmproto.CapHandles).
		U32(first.Uint32()).
		U32(count)
	reply, err := e.execute(cmd)
	if err != nil {
		return nil, err
	}

	out := &HandlesReply{}
	r := reply.ParamReader()
	if out.MoreData, err = r.Bool(); err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	raw := r.Rest()
	data, err := tpm2.Unmarshal[tpm2.TPMSCapabilityData](raw)
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	if uint32(data.Capability) != tpmproto.CapHandles {
		return nil, parseError(cmd.Code(), fmt.Errorf("capability %#x in reply", uint32(data.Capability)))
	}
	if n := len(tpm2.Marshal(*data)); n != len(raw) {
		return nil, parseError(cmd.Code(), fmt.Errorf("%d unread bytes", len(raw)-n))
	}
	handles, err := data.Data.Handles()
	if err != nil {
		return nil, parseError(cmd.Code(), err)
	}
	for _, v := range handles.Handle {
		h, err := tpmproto.ParseHandle(uint32(v))
		if err != nil {
			return nil, parseError(cmd.Code(), err)
		}
		out.Handles = append(out.Handles, h)
	}
	return out, nil
}
