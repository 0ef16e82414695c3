package tpm2

import "github.com/jeremyhahn/go-vtpm/pkg/tpmproto"

// HierarchyControl enables or disables hierarchy under authHandle.
func (e *Engine) HierarchyControl(
	authHandle tpmproto.ReservedHandle,
	hierarchy tpmproto.ReservedHandle,
	state bool) error {

	switch hierarchy {
	case tpmproto.RHOwner, tpmproto.RHEndorsement, tpmproto.RHPlatform, tpmproto.RHPlatformNV:
	default:
		return invalidInput(tpmproto.CCHierarchyControl, "%s is not a hierarchy", hierarchy)
	}

	cmd := tpmproto.NewCommand(tpmproto.CCHierarchyControl, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth()).
		U32(hierarchy.Uint32()).
		Bool(state)
	_, err := e.execute(cmd)
	return err
}

// ClearControl sets or clears the disableClear flag.
func (e *Engine) ClearControl(authHandle tpmproto.ReservedHandle, disable bool) error {
	cmd := tpmproto.NewCommand(tpmproto.CCClearControl, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth()).
		Bool(disable)
	_, err := e.execute(cmd)
	return err
}

// Clear sends TPM2_Clear and returns the response code of the reply, which
// callers record as the last physical presence state.
func (e *Engine) Clear(authHandle tpmproto.ReservedHandle) (tpmproto.ResponseCode, error) {
	cmd := tpmproto.NewCommand(tpmproto.CCClear, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth())
	reply, err := e.execute(cmd)
	if err != nil {
		return 0, err
	}
	return reply.ResponseCode(), nil
}

// ChangeSeed sends TPM2_ChangeEPS or TPM2_ChangePPS.
func (e *Engine) ChangeSeed(authHandle tpmproto.ReservedHandle, code tpmproto.CommandCode) error {
	if code != tpmproto.CCChangeEPS && code != tpmproto.CCChangePPS {
		return invalidInput(code, "%s does not change a seed", code)
	}
	cmd := tpmproto.NewCommand(code, tpmproto.Sessions).
		Handle(authHandle).
		Auth(tpmproto.EmptyAuth())
	_, err := e.execute(cmd)
	return err
}
