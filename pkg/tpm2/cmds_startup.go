package tpm2

import "github.com/jeremyhahn/go-vtpm/pkg/tpmproto"

// Startup sends TPM2_Startup. A TPM that is already started rejects it
// with TPM_RC_INITIALIZE.
func (e *Engine) Startup(startupType tpmproto.StartupType) error {
	cmd := tpmproto.NewCommand(tpmproto.CCStartup, tpmproto.NoSessions).
		U16(uint16(startupType))
	_, err := e.execute(cmd)
	return err
}

// SelfTest sends TPM2_SelfTest.
func (e *Engine) SelfTest(fullTest bool) error {
	cmd := tpmproto.NewCommand(tpmproto.CCSelfTest, tpmproto.NoSessions).
		Bool(fullTest)
	_, err := e.execute(cmd)
	return err
}
