// Package simulator opens the go-tpm-tools reference TPM simulator as an
// execution core. Simulator support is compiled in with the tpm_simulator
// build tag; without it Open returns ErrSimulatorNotAvailable.
package simulator

import "errors"

// ErrSimulatorNotAvailable is returned when simulator support is not compiled in
var ErrSimulatorNotAvailable = errors.New("simulator: support not compiled (build with -tags tpm_simulator)")
