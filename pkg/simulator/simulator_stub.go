// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

//go:build !tpm_simulator

package simulator

import "github.com/google/go-tpm/tpm2/transport"

// Simulator is unavailable without the tpm_simulator build tag.
type Simulator struct{}

// Open returns ErrSimulatorNotAvailable when simulator support is not
// compiled in.
func Open(seed int64) (*Simulator, error) {
	return nil, ErrSimulatorNotAvailable
}

func (s *Simulator) Transport() transport.TPM {
	return nil
}

func (s *Simulator) Close() error {
	return nil
}
