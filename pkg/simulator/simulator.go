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

//go:build tpm_simulator

package simulator

import (
	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
)

// Simulator is the reference TPM 2.0 simulator. The simulator has already
// received Startup(CLEAR) when Open returns.
type Simulator struct {
	sim *simulator.Simulator
}

// Open starts a simulator whose primary seeds derive from seed, so keys
// are reproducible across runs. It is not suitable outside of tests.
func Open(seed int64) (*Simulator, error) {
	sim, err := simulator.GetWithFixedSeedInsecure(seed)
	if err != nil {
		return nil, err
	}
	return &Simulator{sim: sim}, nil
}

// Transport returns a go-tpm transport over the simulator.
func (s *Simulator) Transport() transport.TPM {
	return transport.FromReadWriter(s.sim)
}

func (s *Simulator) Close() error {
	if s.sim != nil {
		return s.sim.Close()
	}
	return nil
}
