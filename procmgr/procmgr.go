// Package procmgr drives the INIT-SIPI-SIPI-shaped bring-up sequence: the
// BSP launches each AP in turn and spins until it reports Online. Under
// KVM every vCPU already exists as a file descriptor before boot (there is
// no real startup IPI to send), so "launch" here means handing a vcpu its
// initial register state and starting its run goroutine; the one-AP-at-
// a-time and spin-until-online invariants are preserved because the real
// loader's AP bring-up is not thread-safe and this package models that
// same serialization with a plain sequential loop; the parallel run loop
// itself lives in machine.StartCores.
package procmgr

import (
	"context"
	"fmt"
	"runtime"

	"github.com/flugzeug/flugzeug/corelocals"
)

// Launcher starts a single core at the given entry point. It must not
// return until the core has been handed its initial state (not until the
// core finishes running) — procmgr does the waiting for Online itself.
type Launcher func(core *corelocals.Locals, entry uint64) error

// Manager drives bring-up over a corelocals.Registry.
type Manager struct {
	registry *corelocals.Registry
	launch   Launcher
}

// New returns a Manager over registry, using launch to start each AP.
func New(registry *corelocals.Registry, launch Launcher) *Manager {
	return &Manager{registry: registry, launch: launch}
}

// BringUp launches every core other than the BSP (core 0) one at a time,
// spinning until each reaches Online before starting the next — the
// single-writer invariant the non-thread-safe loader relies on. ctx
// cancellation aborts the spin-wait on a core that never comes online.
func (m *Manager) BringUp(ctx context.Context, entry uint64) error {
	for id := 1; id < m.registry.Len(); id++ {
		core := m.registry.Core(id)

		core.SetState(corelocals.StateLaunched)

		if err := m.launch(core, entry); err != nil {
			return fmt.Errorf("procmgr: launching core %d: %w", id, err)
		}

		if err := m.waitOnline(ctx, core); err != nil {
			return fmt.Errorf("procmgr: core %d: %w", id, err)
		}
	}

	return nil
}

// waitOnline spins with a scheduling-yield pause hint until core reaches
// Online or ctx is done.
func (m *Manager) waitOnline(ctx context.Context, core *corelocals.Locals) error {
	for core.State() != corelocals.StateOnline {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for online: %w", ctx.Err())
		default:
			runtime.Gosched()
		}

		if core.State() == corelocals.StateHalted {
			return fmt.Errorf("core halted during bring-up (panic flag was set)")
		}
	}

	return nil
}
