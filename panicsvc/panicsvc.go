// Package panicsvc implements the cross-core panic fan-out: the first
// core to panic claims a singleton writer slot, halts every other Online
// core, dumps a banner, and never returns. Grounded on corelocals' state
// machine for "which cores are Online/Halted" and on kvm.IRQLine — the
// only real inter-processor-interrupt primitive this reimplementation
// has, since KVM's in-kernel IRQ chip is what machine.InjectSerialIRQ
// already drives — relabeled from "serial IRQ" onto "send every other
// core the halt signal".
package panicsvc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flugzeug/flugzeug/corelocals"
)

const unclaimedOwner = -1

// IRQSender abstracts the one primitive panicsvc needs from the rest of
// the VM: a way to interrupt every other running vCPU so it notices the
// panic flag. machine.Machine.InjectSerialIRQ-style methods satisfy this.
type IRQSender interface {
	SendHaltIRQ() error
}

// Service is the per-VM panic singleton.
type Service struct {
	registry *corelocals.Registry
	irq      IRQSender

	panicking int32 // 0/1, CAS-guarded
	writer    int32 // unclaimedOwner, or the claiming core id
}

// New returns a Service over registry, sending halt signals via irq.
func New(registry *corelocals.Registry, irq IRQSender) *Service {
	return &Service{registry: registry, irq: irq, writer: unclaimedOwner}
}

// Claim attempts to become the emergency writer for core id. It succeeds
// if the slot is unclaimed, already held by id (reentrant panic), or held
// by a core that has since reported Halted (stolen rather than
// deadlocked on).
func (s *Service) Claim(id int) bool {
	me := int32(id)

	if atomic.CompareAndSwapInt32(&s.writer, unclaimedOwner, me) {
		return true
	}

	cur := atomic.LoadInt32(&s.writer)
	if cur == me {
		return true
	}

	if core := s.registry.Core(int(cur)); core != nil && core.State() == corelocals.StateHalted {
		return atomic.CompareAndSwapInt32(&s.writer, cur, me)
	}

	return false
}

// IsPanicking reports whether any core has begun a panic.
func (s *Service) IsPanicking() bool {
	return atomic.LoadInt32(&s.panicking) != 0
}

// Begin is called once by the claiming core: it flips the global
// panicking flag, signals every other Online core, and waits up to
// haltTimeout for each to report Halted — forcibly marking it Halted
// regardless of whether it responded in time, since the panic path must
// make forward progress even against a wedged core.
func (s *Service) Begin(id int, haltTimeout time.Duration) error {
	if !atomic.CompareAndSwapInt32(&s.panicking, 0, 1) {
		return nil // another core already started the fan-out
	}

	if err := s.irq.SendHaltIRQ(); err != nil {
		return fmt.Errorf("panicsvc: sending halt signal: %w", err)
	}

	for i := 0; i < s.registry.Len(); i++ {
		if i == id {
			continue
		}

		core := s.registry.Core(i)
		if core.State() != corelocals.StateOnline {
			continue
		}

		deadline := time.Now().Add(haltTimeout)
		for time.Now().Before(deadline) && core.State() != corelocals.StateHalted {
			time.Sleep(time.Millisecond)
		}

		core.SetState(corelocals.StateHalted)
	}

	return nil
}

// Banner is the panic dump's content: source location, message, and
// which core reported it.
type Banner struct {
	CoreID  int
	File    string
	Line    int
	Message string
}

func (b Banner) String() string {
	return fmt.Sprintf("panic on core %d at %s:%d: %s", b.CoreID, b.File, b.Line, b.Message)
}
